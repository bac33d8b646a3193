package classifier

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ashureev/campusbot/internal/domain"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

type rule struct {
	intent  domain.Intent
	phrases []string
}

// Rules are checked in order; the first phrase found wins. Phrases are
// written folded: lower case, no accents.
var rules = []rule{
	{domain.IntentLogout, []string{"logout", "log out", "sign out", "sair da conta", "deslogar", "encerrar sessao"}},
	{domain.IntentOfficeHours, []string{"office hours", "horario de atendimento", "atendimento", "plantao"}},
	{domain.IntentSchedule, []string{"schedule", "timetable", "horario", "grade horaria", "quando tenho aula"}},
	{domain.IntentGrades, []string{"grade", "my marks", "nota", "boletim", "media final"}},
	{domain.IntentAssessmentDate, []string{"exam date", "when is the exam", "when is the test", "data da prova", "quando e a prova"}},
	{domain.IntentAssessmentTopic, []string{"exam topics", "what falls on", "conteudo da prova", "o que cai"}},
	{domain.IntentAssessmentList, []string{"assessments", "exams", "tests", "provas", "avaliacoes"}},
	{domain.IntentActivityInfo, []string{"assignment", "homework", "activity", "atividade", "trabalho"}},
	{domain.IntentMaterial, []string{"material", "slides", "apostila"}},
	{domain.IntentSyllabus, []string{"syllabus", "ementa", "plano de ensino"}},
	{domain.IntentProfessorInfo, []string{"professor", "teacher", "instructor", "docente"}},
	{domain.IntentNotices, []string{"notice", "announcement", "aviso", "comunicado"}},
	{domain.IntentClassSize, []string{"how many students", "class size", "quantos alunos"}},
	{domain.IntentFAQ, []string{"faq", "frequently asked", "duvidas frequentes", "perguntas frequentes"}},
	{domain.IntentHelp, []string{"help", "what can you do", "ajuda", "o que voce faz"}},
	{domain.IntentGoodbye, []string{"bye", "goodbye", "tchau", "ate logo", "ate mais"}},
	{domain.IntentGreet, []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening", "oi", "ola", "bom dia", "boa tarde", "boa noite"}},
}

// Keywords is a rule-based classifier used when no remote model is
// configured or the remote one fails.
type Keywords struct{}

// NewKeywords returns a keyword classifier.
func NewKeywords() *Keywords { return &Keywords{} }

// Classify implements Classifier.
func (k *Keywords) Classify(_ context.Context, text string) (Result, error) {
	if email := emailPattern.FindString(text); email != "" {
		return Result{
			Intent:     domain.IntentInformEmail,
			Entities:   map[string]string{domain.EntityEmail: strings.ToLower(email)},
			Confidence: 1,
		}, nil
	}

	words := strings.Fields(Fold(text))
	padded := " " + strings.Join(words, " ") + " "
	for _, r := range rules {
		for _, p := range r.phrases {
			if hasWordEnd(padded, p) {
				return Result{Intent: r.intent, Confidence: 0.7}, nil
			}
		}
	}
	return Result{Intent: domain.IntentUnknown}, nil
}

// hasWordEnd reports whether p occurs in s starting at a word boundary and
// ending at one, allowing a plural "s".
func hasWordEnd(s, p string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], " "+p)
		if j < 0 {
			return false
		}
		end := i + j + 1 + len(p)
		rest := s[end:]
		if strings.HasPrefix(rest, " ") || strings.HasPrefix(rest, "s ") {
			return true
		}
		i = end
	}
}

// Fold lower-cases text, strips accents and replaces punctuation with spaces.
func Fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, folded)
}
