package engine

import (
	"strings"
	"time"

	"github.com/ashureev/campusbot/internal/classifier"
)

const (
	msgFallback      = "Sorry, I didn't get that. You can ask about your grades, schedule, exams, materials or professors. Type \"help\" to see more."
	msgHelp          = "I can look up your grades, class schedule, exam dates and topics, course materials, syllabus, office hours and notices. Some of these need you to sign in with your institutional email first."
	msgGoodbye       = "Bye! Talk to you soon."
	msgNotSignedIn   = "You're not signed in."
	msgAlreadySigned = "You're already signed in."
	msgSlowDown      = "You're sending messages too quickly. Please wait a moment."
	msgActionFailed  = "I couldn't get that information right now. Please try again shortly."
	msgActionMissing = "I can't help with that just yet."
	msgInternalError = "Something went wrong on my side. Please try again."
	msgHowCanIHelp   = "How can I help?"
	greetMorning     = "Good morning!"
	greetAfternoon   = "Good afternoon!"
	greetEvening     = "Good evening!"
)

// greeting mirrors the greeting the user used, or picks one by the hour.
func greeting(text string, now time.Time) string {
	folded := " " + strings.Join(strings.Fields(classifier.Fold(text)), " ") + " "
	switch {
	case strings.Contains(folded, " bom dia ") || strings.Contains(folded, " good morning "):
		return greetMorning
	case strings.Contains(folded, " boa tarde ") || strings.Contains(folded, " good afternoon "):
		return greetAfternoon
	case strings.Contains(folded, " boa noite ") || strings.Contains(folded, " good evening "):
		return greetEvening
	}
	switch h := now.Hour(); {
	case h >= 5 && h < 12:
		return greetMorning
	case h >= 12 && h < 18:
		return greetAfternoon
	default:
		return greetEvening
	}
}
