// Package challenge issues and checks partial registration-identifier questions.
package challenge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/campusbot/internal/domain"
)

var (
	// ErrEmptyIdentifier is returned when a student record has no registration identifier.
	ErrEmptyIdentifier = errors.New("registration identifier is empty")
	// ErrInvalidPolicy is returned by Policy.Validate.
	ErrInvalidPolicy = errors.New("invalid challenge policy")
)

// freshnessRedraws bounds how many random redraws are tried before falling
// back to a deterministic alternative.
const freshnessRedraws = 8

// Rand is the randomness the generator needs. *math/rand/v2.Rand satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Policy holds the tunable challenge parameters.
type Policy struct {
	// FullProbability is the chance of asking for the whole identifier.
	FullProbability float64
	// MinFragment and MaxFragment bound PREFIX/SUFFIX lengths.
	MinFragment int
	MaxFragment int
	// TTL is how long a question stays answerable. Zero disables expiry.
	TTL time.Duration
}

// DefaultPolicy mirrors the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		FullProbability: 0.1,
		MinFragment:     2,
		MaxFragment:     4,
		TTL:             5 * time.Minute,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.FullProbability < 0 || p.FullProbability > 1 {
		return fmt.Errorf("%w: full probability %v outside [0,1]", ErrInvalidPolicy, p.FullProbability)
	}
	if p.MinFragment < 1 {
		return fmt.Errorf("%w: min fragment must be >= 1", ErrInvalidPolicy)
	}
	if p.MaxFragment < p.MinFragment {
		return fmt.Errorf("%w: max fragment %d < min fragment %d", ErrInvalidPolicy, p.MaxFragment, p.MinFragment)
	}
	if p.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalidPolicy)
	}
	return nil
}

// Generator draws challenges from a discrete distribution over kinds. It is
// safe for concurrent use; draws from rnd are serialized.
type Generator struct {
	policy Policy
	now    func() time.Time

	mu  sync.Mutex
	rnd Rand
}

// NewGenerator creates a generator. now may be nil.
func NewGenerator(policy Policy, rnd Rand, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{policy: policy, rnd: rnd, now: now}
}

// Policy returns the generator's policy.
func (g *Generator) Policy() Policy {
	return g.policy
}

// Generate issues a challenge for identifier. When previous is non-nil the
// result never asks the same question as previous, unless the identifier is
// too short to allow any other question.
func (g *Generator) Generate(identifier string, previous *domain.Challenge) (domain.Challenge, error) {
	id := Normalize(identifier)
	if id == "" {
		return domain.Challenge{}, ErrEmptyIdentifier
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var c domain.Challenge
	for range freshnessRedraws {
		c = g.draw(id)
		if previous == nil || !c.SameQuestion(*previous) {
			return c, nil
		}
	}

	for _, alt := range g.candidates(id) {
		if !alt.SameQuestion(*previous) {
			return alt, nil
		}
	}
	return c, nil
}

func (g *Generator) draw(id string) domain.Challenge {
	kinds := g.partialKinds(id)
	if len(kinds) == 0 || g.rnd.Float64() < g.policy.FullProbability {
		return g.build(id, domain.ChallengeFull, 0)
	}

	kind := kinds[g.rnd.IntN(len(kinds))]
	switch kind {
	case domain.ChallengePrefix, domain.ChallengeSuffix:
		lo, hi := g.fragmentRange(id)
		return g.build(id, kind, lo+g.rnd.IntN(hi-lo+1))
	default:
		return g.build(id, domain.ChallengeDigitAt, 1+g.rnd.IntN(utf8.RuneCountInString(id)))
	}
}

// partialKinds lists the non-FULL kinds whose answer is strictly shorter than
// the identifier.
func (g *Generator) partialKinds(id string) []domain.ChallengeKind {
	if utf8.RuneCountInString(id) < 2 {
		return nil
	}
	kinds := make([]domain.ChallengeKind, 0, 3)
	if lo, hi := g.fragmentRange(id); lo <= hi {
		kinds = append(kinds, domain.ChallengePrefix, domain.ChallengeSuffix)
	}
	return append(kinds, domain.ChallengeDigitAt)
}

func (g *Generator) fragmentRange(id string) (int, int) {
	return g.policy.MinFragment, min(g.policy.MaxFragment, utf8.RuneCountInString(id)-1)
}

// candidates enumerates every feasible challenge in a fixed order.
func (g *Generator) candidates(id string) []domain.Challenge {
	var out []domain.Challenge
	for _, kind := range g.partialKinds(id) {
		switch kind {
		case domain.ChallengePrefix, domain.ChallengeSuffix:
			lo, hi := g.fragmentRange(id)
			for n := lo; n <= hi; n++ {
				out = append(out, g.build(id, kind, n))
			}
		case domain.ChallengeDigitAt:
			for pos := 1; pos <= utf8.RuneCountInString(id); pos++ {
				out = append(out, g.build(id, kind, pos))
			}
		}
	}
	return append(out, g.build(id, domain.ChallengeFull, 0))
}

func (g *Generator) build(id string, kind domain.ChallengeKind, param int) domain.Challenge {
	return domain.Challenge{
		Kind:           kind,
		Parameter:      param,
		ExpectedAnswer: Expected(id, kind, param),
		IssuedAt:       g.now(),
	}
}

// Expected derives the answer for a kind/parameter pair. Out-of-range
// parameters yield an empty string, which never validates.
func Expected(identifier string, kind domain.ChallengeKind, param int) string {
	id := []rune(Normalize(identifier))
	if kind != domain.ChallengeFull && (param < 1 || param > len(id)) {
		return ""
	}
	switch kind {
	case domain.ChallengePrefix:
		return string(id[:param])
	case domain.ChallengeSuffix:
		return string(id[len(id)-param:])
	case domain.ChallengeDigitAt:
		return string(id[param-1 : param])
	case domain.ChallengeFull:
		return string(id)
	default:
		return ""
	}
}

// Normalize trims, drops inner whitespace and upper-cases s.
func Normalize(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}
