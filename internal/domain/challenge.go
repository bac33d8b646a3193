package domain

import (
	"fmt"
	"time"
)

// ChallengeKind selects which fragment of the registration identifier is asked for.
type ChallengeKind string

const (
	// ChallengePrefix asks for the first N characters.
	ChallengePrefix ChallengeKind = "PREFIX"
	// ChallengeSuffix asks for the last N characters.
	ChallengeSuffix ChallengeKind = "SUFFIX"
	// ChallengeDigitAt asks for the character at a 1-based position.
	ChallengeDigitAt ChallengeKind = "DIGIT_AT"
	// ChallengeFull asks for the whole identifier.
	ChallengeFull ChallengeKind = "FULL"
)

// Challenge is a single outstanding question about the registration identifier.
type Challenge struct {
	Kind           ChallengeKind
	Parameter      int
	ExpectedAnswer string
	IssuedAt       time.Time
}

// SameQuestion reports whether two challenges ask the same thing.
func (c Challenge) SameQuestion(other Challenge) bool {
	return c.Kind == other.Kind && c.Parameter == other.Parameter
}

// Expired reports whether the challenge is older than ttl. A zero ttl never expires.
func (c Challenge) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(c.IssuedAt) > ttl
}

// String is safe to log: it never includes the expected answer.
func (c Challenge) String() string {
	if c.Kind == ChallengeFull {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s(%d)", c.Kind, c.Parameter)
}
