package challenge

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/ashureev/campusbot/internal/domain"
)

// ErrMismatch is returned when an answer does not match the active challenge.
var ErrMismatch = errors.New("challenge answer mismatch")

// Validate checks answer against c. Whitespace and case are ignored.
func Validate(c domain.Challenge, answer string) error {
	want := []byte(Normalize(c.ExpectedAnswer))
	got := []byte(Normalize(answer))
	if len(want) == 0 || subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrMismatch
	}
	return nil
}

// Question renders the prompt shown to the user for c. It never contains the
// expected answer.
func Question(c domain.Challenge) string {
	switch c.Kind {
	case domain.ChallengePrefix:
		return fmt.Sprintf("What are the first %d characters of your registration number?", c.Parameter)
	case domain.ChallengeSuffix:
		return fmt.Sprintf("What are the last %d characters of your registration number?", c.Parameter)
	case domain.ChallengeDigitAt:
		return fmt.Sprintf("What is the %s character of your registration number?", ordinal(c.Parameter))
	default:
		return "Please confirm your full registration number."
	}
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
