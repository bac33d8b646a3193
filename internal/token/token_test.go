package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/campusbot/internal/domain"
)

var student = domain.StudentRef{
	StudentID:      "42",
	Email:          "joao@inst.edu",
	RegistrationID: "RA2023001",
	CourseID:       "CS",
	ClassSection:   "A",
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	iss, err := NewIssuer("secret", 30*time.Minute, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	signed, expires, err := iss.Issue(student, "tg:1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !expires.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("expires = %v", expires)
	}
	if strings.Contains(signed, "RA2023001") {
		t.Fatal("token must not carry the registration identifier")
	}

	claims, err := iss.Verify(signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "42" || claims.Email != "joao@inst.edu" || claims.ConversationID != "tg:1" || claims.ClassSection != "A" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatal("expected a token id")
	}
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	iss, _ := NewIssuer("secret", time.Minute, clock)
	signed, _, err := iss.Issue(student, "tg:1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	later, _ := NewIssuer("secret", time.Minute, func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := later.Verify(signed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other, _ := NewIssuer("other-secret", time.Minute, clock)
	if _, err := other.Verify(signed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected foreign token to be rejected, got %v", err)
	}
}

func TestRandomSecret(t *testing.T) {
	t.Parallel()

	a, err := NewIssuer("", time.Minute, nil)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	b, _ := NewIssuer("", time.Minute, nil)
	signed, _, err := a.Issue(student, "ws:x")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := a.Verify(signed); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := b.Verify(signed); err == nil {
		t.Fatal("expected independent random secrets")
	}
}
