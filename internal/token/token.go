// Package token mints the access token handed to protected actions after a
// conversation authenticates.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/id"
)

// ErrInvalid is returned for tokens that fail verification.
var ErrInvalid = errors.New("invalid or expired token")

const issuer = "campusbot"

// Claims carry the student context protected actions need. The registration
// identifier is never included.
type Claims struct {
	Email          string `json:"email"`
	CourseID       string `json:"course_id,omitempty"`
	ClassSection   string `json:"class_section,omitempty"`
	ConversationID string `json:"conversation_id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. An empty secret generates a random one, so
// tokens do not survive a restart.
func NewIssuer(secret string, ttl time.Duration, now func() time.Time) (*Issuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: key, ttl: ttl, now: now}, nil
}

// Issue returns a signed token for student in conversationID and its expiry.
func (i *Issuer) Issue(student domain.StudentRef, conversationID string) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)
	claims := Claims{
		Email:          student.Email,
		CourseID:       student.CourseID,
		ClassSection:   student.ClassSection,
		ConversationID: conversationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.NewString(),
			Issuer:    issuer,
			Subject:   student.StudentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a token issued by i.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalid
	}
	return claims, nil
}
