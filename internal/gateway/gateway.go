// Package gateway resolves institutional emails to student records through
// the academic backend.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/logger"
)

var (
	// ErrNotFound means no student has the email.
	ErrNotFound = errors.New("student not found")
	// ErrUnavailable is a transient network or backend failure.
	ErrUnavailable = errors.New("backend unavailable")
)

// maxBodyBytes caps the student record response.
const maxBodyBytes = 64 << 10

// StudentLookup resolves an email to a student record.
type StudentLookup interface {
	LookupByEmail(ctx context.Context, email string) (domain.StudentRef, error)
}

// Cache stores resolved students for a short time.
type Cache interface {
	Get(ctx context.Context, email string) (domain.StudentRef, bool, error)
	Set(ctx context.Context, email string, student domain.StudentRef) error
}

// Config configures an HTTPGateway.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGateway calls GET {BaseURL}/students?email=.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   Cache
	group   singleflight.Group
	logger  *slog.Logger
}

// New creates a gateway. cache may be nil.
func New(cfg Config, cache Cache, logger *slog.Logger) *HTTPGateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
		logger:  logger,
	}
}

// LookupByEmail returns the student for email, ErrNotFound, or ErrUnavailable.
// Concurrent lookups of the same email share one backend call.
func (g *HTTPGateway) LookupByEmail(ctx context.Context, email string) (domain.StudentRef, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.StudentRef{}, ErrNotFound
	}

	ctx, span := logger.StartSpan(ctx, "gateway.lookup_student")
	var err error
	defer func() { logger.EndSpan(span, ignoreNotFound(err)) }()

	if g.cache != nil {
		student, ok, cerr := g.cache.Get(ctx, email)
		if cerr != nil {
			g.logger.WarnContext(ctx, "student cache read failed", "error", cerr)
		} else if ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return student, nil
		}
	}

	v, err, shared := g.group.Do(email, func() (any, error) {
		return g.fetch(ctx, email)
	})
	span.SetAttributes(attribute.Bool("shared", shared))
	if err != nil {
		return domain.StudentRef{}, err
	}
	student := v.(domain.StudentRef)

	if g.cache != nil {
		if cerr := g.cache.Set(ctx, email, student); cerr != nil {
			g.logger.WarnContext(ctx, "student cache write failed", "error", cerr)
		}
	}
	return student, nil
}

func (g *HTTPGateway) fetch(ctx context.Context, email string) (domain.StudentRef, error) {
	endpoint := g.baseURL + "/students?" + url.Values{"email": {email}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.StudentRef{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.WarnContext(ctx, "student lookup failed", "error", err, "duration", time.Since(start))
		return domain.StudentRef{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.StudentRef{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		g.logger.WarnContext(ctx, "student lookup returned error status", "status", resp.StatusCode, "duration", time.Since(start))
		return domain.StudentRef{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var student domain.StudentRef
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&student); err != nil {
		return domain.StudentRef{}, fmt.Errorf("%w: decode student: %v", ErrUnavailable, err)
	}
	if student.Email == "" {
		student.Email = email
	}
	return student, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
