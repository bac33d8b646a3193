// Package sanitizer deletes channel messages that carried an email or a
// registration identifier fragment once they are no longer needed.
//
// Deletion is best-effort. Each message gets a bounded number of attempts,
// permanent transport failures are not retried, and a message leaves the
// session's queue after success or exhaustion either way.
package sanitizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/shared"
	"github.com/ashureev/campusbot/internal/transport"
)

// ErrSanitizationFailed wraps the last transport error after all attempts.
var ErrSanitizationFailed = errors.New("sanitization failed")

// Sessions is the part of the session store the sanitizer needs.
type Sessions interface {
	Snapshot(id string) (domain.ConversationSession, bool)
	Update(id string, fn func(*domain.ConversationSession) error) error
}

// Deleter removes a message from a channel transcript.
type Deleter interface {
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// Recorder receives deletion outcomes.
type Recorder interface {
	RecordSanitization(rec domain.SanitizationRecord)
}

// Config bounds deletion work.
type Config struct {
	MaxAttempts int
	Workers     int
	// Rate is the global delete calls per second.
	Rate      float64
	QueueSize int
	BaseDelay time.Duration
}

type job struct {
	conversationID string
	// ids is set for sessions that no longer exist; nil means read the
	// session's pending queue.
	ids []string
}

// Sanitizer drains pending sanitizations through a worker pool.
type Sanitizer struct {
	sessions Sessions
	deleter  Deleter
	recorder Recorder
	limiter  *rate.Limiter
	cfg      Config
	logger   *slog.Logger

	jobs   chan job
	mu     sync.Mutex
	queued map[string]struct{}
}

// New creates a sanitizer. recorder may be nil.
func New(sessions Sessions, deleter Deleter, recorder Recorder, cfg Config, logger *slog.Logger) *Sanitizer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	burst := max(1, int(cfg.Rate))
	return &Sanitizer{
		sessions: sessions,
		deleter:  deleter,
		recorder: recorder,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), burst),
		cfg:      cfg,
		logger:   logger.With("component", "sanitizer"),
		jobs:     make(chan job, cfg.QueueSize),
		queued:   make(map[string]struct{}),
	}
}

// Flush schedules a drain of the conversation's pending queue. Repeated calls
// before a worker picks the conversation up collapse into one drain.
func (s *Sanitizer) Flush(conversationID string) {
	s.mu.Lock()
	if _, ok := s.queued[conversationID]; ok {
		s.mu.Unlock()
		return
	}
	s.queued[conversationID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.jobs <- job{conversationID: conversationID}:
	default:
		// The ids stay pending on the session; the next flush retries.
		s.mu.Lock()
		delete(s.queued, conversationID)
		s.mu.Unlock()
		s.logger.Warn("sanitizer queue full, flush skipped", "conversation_id", conversationID)
	}
}

// Enqueue schedules deletion of ids that are no longer tracked by a session,
// such as those of a destroyed conversation or ledger rows left over from a
// previous run.
func (s *Sanitizer) Enqueue(conversationID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	select {
	case s.jobs <- job{conversationID: conversationID, ids: ids}:
	default:
		s.logger.Warn("sanitizer queue full, dropping ids", "conversation_id", conversationID, "count", len(ids))
	}
}

// Run starts the workers and blocks until ctx is done.
func (s *Sanitizer) Run(ctx context.Context) error {
	s.logger.Info("sanitizer started", "workers", s.cfg.Workers, "rate", s.cfg.Rate)
	g, ctx := errgroup.WithContext(ctx)
	for range s.cfg.Workers {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("sanitizer stopped")
	return err
}

func (s *Sanitizer) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			if j.ids != nil {
				s.deleteDetached(ctx, j.conversationID, j.ids)
				continue
			}
			s.mu.Lock()
			delete(s.queued, j.conversationID)
			s.mu.Unlock()
			s.Drain(ctx, j.conversationID)
		}
	}
}

// Drain deletes every id pending on the session and removes each from the
// queue after its last attempt. It returns how many were deleted. Deletes
// run outside the session lock so inbound events are never held up.
func (s *Sanitizer) Drain(ctx context.Context, conversationID string) int {
	snap, ok := s.sessions.Snapshot(conversationID)
	if !ok || len(snap.PendingSanitizations) == 0 {
		return 0
	}

	deleted := 0
	for _, msgID := range snap.PendingSanitizations {
		if ctx.Err() != nil {
			break
		}
		err := s.deleteOne(ctx, conversationID, msgID)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			deleted++
		}
		err = s.sessions.Update(conversationID, func(sess *domain.ConversationSession) error {
			sess.RemoveSanitization(msgID)
			return nil
		})
		if err != nil {
			// Destroyed meanwhile; its remaining ids were handed to Enqueue.
			break
		}
	}
	return deleted
}

func (s *Sanitizer) deleteDetached(ctx context.Context, conversationID string, ids []string) {
	for _, msgID := range ids {
		if ctx.Err() != nil {
			return
		}
		_ = s.deleteOne(ctx, conversationID, msgID)
	}
}

// deleteOne makes up to MaxAttempts delete calls and records the outcome. A
// message that is already gone counts as deleted.
func (s *Sanitizer) deleteOne(ctx context.Context, conversationID, msgID string) error {
	attempts := 0
	err := shared.Retry(ctx, s.cfg.MaxAttempts, s.cfg.BaseDelay, func(err error) bool {
		return !transport.Permanent(err) && ctx.Err() == nil
	}, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		attempts++
		return s.deleter.DeleteMessage(ctx, conversationID, msgID)
	})

	rec := domain.SanitizationRecord{
		ConversationID: conversationID,
		MessageID:      msgID,
		Status:         domain.SanitizationDeleted,
		Attempts:       attempts,
	}
	switch {
	case err == nil:
		s.logger.Debug("sensitive message deleted", "conversation_id", conversationID, "message_id", msgID, "attempts", attempts)
	case errors.Is(err, transport.ErrMessageGone):
		rec.LastError = err.Error()
		err = nil
	case ctx.Err() != nil:
		// Shutting down; the ledger keeps the row pending for the next start.
		return ctx.Err()
	default:
		rec.Status = domain.SanitizationFailed
		rec.LastError = err.Error()
		err = fmt.Errorf("%w: %w", ErrSanitizationFailed, err)
		s.logger.Warn("sensitive message not deleted",
			"conversation_id", conversationID,
			"message_id", msgID,
			"attempts", attempts,
			"error", err,
		)
	}
	if s.recorder != nil {
		s.recorder.RecordSanitization(rec)
	}
	return err
}
