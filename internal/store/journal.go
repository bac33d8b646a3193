package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/campusbot/internal/domain"
	"github.com/ashureev/campusbot/internal/id"
)

// journalEntry is one queued write. Exactly one field is set.
type journalEntry struct {
	auth *domain.AuthEvent
	sani *domain.SanitizationRecord
}

// Journal writes audit records asynchronously so that database latency never
// blocks a conversation. When the queue is full the oldest entry is dropped.
type Journal struct {
	repo   Repository
	queue  chan journalEntry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	closeOnce sync.Once
}

// NewJournal starts the background writer. A nil repo yields a Journal that
// discards everything.
func NewJournal(repo Repository, queueSize int, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Journal{
		repo:   repo,
		queue:  make(chan journalEntry, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "journal"),
	}
	if repo != nil {
		j.wg.Add(1)
		go j.process()
	}
	return j
}

// RecordTransition queues a state transition. A zero ID or CreatedAt is filled in.
func (j *Journal) RecordTransition(ev domain.AuthEvent) {
	if ev.ID == 0 {
		ev.ID = id.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	j.enqueue(journalEntry{auth: &ev})
}

// RecordSanitization queues a ledger update.
func (j *Journal) RecordSanitization(rec domain.SanitizationRecord) {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	j.enqueue(journalEntry{sani: &rec})
}

func (j *Journal) enqueue(e journalEntry) {
	if j == nil || j.repo == nil {
		return
	}
	select {
	case <-j.ctx.Done():
		return
	default:
	}

	select {
	case j.queue <- e:
		return
	default:
	}

	j.logger.Warn("journal queue full, dropping oldest entry", "queue_len", len(j.queue))
	select {
	case <-j.queue:
	default:
	}
	select {
	case j.queue <- e:
	default:
		j.logger.Warn("failed to queue journal entry after backpressure")
	}
}

func (j *Journal) process() {
	defer j.wg.Done()
	for {
		select {
		case <-j.ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case e := <-j.queue:
					j.write(e)
				default:
					return
				}
			}
		case e := <-j.queue:
			j.write(e)
		}
	}
}

func (j *Journal) write(e journalEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	var err error
	switch {
	case e.auth != nil:
		err = j.repo.RecordAuthEvent(ctx, e.auth)
	case e.sani != nil:
		err = j.repo.UpsertSanitization(ctx, e.sani)
	}
	if err != nil {
		j.logger.Error("journal write failed", "error", err)
		return
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		j.logger.Warn("slow journal write", "duration_ms", d.Milliseconds())
	}
}

// Close stops accepting entries and waits up to 5 seconds for the queue to flush.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		j.cancel()

		done := make(chan struct{})
		go func() {
			j.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			j.logger.Warn("journal shutdown timeout", "queue_remaining", len(j.queue))
		}
	})
	return nil
}
