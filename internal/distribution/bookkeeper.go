// ABOUTME: Writes per-agent assignment counters and timestamps back to the agent store
// ABOUTME: Failures are logged and retried; they never undo an assignment already returned

package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/leadrouter/internal/store"
)

// ErrBookkeepingWriteFailed indicates a counter/timestamp update did not persist.
var ErrBookkeepingWriteFailed = errors.New("bookkeeping write failed")

// BookkeepingWriter is the narrow view of the agent store the bookkeeper needs.
type BookkeepingWriter interface {
	RecordAssignment(ctx context.Context, agentID string, at time.Time) error
}

// BookkeeperConfig configures write-back behavior.
type BookkeeperConfig struct {
	// Async queues every write for the background worker. Otherwise the first
	// attempt is made inline and only retries are queued.
	Async bool
	// QueueSize bounds the worker queue. A full queue falls back to an inline
	// write for new entries and drops retries.
	QueueSize int
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// RetryBackoff is the delay before the first retry; it doubles per attempt.
	RetryBackoff time.Duration
	// WriteTimeout bounds each individual write.
	WriteTimeout time.Duration
}

type bookEntry struct {
	agentID string
	at      time.Time
	// failed is set when the inline attempt already failed.
	failed bool
}

// Bookkeeper applies assignment bookkeeping to the agent store.
type Bookkeeper struct {
	writer BookkeepingWriter
	cfg    BookkeeperConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan bookEntry
	wg     sync.WaitGroup

	written  atomic.Int64
	failures atomic.Int64
}

// NewBookkeeper creates a Bookkeeper and starts its worker goroutine.
// Call Close to drain it.
func NewBookkeeper(writer BookkeepingWriter, cfg BookkeeperConfig, logger *slog.Logger) *Bookkeeper {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	b := &Bookkeeper{
		writer: writer,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan bookEntry, cfg.QueueSize),
	}

	b.wg.Add(1)
	go b.run()
	return b
}

// Record applies bookkeeping for one assignment. It never returns an error:
// a failed write is logged as ErrBookkeepingWriteFailed and counted.
// In sync mode Record returns after a single attempt; retries happen on the
// worker so a slow store cannot hold up the caller.
func (b *Bookkeeper) Record(ctx context.Context, agentID string, at time.Time) {
	e := bookEntry{agentID: agentID, at: at}

	if b.cfg.Async {
		if b.enqueue(e) {
			return
		}
		b.logger.Warn("bookkeeping queue unavailable, writing inline", "agent_id", agentID)
	}

	// Inline writes outlive a cancelled request: the assignment already happened.
	err := b.attempt(context.WithoutCancel(ctx), e)
	if err == nil {
		b.written.Add(1)
		return
	}
	if b.cfg.MaxRetries == 0 || errors.Is(err, store.ErrNotFound) {
		b.fail(e, err)
		return
	}

	e.failed = true
	if !b.enqueue(e) {
		b.fail(e, err)
	}
}

// Written returns the number of successful writes.
func (b *Bookkeeper) Written() int64 {
	return b.written.Load()
}

// Failures returns the number of writes abandoned after retries.
func (b *Bookkeeper) Failures() int64 {
	return b.failures.Load()
}

// Close stops accepting work and waits for queued writes and retries.
// Safe to call twice.
func (b *Bookkeeper) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bookkeeper) enqueue(e bookEntry) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- e:
		return true
	default:
		return false
	}
}

func (b *Bookkeeper) run() {
	defer b.wg.Done()
	for e := range b.queue {
		ctx := context.Background()
		var err error
		if e.failed {
			// The inline attempt counts as the first; wait out the first
			// interval and continue the schedule from the second.
			time.Sleep(b.cfg.RetryBackoff)
			err = b.persist(ctx, e, 2*b.cfg.RetryBackoff, b.cfg.MaxRetries-1)
		} else {
			err = b.persist(ctx, e, b.cfg.RetryBackoff, b.cfg.MaxRetries)
		}
		if err != nil {
			b.fail(e, err)
			continue
		}
		b.written.Add(1)
	}
}

// persist writes e with up to retries retries, starting the exponential
// schedule at initial.
func (b *Bookkeeper) persist(ctx context.Context, e bookEntry, initial time.Duration, retries int) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
	return backoff.RetryNotify(func() error {
		err := b.attempt(ctx, e)
		if errors.Is(err, store.ErrNotFound) {
			// Agent row is gone; retrying cannot succeed.
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		b.logger.Debug("retrying bookkeeping write", "agent_id", e.agentID, "wait", wait, "error", err)
	})
}

func (b *Bookkeeper) attempt(ctx context.Context, e bookEntry) error {
	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()
	return b.writer.RecordAssignment(writeCtx, e.agentID, e.at)
}

func (b *Bookkeeper) fail(e bookEntry, err error) {
	b.failures.Add(1)
	b.logger.Warn("assignment bookkeeping not persisted",
		"agent_id", e.agentID,
		"assigned_at", e.at,
		"error", fmt.Errorf("%w: %w", ErrBookkeepingWriteFailed, err),
	)
}
