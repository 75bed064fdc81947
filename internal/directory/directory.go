// ABOUTME: Agent directory snapshot: reads eligible agents and orders them for rotation
// ABOUTME: Every refresh hits the agent store; a circuit breaker fails fast while the store is down

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/2389/leadrouter/internal/rotation"
	"github.com/2389/leadrouter/internal/store"
	"github.com/2389/leadrouter/internal/tracing"
)

// ErrDirectoryUnavailable indicates the eligible-agent list could not be read.
var ErrDirectoryUnavailable = errors.New("agent directory unavailable")

// Default settings.
const (
	DefaultTimeout         = 3 * time.Second
	defaultMaxFailures     = 5
	defaultBreakerOpen     = 30 * time.Second
	defaultBreakerInterval = 60 * time.Second
)

// AgentSource is the narrow view of the agent store the directory needs.
type AgentSource interface {
	ListEligibleAgents(ctx context.Context) ([]*store.Agent, error)
}

// BreakerConfig configures the circuit breaker around the agent store.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration
	// Interval clears failure counts while closed.
	Interval time.Duration
}

// Config configures a Directory.
type Config struct {
	Timeout time.Duration
	Breaker BreakerConfig
}

// Directory builds rotation snapshots from the agent store.
type Directory struct {
	source  AgentSource
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[[]*store.Agent]
	logger  *slog.Logger
}

// New creates a Directory. Zero config values fall back to defaults.
func New(source AgentSource, cfg Config, logger *slog.Logger) *Directory {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := cfg.Breaker.OpenTimeout
	if openTimeout == 0 {
		openTimeout = defaultBreakerOpen
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]*store.Agent](gobreaker.Settings{
		Name:        "agent-directory",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Directory{
		source:  source,
		timeout: timeout,
		breaker: cb,
		logger:  logger,
	}
}

// Refresh reads the current eligible agents and returns them as a snapshot.
// Any store failure, including the refresh timeout, is wrapped in ErrDirectoryUnavailable.
func (d *Directory) Refresh(ctx context.Context) (rotation.Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "directory.refresh")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	agents, err := d.breaker.Execute(func() ([]*store.Agent, error) {
		return d.source.ListEligibleAgents(ctx)
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
		tracing.RecordError(span, err)
		d.logger.Warn("directory refresh failed", "error", err)
		return rotation.Snapshot{}, err
	}

	members := make([]rotation.Member, 0, len(agents))
	for _, a := range agents {
		if !a.Eligible() {
			continue
		}
		members = append(members, rotation.Member{
			ID:              a.ID,
			DisplayName:     a.DisplayName,
			AssignmentCount: a.AssignmentCount,
			LastAssignedAt:  a.LastAssignedAt,
		})
	}

	snap := rotation.NewSnapshot(members)
	span.SetAttributes(tracing.IntAttr("directory.size", snap.Len()))
	tracing.SetOK(span)
	return snap, nil
}

// State reports the circuit breaker state for health checks.
func (d *Directory) State() gobreaker.State {
	return d.breaker.State()
}
