// Package sources implements the inbound message adapters. Each source
// polls its channel and normalizes what it finds into core.InboundMessage,
// keeping its own cursor in the local database so restarts never replay
// history.
package sources

import (
	"context"
	"sync"
	"time"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
)

// Source is a pollable message channel.
type Source interface {
	// Name identifies the source in logs and circuit-breaker state.
	Name() string

	// IsAvailable reports whether the source can be reached and
	// authenticated right now.
	IsAvailable(ctx context.Context) bool

	// Poll fetches messages that arrived since the last poll,
	// normalized and in arrival order.
	Poll(ctx context.Context) ([]*core.InboundMessage, error)
}

// ProcessedChecker answers whether a message has already been through
// the pipeline. Satisfied by storage.LedgerStore.
type ProcessedChecker interface {
	IsProcessed(source core.Channel, sourceMessageID string) (bool, error)
}

// withBackoff retries fn with exponential backoff. Sources use it
// around the API calls a flaky network would otherwise fail a whole
// poll cycle over.
func withBackoff(ctx context.Context, attempts int, min, max time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := min << (attempt - 1)
			if backoff > max {
				backoff = max
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// CircuitBreaker trips a source after repeated poll failures and keeps
// it out of the rotation until the cooldown passes. One success resets
// the failure count.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	failures  map[string]int
	openUntil map[string]time.Time
	logger    *logging.Logger
}

// NewCircuitBreaker creates a breaker shared by all sources.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		failures:  make(map[string]int),
		openUntil: make(map[string]time.Time),
		logger:    logging.WithField("component", "circuit_breaker"),
	}
}

// RecordFailure counts a failed poll, opening the circuit at the
// threshold.
func (b *CircuitBreaker) RecordFailure(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[source]++
	if b.failures[source] >= b.threshold {
		b.openUntil[source] = time.Now().Add(b.cooldown)
		b.logger.WithFields(map[string]interface{}{
			"source":   source,
			"cooldown": b.cooldown.String(),
		}).Warn("circuit opened")
	}
}

// RecordSuccess resets the failure count for a source.
func (b *CircuitBreaker) RecordSuccess(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[source] = 0
	delete(b.openUntil, source)
}

// IsOpen reports whether polling the source should be skipped. An
// expired cooldown closes the circuit and resets the count.
func (b *CircuitBreaker) IsOpen(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.openUntil[source]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(b.openUntil, source)
		b.failures[source] = 0
		return false
	}
	return true
}

// BreakerStatus is a snapshot of one source's circuit state.
type BreakerStatus struct {
	Failures  int        `json:"failures"`
	Open      bool       `json:"open"`
	OpenUntil *time.Time `json:"open_until,omitempty"`
}

// Status snapshots every source the breaker has seen, keyed by source
// name.
func (b *CircuitBreaker) Status() map[string]BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	out := make(map[string]BreakerStatus, len(b.failures))
	for source, failures := range b.failures {
		status := BreakerStatus{Failures: failures}
		if until, ok := b.openUntil[source]; ok && until.After(now) {
			status.Open = true
			u := until
			status.OpenUntil = &u
		}
		out[source] = status
	}
	return out
}
