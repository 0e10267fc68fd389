// Package tokens tracks two quantities that must never be conflated: the
// accumulated billing totals for a session (monotone sums from turn_end
// events) and the estimated size of the current context window (what the
// next turn would send), which is refreshed from the server.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stitchcli/stitch/pkg/events"
)

const (
	// DefaultRetries bounds how many times Refresh queries the server.
	DefaultRetries = 3
	// DefaultBackoff is the initial retry delay; it doubles per attempt.
	DefaultBackoff = 100 * time.Millisecond
)

// Totals are the accumulated billing counters for a session. All fields
// are monotonically non-decreasing.
type Totals struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	Cost                float64
}

// ContextQuerier fetches the current context window estimate from the
// server.
type ContextQuerier interface {
	ContextSize(ctx context.Context, sessionID string) (int64, error)
}

// Accountant owns both counters for one session. Methods must be called
// from the engine goroutine; Refresh blocks and is meant to be run in a
// background task that publishes its result back to the owner.
type Accountant struct {
	sessionID string
	querier   ContextQuerier

	retries int
	backoff time.Duration

	totals Totals

	contextTokens int64
	hasContext    bool
}

type Opt func(*Accountant)

func WithRetries(n int) Opt {
	return func(a *Accountant) {
		a.retries = n
	}
}

func WithBackoff(d time.Duration) Opt {
	return func(a *Accountant) {
		a.backoff = d
	}
}

// New creates an accountant for one session.
func New(sessionID string, querier ContextQuerier, opts ...Opt) *Accountant {
	a := &Accountant{
		sessionID: sessionID,
		querier:   querier,
		retries:   DefaultRetries,
		backoff:   DefaultBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Seed replaces the billing totals with the authoritative values from
// persisted history. Never seeded from a live snapshot: the snapshot's
// current-size estimate measures a different quantity.
func (a *Accountant) Seed(totals Totals, lastTurnInputTokens int64) {
	a.totals = totals
	if lastTurnInputTokens > 0 {
		a.contextTokens = lastTurnInputTokens
		a.hasContext = true
	}
}

// ApplyTurnEnd accumulates one turn's authoritative usage.
func (a *Accountant) ApplyTurnEnd(usage *events.TokenUsage, cost float64) {
	if usage != nil {
		a.totals.InputTokens += usage.InputTokens
		a.totals.OutputTokens += usage.OutputTokens
		a.totals.CacheReadTokens += usage.CacheReadTokens
		a.totals.CacheCreationTokens += usage.CacheCreationTokens
	}
	a.totals.Cost += cost
}

// Totals returns the accumulated billing counters.
func (a *Accountant) Totals() Totals {
	return a.totals
}

// ContextTokens returns the last known context window estimate. ok is
// false when no estimate was ever obtained.
func (a *Accountant) ContextTokens() (size int64, ok bool) {
	return a.contextTokens, a.hasContext
}

// SetContextTokens applies a refreshed estimate. Exposed so the engine
// can publish a background Refresh result onto the owner goroutine.
func (a *Accountant) SetContextTokens(size int64) {
	a.contextTokens = size
	a.hasContext = true
}

// Refresh queries the server for the current context size, retrying with
// exponential backoff. On exhaustion the last known-good value is
// preserved: a transient network failure must never blank the display.
func (a *Accountant) Refresh(ctx context.Context) (int64, error) {
	if a.querier == nil {
		return 0, errors.New("no context size source configured")
	}
	var lastErr error
	delay := a.backoff
	for attempt := 1; attempt <= a.retries; attempt++ {
		size, err := a.querier.ContextSize(ctx, a.sessionID)
		if err == nil {
			return size, nil
		}
		lastErr = err
		slog.Debug("Context size query failed",
			"session_id", a.sessionID,
			"attempt", attempt,
			"error", err)
		if attempt == a.retries {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return 0, fmt.Errorf("refreshing context size after %d attempts: %w", a.retries, lastErr)
}
