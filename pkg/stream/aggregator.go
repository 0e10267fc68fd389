// Package stream owns the lifecycle of the single currently-streaming
// assistant message: creation on first delta, batched appends, a character
// budget acting as a backpressure valve, and in-place finalization.
package stream

import (
	"log/slog"
	"strings"

	"github.com/stitchcli/stitch/pkg/transcript"
)

const (
	// DefaultBudget caps the characters accepted for one streaming
	// message. Past it deltas are dropped, never buffered.
	DefaultBudget = 256 * 1024

	// defaultBatchSize is how many pending bytes accumulate before they
	// are applied to the live message. Batching only changes delivery
	// cadence, never final content.
	defaultBatchSize = 256
)

// Aggregator accumulates streaming text into one live message. All methods
// must be called from the engine's owner goroutine.
type Aggregator struct {
	observer transcript.Observer

	budget    int
	batchSize int

	live      *transcript.Message
	applied   strings.Builder
	pending   strings.Builder
	accepted  int
	exhausted bool
	dropped   int
}

type Opt func(*Aggregator)

func WithBudget(chars int) Opt {
	return func(a *Aggregator) {
		a.budget = chars
	}
}

func WithBatchSize(bytes int) Opt {
	return func(a *Aggregator) {
		a.batchSize = bytes
	}
}

// New creates an aggregator publishing message mutations to observer.
func New(observer transcript.Observer, opts ...Opt) *Aggregator {
	a := &Aggregator{
		observer:  observer,
		budget:    DefaultBudget,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Active reports whether a live streaming message exists.
func (a *Aggregator) Active() bool {
	return a.live != nil
}

// LiveID returns the identifier of the live message, or "" when none.
func (a *Aggregator) LiveID() string {
	if a.live == nil {
		return ""
	}
	return a.live.ID
}

// AppendDelta adds one text fragment to the live message, synthesizing the
// message on first use. It returns false and drops the delta once the
// character budget is exhausted; the rejection is sticky until Finalize or
// Reset. Dropped content is logged so the data loss is observable.
func (a *Aggregator) AppendDelta(text string) bool {
	if text == "" {
		return !a.exhausted
	}
	if a.exhausted || a.accepted+len(text) > a.budget {
		if !a.exhausted {
			a.exhausted = true
			slog.Warn("Streaming budget exhausted, dropping further deltas",
				"message_id", a.LiveID(),
				"accepted_chars", a.accepted,
				"budget", a.budget)
		}
		a.dropped += len(text)
		return false
	}

	if a.live == nil {
		a.live = &transcript.Message{
			ID:   transcript.NewID(),
			Role: transcript.RoleAssistant,
			Kind: transcript.KindStreaming,
		}
		a.observer.MessageAdded(a.live)
	}

	a.accepted += len(text)
	a.pending.WriteString(text)
	if a.pending.Len() >= a.batchSize {
		a.apply()
	}
	return true
}

// FlushPending applies any batched-but-not-yet-emitted text immediately.
func (a *Aggregator) FlushPending() {
	if a.pending.Len() > 0 {
		a.apply()
	}
}

func (a *Aggregator) apply() {
	if a.live == nil {
		a.pending.Reset()
		return
	}
	a.applied.WriteString(a.pending.String())
	a.pending.Reset()
	a.live.Content = a.applied.String()
	a.live.Touch()
	a.observer.MessageUpdated(a.live)
}

// Finalize applies pending text and transitions the live message from
// streaming to final text in place, keeping its identifier. An empty
// result deletes the synthesized message instead: no empty bubbles.
// Finalizing with no active stream is a no-op returning "".
func (a *Aggregator) Finalize() string {
	if a.live == nil {
		return ""
	}
	a.FlushPending()

	msg := a.live
	final := a.applied.String()
	a.clear()

	if final == "" {
		a.observer.MessageRemoved(msg.ID)
		return ""
	}

	msg.Kind = transcript.KindText
	msg.Content = final
	msg.Touch()
	a.observer.MessageUpdated(msg)
	return final
}

// CatchUpToInProgress seeds the live state directly from a reconciliation
// snapshot so that further live deltas append to the right message. Used
// only during session resume; the seeded text counts against the budget.
func (a *Aggregator) CatchUpToInProgress(existingText string, msg *transcript.Message) {
	a.clear()
	a.live = msg
	a.applied.WriteString(existingText)
	a.accepted = len(existingText)
	a.exhausted = a.accepted >= a.budget
}

// Reset discards all live state without finalizing. Used on agent error.
func (a *Aggregator) Reset() {
	if a.live != nil {
		slog.Debug("Resetting streaming aggregator", "message_id", a.live.ID)
	}
	a.clear()
}

// DroppedChars returns how many characters backpressure discarded since
// the last finalize/reset.
func (a *Aggregator) DroppedChars() int {
	return a.dropped
}

func (a *Aggregator) clear() {
	a.live = nil
	a.applied.Reset()
	a.pending.Reset()
	a.accepted = 0
	a.exhausted = false
	a.dropped = 0
}
