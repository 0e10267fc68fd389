// Package queue buffers tool and turn-boundary notifications so their
// presentation can be released on scheduling ticks instead of per event.
// The queue provides ordering stability only: items come out in exactly
// the order they were enqueued. Producers are responsible for enqueueing
// in logically valid order relative to the messages they already mutated.
package queue

import "log/slog"

// Kind discriminates the queued update variants.
type Kind int

const (
	TurnBoundary Kind = iota
	ToolStart
	ToolEnd
)

func (k Kind) String() string {
	switch k {
	case TurnBoundary:
		return "turn_boundary"
	case ToolStart:
		return "tool_start"
	case ToolEnd:
		return "tool_end"
	default:
		return "unknown"
	}
}

// Update is one queued unit, tagged with a queue-assigned sequence number.
type Update struct {
	Kind      Kind
	MessageID string
	CallID    string

	// Seq is assigned at enqueue time and is strictly increasing within
	// one queue lifetime.
	Seq uint64
}

// Consumer receives released updates, in enqueue order.
type Consumer func(Update)

// Queue is a FIFO release buffer. It is owned by the engine goroutine and
// is not safe for concurrent use.
type Queue struct {
	consumer Consumer
	pending  []Update
	nextSeq  uint64
}

// New creates a queue releasing to the given consumer.
func New(consumer Consumer) *Queue {
	return &Queue{consumer: consumer}
}

// Enqueue appends an update and stamps it with the next sequence number.
func (q *Queue) Enqueue(u Update) {
	u.Seq = q.nextSeq
	q.nextSeq++
	q.pending = append(q.pending, u)
}

// Flush releases every currently queued update to the consumer in enqueue
// order. Called once per scheduling tick so bursts of tool events land in
// one render-frame-aligned batch.
func (q *Queue) Flush() {
	if len(q.pending) == 0 {
		return
	}
	batch := q.pending
	q.pending = nil
	for _, u := range batch {
		q.consumer(u)
	}
}

// Reset discards all queued updates. Used on error/abort so a stale batch
// never animates into a reset transcript.
func (q *Queue) Reset() {
	if len(q.pending) > 0 {
		slog.Debug("Discarding queued updates", "count", len(q.pending))
	}
	q.pending = nil
}

// Len returns the number of updates waiting for the next flush.
func (q *Queue) Len() int {
	return len(q.pending)
}
