package queue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushReleasesInEnqueueOrder(t *testing.T) {
	t.Parallel()
	var released []Update
	q := New(func(u Update) { released = append(released, u) })

	q.Enqueue(Update{Kind: TurnBoundary})
	q.Enqueue(Update{Kind: ToolStart, CallID: "t1"})
	q.Enqueue(Update{Kind: ToolEnd, CallID: "t1"})
	q.Flush()

	require.Len(t, released, 3)
	assert.Equal(t, TurnBoundary, released[0].Kind)
	assert.Equal(t, ToolStart, released[1].Kind)
	assert.Equal(t, ToolEnd, released[2].Kind)
	for i := 1; i < len(released); i++ {
		assert.Greater(t, released[i].Seq, released[i-1].Seq)
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	t.Parallel()
	calls := 0
	q := New(func(Update) { calls++ })
	q.Flush()
	assert.Zero(t, calls)
}

func TestFlushClearsQueue(t *testing.T) {
	t.Parallel()
	var released []Update
	q := New(func(u Update) { released = append(released, u) })

	q.Enqueue(Update{Kind: ToolStart, CallID: "t1"})
	q.Flush()
	q.Flush()
	assert.Len(t, released, 1)

	// Sequence numbers keep increasing across flushes.
	q.Enqueue(Update{Kind: ToolEnd, CallID: "t1"})
	q.Flush()
	require.Len(t, released, 2)
	assert.Greater(t, released[1].Seq, released[0].Seq)
}

func TestResetDiscards(t *testing.T) {
	t.Parallel()
	calls := 0
	q := New(func(Update) { calls++ })

	q.Enqueue(Update{Kind: ToolStart, CallID: "t1"})
	q.Enqueue(Update{Kind: ToolEnd, CallID: "t1"})
	assert.Equal(t, 2, q.Len())

	q.Reset()
	q.Flush()
	assert.Zero(t, calls)
	assert.Zero(t, q.Len())
}

// Start-before-end is an invariant the producers maintain by enqueueing in
// causal order; the queue must preserve it across arbitrary interleavings
// of multiple calls and flush points.
func TestStartBeforeEndAcrossInterleavedCalls(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		var released []Update
		q := New(func(u Update) { released = append(released, u) })

		calls := []string{"a", "b", "c", "d"}
		started := map[string]bool{}
		ended := map[string]bool{}

		// Producers always enqueue start(C) before end(C), but the calls
		// interleave randomly and flushes happen at random points.
		for len(ended) < len(calls) {
			c := calls[rng.Intn(len(calls))]
			switch {
			case !started[c]:
				q.Enqueue(Update{Kind: ToolStart, CallID: c})
				started[c] = true
			case !ended[c]:
				q.Enqueue(Update{Kind: ToolEnd, CallID: c})
				ended[c] = true
			}
			if rng.Intn(3) == 0 {
				q.Flush()
			}
		}
		q.Flush()

		seenStart := map[string]bool{}
		for _, u := range released {
			switch u.Kind {
			case ToolStart:
				seenStart[u.CallID] = true
			case ToolEnd:
				require.True(t, seenStart[u.CallID],
					"tool_end(%s) released before tool_start", u.CallID)
			}
		}
		assert.Len(t, released, len(calls)*2)
	}
}
