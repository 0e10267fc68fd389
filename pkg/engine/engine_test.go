package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchcli/stitch/pkg/events"
	"github.com/stitchcli/stitch/pkg/history"
	"github.com/stitchcli/stitch/pkg/lifecycle"
	"github.com/stitchcli/stitch/pkg/queue"
	"github.com/stitchcli/stitch/pkg/reconcile"
	"github.com/stitchcli/stitch/pkg/transcript"
)

type fakeSnapshots struct {
	snap *reconcile.InFlightSnapshot
	err  error
}

func (f *fakeSnapshots) InFlightSnapshot(context.Context, string) (*reconcile.InFlightSnapshot, error) {
	return f.snap, f.err
}

type fakeQuerier struct{ size int64 }

func (f *fakeQuerier) ContextSize(context.Context, string) (int64, error) {
	return f.size, nil
}

func newTestEngine(t *testing.T, snap *reconcile.InFlightSnapshot, opts ...Opt) (*Engine, history.Store) {
	t.Helper()
	store := history.NewInMemoryStore(nil)
	frames := make(chan events.Frame)
	e := New("sess-1", store, &fakeSnapshots{snap: snap}, &fakeQuerier{size: 1200}, frames, opts...)
	require.NoError(t, e.Attach(context.Background()))
	return e, store
}

func TestAttachEmptySessionIsIdle(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)

	assert.Equal(t, lifecycle.Idle, e.Phase())
	assert.Empty(t, e.Messages())
}

func TestAttachWithInFlightSnapshot(t *testing.T) {
	t.Parallel()

	snap := reconcile.NewSnapshot(2, "Looking into it", []*transcript.ToolCallRecord{
		{ID: "t1", Name: "search", Status: transcript.ToolStatusRunning},
	})
	e, _ := newTestEngine(t, snap)

	assert.Equal(t, lifecycle.Processing, e.Phase())
	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, transcript.KindText, msgs[0].Kind)
	assert.Equal(t, "Looking into it", msgs[0].Content)
	assert.Equal(t, transcript.KindToolCall, msgs[1].Kind)
	assert.True(t, msgs[1].Immediate)
}

func TestAttachSurvivesSnapshotFailure(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore(nil)
	require.NoError(t, store.AddMessage(context.Background(), "sess-1", &transcript.Message{
		ID: transcript.NewID(), Role: transcript.RoleUser, Kind: transcript.KindText, Content: "hi",
	}))
	e := New("sess-1", store, &fakeSnapshots{err: context.DeadlineExceeded}, nil, make(chan events.Frame))

	require.NoError(t, e.Attach(context.Background()))
	assert.Equal(t, lifecycle.Idle, e.Phase())
	require.Len(t, e.Messages(), 1)
}

func TestSeededStreamContinuesSameMessage(t *testing.T) {
	t.Parallel()

	snap := &reconcile.InFlightSnapshot{Turn: 1, Sequence: []reconcile.Segment{
		{Text: "partial answ"},
	}}
	e, _ := newTestEngine(t, snap)

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	seededID := msgs[0].ID
	assert.Equal(t, transcript.KindStreaming, msgs[0].Kind)

	e.handleUpdate(events.TextDelta{Delta: "er is 42"})
	e.agg.FlushPending()

	msgs = e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, seededID, msgs[0].ID)
	assert.Equal(t, "partial answer is 42", msgs[0].Content)
}

func TestLiveTurnHappyPath(t *testing.T) {
	t.Parallel()

	var released []queue.Update
	e, _ := newTestEngine(t, nil, WithConsumer(func(u queue.Update) {
		released = append(released, u)
	}))

	e.handleUpdate(events.TurnStart{Turn: 1})
	assert.Equal(t, lifecycle.Processing, e.Phase())

	e.handleUpdate(events.TextDelta{Delta: "Let me check."})
	e.handleUpdate(events.ToolStart{CallID: "t1", Name: "read_file", Arguments: `{"path":"a.go"}`})
	e.handleUpdate(events.ToolEnd{CallID: "t1", Name: "read_file", Result: "package a", Duration: 30 * time.Millisecond})
	e.handleUpdate(events.TextDelta{Delta: "Done."})
	e.handleUpdate(events.TurnEnd{
		Turn:     1,
		Usage:    &events.TokenUsage{InputTokens: 100, OutputTokens: 20},
		Cost:     0.01,
		Duration: 2 * time.Second,
		Model:    "m-1",
	})

	msgs := e.Messages()
	require.Len(t, msgs, 3)

	assert.Equal(t, transcript.KindText, msgs[0].Kind)
	assert.Equal(t, "Let me check.", msgs[0].Content)
	require.NotNil(t, msgs[0].Meta, "metadata lands on the turn's first text")
	assert.Equal(t, int64(100), msgs[0].Meta.InputTokens)
	assert.Equal(t, "m-1", msgs[0].Meta.Model)

	assert.Equal(t, transcript.KindToolResult, msgs[1].Kind)
	assert.Equal(t, transcript.ToolStatusSuccess, msgs[1].ToolCall.Status)
	assert.Equal(t, "package a", msgs[1].ToolCall.Result)

	assert.Equal(t, transcript.KindText, msgs[2].Kind)
	assert.Equal(t, "Done.", msgs[2].Content)
	assert.Nil(t, msgs[2].Meta)

	assert.Equal(t, lifecycle.Finalizing, e.Phase())
	e.handleUpdate(events.AgentReady{})
	assert.Equal(t, lifecycle.Idle, e.Phase())

	totals := e.Totals()
	assert.Equal(t, int64(100), totals.InputTokens)
	assert.InDelta(t, 0.01, totals.Cost, 1e-9)

	e.q.Flush()
	require.NotEmpty(t, released)
	assert.Equal(t, queue.TurnBoundary, released[0].Kind)
}

func TestDuplicateToolStartAfterCatchUpSkipped(t *testing.T) {
	t.Parallel()

	snap := reconcile.NewSnapshot(1, "", []*transcript.ToolCallRecord{
		{ID: "t1", Name: "search", Status: transcript.ToolStatusRunning},
	})
	e, _ := newTestEngine(t, snap)
	require.Len(t, e.Messages(), 1)

	// The live stream replays the start the snapshot already delivered.
	e.handleUpdate(events.ToolStart{CallID: "t1", Name: "search"})
	require.Len(t, e.Messages(), 1)

	e.handleUpdate(events.ToolEnd{CallID: "t1", Name: "search", Result: "found"})
	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, transcript.KindToolResult, msgs[0].Kind)
	assert.Equal(t, "found", msgs[0].ToolCall.Result)
}

func TestToolEndWithoutStartMaterializesResult(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)
	e.handleUpdate(events.TurnStart{Turn: 1})
	e.handleUpdate(events.ToolEnd{CallID: "ghost", Name: "fetch", IsError: true, Result: "timeout"})

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, transcript.KindToolResult, msgs[0].Kind)
	assert.Equal(t, transcript.ToolStatusError, msgs[0].ToolCall.Status)
}

func TestAgentErrorResets(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)
	e.handleUpdate(events.TurnStart{Turn: 1})
	e.handleUpdate(events.TextDelta{Delta: "half an ans"})
	e.handleUpdate(events.AgentError{Message: "model overloaded"})

	assert.Equal(t, lifecycle.Idle, e.Phase())
	assert.Zero(t, e.q.Len())

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	// Streamed text survives the failure; a notice follows it.
	assert.Equal(t, transcript.KindText, msgs[0].Kind)
	assert.Equal(t, "half an ans", msgs[0].Content)
	assert.Equal(t, transcript.KindNotice, msgs[1].Kind)
	assert.Equal(t, "model overloaded", msgs[1].Content)
}

func TestResponseCompleteWithToolCallsStaysProcessing(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)
	e.handleUpdate(events.TurnStart{Turn: 1})
	e.handleUpdate(events.ResponseComplete{Turn: 1, HasToolCalls: true})
	assert.Equal(t, lifecycle.Processing, e.Phase())

	e.handleUpdate(events.ResponseComplete{Turn: 1})
	assert.Equal(t, lifecycle.Finalizing, e.Phase())
}

type growingRemote struct {
	state *history.ReconstructedState
}

func (r *growingRemote) FetchReconstructedState(context.Context, string) (*history.ReconstructedState, error) {
	return r.state, nil
}

func TestResyncReMergeDropsFinalizedCatchUp(t *testing.T) {
	t.Parallel()

	remote := &growingRemote{state: &history.ReconstructedState{
		SessionID: "sess-1",
		Messages: []*transcript.Message{{
			ID:   transcript.NewID(),
			Role: transcript.RoleAssistant,
			Kind: transcript.KindToolResult,
			ToolCall: &transcript.ToolCallRecord{
				ID: "t1", Name: "search", Status: transcript.ToolStatusSuccess, Result: "done",
			},
		}},
	}}
	store := history.NewInMemoryStore(remote)

	snap := reconcile.NewSnapshot(1, "", []*transcript.ToolCallRecord{
		{ID: "t1", Name: "search", Status: transcript.ToolStatusRunning},
		{ID: "t2", Name: "grep", Status: transcript.ToolStatusRunning},
	})
	e := New("sess-1", store, &fakeSnapshots{snap: snap}, nil, make(chan events.Frame))
	require.NoError(t, e.Attach(context.Background()))
	require.Len(t, e.Messages(), 2)

	e.resync(context.Background(), e.resyncGen)

	select {
	case fn := <-e.apply:
		fn()
	case <-time.After(time.Second):
		t.Fatal("resync never published a result")
	}

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, transcript.KindToolResult, msgs[0].Kind)
	assert.Equal(t, "t1", msgs[0].ToolCall.ID)
	assert.Equal(t, transcript.KindToolCall, msgs[1].Kind)
	assert.Equal(t, "t2", msgs[1].ToolCall.ID)
}

func applyOne(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case fn := <-e.apply:
		fn()
	case <-time.After(time.Second):
		t.Fatal("resync never published a result")
	}
}

func TestResyncPreservesLiveStreamedText(t *testing.T) {
	t.Parallel()

	remote := &growingRemote{state: &history.ReconstructedState{
		SessionID: "sess-1",
		Messages: []*transcript.Message{{
			ID: transcript.NewID(), Role: transcript.RoleUser, Kind: transcript.KindText, Content: "question",
		}},
	}}
	store := history.NewInMemoryStore(remote)

	snap := &reconcile.InFlightSnapshot{Turn: 1, Sequence: []reconcile.Segment{
		{Text: "partial"},
	}}
	e := New("sess-1", store, &fakeSnapshots{snap: snap}, nil, make(chan events.Frame))
	require.NoError(t, e.Attach(context.Background()))

	// Deltas accepted after attach, before the background resync lands.
	e.handleUpdate(events.TextDelta{Delta: " answer continues"})
	e.agg.FlushPending()

	e.resync(context.Background(), e.resyncGen)
	applyOne(t, e)

	e.handleUpdate(events.TextDelta{Delta: "!"})
	e.agg.FlushPending()

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Content)
	assert.Equal(t, "partial answer continues!", msgs[1].Content,
		"re-merge must not roll the stream back to the attach-time text")
	assert.Equal(t, "partial answer continues!", e.agg.Finalize())
}

func TestResyncCarriesToolStartedAfterAttach(t *testing.T) {
	t.Parallel()

	remote := &growingRemote{state: &history.ReconstructedState{
		SessionID: "sess-1",
		Messages: []*transcript.Message{
			{ID: transcript.NewID(), Role: transcript.RoleUser, Kind: transcript.KindText, Content: "question"},
			{ID: transcript.NewID(), Role: transcript.RoleAssistant, Kind: transcript.KindText, Content: "on it"},
		},
	}}
	store := history.NewInMemoryStore(remote)
	e := New("sess-1", store, nil, nil, make(chan events.Frame))
	require.NoError(t, e.Attach(context.Background()))

	// A call neither the snapshot nor the synced history knows about.
	e.handleUpdate(events.TurnStart{Turn: 1})
	e.handleUpdate(events.ToolStart{CallID: "t9", Name: "fetch"})
	require.Len(t, e.Messages(), 1)

	e.resync(context.Background(), e.resyncGen)
	applyOne(t, e)

	msgs := e.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, transcript.KindToolCall, msgs[2].Kind)
	assert.Equal(t, "t9", msgs[2].ToolCall.ID)

	// The end updates the carried message in place, no re-materialization.
	e.handleUpdate(events.ToolEnd{CallID: "t9", Name: "fetch", Result: "200 OK"})
	msgs = e.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, transcript.KindToolResult, msgs[2].Kind)
	assert.Equal(t, "200 OK", msgs[2].ToolCall.Result)
}

type reloadRecorder struct {
	transcript.NopObserver
	reloads [][]*transcript.Message
}

func (r *reloadRecorder) TranscriptReloaded(msgs []*transcript.Message) {
	r.reloads = append(r.reloads, msgs)
}

func TestReloadObserverNotifiedOnReconciliation(t *testing.T) {
	t.Parallel()

	remote := &growingRemote{state: &history.ReconstructedState{
		SessionID: "sess-1",
		Messages: []*transcript.Message{{
			ID: transcript.NewID(), Role: transcript.RoleUser, Kind: transcript.KindText, Content: "hello",
		}},
	}}
	store := history.NewInMemoryStore(remote)
	rec := &reloadRecorder{}
	e := New("sess-1", store, nil, nil, make(chan events.Frame), WithObserver(rec))

	require.NoError(t, e.Attach(context.Background()))
	require.Len(t, rec.reloads, 1, "attach announces the initial rebuild")
	assert.Empty(t, rec.reloads[0])

	e.resync(context.Background(), e.resyncGen)
	applyOne(t, e)

	require.Len(t, rec.reloads, 2)
	require.Len(t, rec.reloads[1], 1)
	assert.Equal(t, "hello", rec.reloads[1][0].Content)
}

func TestStaleResyncDiscarded(t *testing.T) {
	t.Parallel()

	remote := &growingRemote{state: &history.ReconstructedState{
		SessionID: "sess-1",
		Messages: []*transcript.Message{{
			ID: transcript.NewID(), Role: transcript.RoleUser, Kind: transcript.KindText, Content: "old",
		}},
	}}
	store := history.NewInMemoryStore(remote)
	e := New("sess-1", store, nil, nil, make(chan events.Frame))
	require.NoError(t, e.Attach(context.Background()))

	gen := e.resyncGen
	e.resync(context.Background(), gen)
	e.resyncGen++ // a newer rebuild superseded this resync

	select {
	case fn := <-e.apply:
		fn()
	case <-time.After(time.Second):
		t.Fatal("resync never published a result")
	}
	assert.Empty(t, e.Messages(), "stale resync must not apply")
}

func frame(t *testing.T, kind string, payload string) events.Frame {
	t.Helper()
	return events.Frame{Kind: kind, Payload: json.RawMessage(payload)}
}

func TestRunConsumesStreamUntilClosed(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore(nil)
	frames := make(chan events.Frame, 8)
	e := New("sess-1", store, nil, &fakeQuerier{size: 900}, frames,
		WithFlushInterval(5*time.Millisecond))
	require.NoError(t, e.Attach(context.Background()))

	frames <- frame(t, "turn_start", `{"type":"turn_start","turn":1}`)
	frames <- frame(t, "text_delta", `{"type":"text_delta","delta":"hello"}`)
	frames <- frame(t, "turn_end", `{"type":"turn_end","turn":1,"tokenUsage":{"inputTokens":10,"outputTokens":2},"duration":100}`)
	frames <- frame(t, "agent_ready", `{"type":"agent_ready"}`)
	close(frames)

	require.NoError(t, e.Run(context.Background()))

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, transcript.KindText, msgs[0].Kind)
	assert.Equal(t, lifecycle.Idle, e.Phase())

	_, ok := e.ContextTokens()
	assert.True(t, ok)
}

func TestFailsafeReleasesStuckFinalize(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore(nil)
	frames := make(chan events.Frame)
	e := New("sess-1", store, nil, nil, frames,
		WithFlushInterval(5*time.Millisecond),
		WithFailsafe(20*time.Millisecond))
	require.NoError(t, e.Attach(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	frames <- frame(t, "turn_start", `{"type":"turn_start","turn":1}`)
	frames <- frame(t, "turn_end", `{"type":"turn_end","turn":1,"duration":1}`)
	// No agent_ready ever arrives.

	require.Eventually(t, func() bool {
		ph := make(chan lifecycle.Phase, 1)
		e.Post(func() { ph <- e.Phase() })
		select {
		case p := <-ph:
			return p == lifecycle.Idle
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, time.Second, 10*time.Millisecond, "fail-safe should release the turn")

	cancel()
	require.NoError(t, <-done)
}
