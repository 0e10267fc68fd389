package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchcli/stitch/pkg/tokens"
	"github.com/stitchcli/stitch/pkg/transcript"
)

type fakeRemote struct {
	state *ReconstructedState
	err   error
	calls int
}

func (f *fakeRemote) FetchReconstructedState(context.Context, string) (*ReconstructedState, error) {
	f.calls++
	return f.state, f.err
}

func newTestStore(t *testing.T, remote Remote) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), remote)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func textMessage(id, content string) *transcript.Message {
	return &transcript.Message{
		ID:      id,
		Role:    transcript.RoleAssistant,
		Kind:    transcript.KindText,
		Content: content,
	}
}

func TestUnknownSessionReconstructsEmpty(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, nil)

	state, err := store.GetReconstructedState(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, state.Messages)
	assert.Zero(t, state.Totals.InputTokens)
}

func TestAddAndReloadMessages(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, "s1", textMessage("m1", "hello")))
	tool := &transcript.Message{
		ID:   "m2",
		Role: transcript.RoleAssistant,
		Kind: transcript.KindToolResult,
		ToolCall: &transcript.ToolCallRecord{
			ID:     "tc1",
			Name:   "read_file",
			Status: transcript.ToolStatusSuccess,
			Result: "ok",
		},
	}
	require.NoError(t, store.AddMessage(ctx, "s1", tool))

	state, err := store.GetReconstructedState(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "hello", state.Messages[0].Content)
	require.NotNil(t, state.Messages[1].ToolCall)
	assert.Equal(t, "tc1", state.Messages[1].ToolCall.ID)
	assert.Equal(t, transcript.ToolStatusSuccess, state.Messages[1].ToolCall.Status)
}

func TestUpdateMessageFinalizesStreaming(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, nil)
	ctx := context.Background()

	msg := &transcript.Message{ID: "m1", Role: transcript.RoleAssistant, Kind: transcript.KindStreaming, Content: "partial"}
	require.NoError(t, store.AddMessage(ctx, "s1", msg))

	msg.Kind = transcript.KindText
	msg.Content = "partial and final"
	require.NoError(t, store.UpdateMessage(ctx, "s1", msg))

	state, err := store.GetReconstructedState(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, transcript.KindText, state.Messages[0].Kind)
	assert.Equal(t, "partial and final", state.Messages[0].Content)
}

func TestUpdateMissingMessage(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, nil)
	err := store.UpdateMessage(context.Background(), "s1", textMessage("nope", ""))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeletedMarkerFiltersOnReconstruction(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, "s1", textMessage("m1", "keep")))
	require.NoError(t, store.AddMessage(ctx, "s1", textMessage("m2", "drop")))
	require.NoError(t, store.MarkMessageDeleted(ctx, "s1", "m2"))
	// Marking twice is fine.
	require.NoError(t, store.MarkMessageDeleted(ctx, "s1", "m2"))

	state, err := store.GetReconstructedState(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "m1", state.Messages[0].ID)
}

func TestSessionTokensRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, nil)
	ctx := context.Background()

	totals := tokens.Totals{InputTokens: 1200, OutputTokens: 300, CacheReadTokens: 900, Cost: 0.42}
	require.NoError(t, store.UpdateSessionTokens(ctx, "s1", totals, 4500))

	state, err := store.GetReconstructedState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, totals, state.Totals)
	assert.Equal(t, int64(4500), state.LastTurnInputTokens)
}

func TestSyncReplacesMirrorWhenLogGrew(t *testing.T) {
	t.Parallel()
	remote := &fakeRemote{state: &ReconstructedState{
		SessionID: "s1",
		Messages: []*transcript.Message{
			textMessage("m1", "hello"),
			textMessage("m2", "world"),
			textMessage("m3", "more"),
		},
		CurrentTurn:         2,
		Totals:              tokens.Totals{InputTokens: 5000},
		LastTurnInputTokens: 2500,
	}}
	store := newTestStore(t, remote)
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, "s1", textMessage("m1", "hello")))
	require.NoError(t, store.SyncSessionEvents(ctx, "s1"))

	state, err := store.GetReconstructedState(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 3)
	assert.Equal(t, 2, state.CurrentTurn)
	assert.Equal(t, int64(5000), state.Totals.InputTokens)

	// Idempotent: a second sync with an unchanged log is a no-op.
	require.NoError(t, store.SyncSessionEvents(ctx, "s1"))
	state, err = store.GetReconstructedState(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, state.Messages, 3)
	assert.Equal(t, 2, remote.calls)
}

func TestSyncWithoutRemoteIsNoop(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, nil)
	assert.NoError(t, store.SyncSessionEvents(context.Background(), "s1"))
}

func TestSessionSummaries(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, "s1", textMessage("m1", "a")))
	require.NoError(t, store.AddMessage(ctx, "s1", textMessage("m2", "b")))
	require.NoError(t, store.AddMessage(ctx, "s2", textMessage("m1", "c")))

	summaries, err := store.GetSessionSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	byID := map[string]int{}
	for _, s := range summaries {
		byID[s.ID] = s.MessageCount
	}
	assert.Equal(t, 2, byID["s1"])
	assert.Equal(t, 1, byID["s2"])
}

func TestInMemoryStoreMatchesSQLiteBehavior(t *testing.T) {
	t.Parallel()
	store := NewInMemoryStore(nil)
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, "s1", textMessage("m1", "hello")))
	require.NoError(t, store.MarkMessageDeleted(ctx, "s1", "m1"))

	state, err := store.GetReconstructedState(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, state.Messages)

	state, err = store.GetReconstructedState(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, state.Messages)
}
