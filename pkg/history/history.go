// Package history is the persistence boundary: reading the reconstructed
// message sequence for a session, syncing it against the authoritative
// event log, and recording deletion markers. A SQLite-backed local mirror
// implements the boundary for offline reads; a remote provider (the RPC
// client) feeds it during sync.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/stitchcli/stitch/pkg/tokens"
	"github.com/stitchcli/stitch/pkg/transcript"
)

var (
	ErrEmptyID  = errors.New("session ID cannot be empty")
	ErrNotFound = errors.New("session not found")
)

// ReconstructedState is everything the engine needs to rebuild a
// transcript for a session: the ordered message sequence (complete for
// all finalized turns), the authoritative token totals, and the input
// size of the last completed turn.
type ReconstructedState struct {
	SessionID           string
	Messages            []*transcript.Message
	CurrentTurn         int
	Totals              tokens.Totals
	LastTurnInputTokens int64
}

// Summary is lightweight session metadata for listing.
type Summary struct {
	ID           string
	Title        string
	CreatedAt    time.Time
	MessageCount int
}

// Provider is the read-side persistence collaborator as the engine sees
// it.
type Provider interface {
	// GetReconstructedState returns the current reconstruction for a
	// session. A session with no messages yields an empty state, not an
	// error.
	GetReconstructedState(ctx context.Context, sessionID string) (*ReconstructedState, error)

	// SyncSessionEvents brings the reconstruction up to date with the
	// authoritative log. Idempotent and safe to call repeatedly.
	SyncSessionEvents(ctx context.Context, sessionID string) error

	// MarkMessageDeleted records a deletion marker. The message is
	// filtered out on the next reconstruction, not physically removed.
	MarkMessageDeleted(ctx context.Context, sessionID, messageID string) error
}

// Store extends Provider with the write-through operations the engine
// uses to mirror finalized content locally.
type Store interface {
	Provider

	// AddMessage appends a message at the next position.
	AddMessage(ctx context.Context, sessionID string, msg *transcript.Message) error

	// UpdateMessage rewrites an existing message, keyed by its ID. Used
	// to finalize streaming messages and settle tool results.
	UpdateMessage(ctx context.Context, sessionID string, msg *transcript.Message) error

	// UpdateSessionTokens persists the accumulated totals and the last
	// turn's input size.
	UpdateSessionTokens(ctx context.Context, sessionID string, totals tokens.Totals, lastTurnInputTokens int64) error

	// GetSessionSummaries lists known sessions, newest first.
	GetSessionSummaries(ctx context.Context) ([]Summary, error)

	Close() error
}

// Remote feeds a local mirror during sync. Implemented by the RPC client.
type Remote interface {
	FetchReconstructedState(ctx context.Context, sessionID string) (*ReconstructedState, error)
}
