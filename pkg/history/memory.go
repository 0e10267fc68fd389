package history

import (
	"context"
	"sync"
	"time"

	"github.com/stitchcli/stitch/pkg/concurrent"
	"github.com/stitchcli/stitch/pkg/tokens"
	"github.com/stitchcli/stitch/pkg/transcript"
)

// InMemoryStore implements Store without persistence. Used in tests and
// for ephemeral sessions.
type InMemoryStore struct {
	sessions *concurrent.Map[string, *memSession]
	remote   Remote
}

type memSession struct {
	mu sync.Mutex

	createdAt           time.Time
	title               string
	currentTurn         int
	totals              tokens.Totals
	lastTurnInputTokens int64
	messages            []*transcript.Message
	deleted             map[string]struct{}
}

// NewInMemoryStore creates an empty store. remote may be nil.
func NewInMemoryStore(remote Remote) *InMemoryStore {
	return &InMemoryStore{
		sessions: concurrent.NewMap[string, *memSession](),
		remote:   remote,
	}
}

func (s *InMemoryStore) session(id string) *memSession {
	sess, ok := s.sessions.Load(id)
	if !ok {
		sess = &memSession{
			createdAt: time.Now(),
			deleted:   make(map[string]struct{}),
		}
		s.sessions.Store(id, sess)
	}
	return sess
}

func (s *InMemoryStore) GetReconstructedState(_ context.Context, sessionID string) (*ReconstructedState, error) {
	if sessionID == "" {
		return nil, ErrEmptyID
	}
	state := &ReconstructedState{SessionID: sessionID}
	sess, ok := s.sessions.Load(sessionID)
	if !ok {
		return state, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	state.CurrentTurn = sess.currentTurn
	state.Totals = sess.totals
	state.LastTurnInputTokens = sess.lastTurnInputTokens
	for _, msg := range sess.messages {
		if _, gone := sess.deleted[msg.ID]; gone {
			continue
		}
		copied := *msg
		state.Messages = append(state.Messages, &copied)
	}
	return state, nil
}

func (s *InMemoryStore) AddMessage(_ context.Context, sessionID string, msg *transcript.Message) error {
	if sessionID == "" {
		return ErrEmptyID
	}
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	copied := *msg
	sess.messages = append(sess.messages, &copied)
	return nil
}

func (s *InMemoryStore) UpdateMessage(_ context.Context, sessionID string, msg *transcript.Message) error {
	sess, ok := s.sessions.Load(sessionID)
	if !ok {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for i, existing := range sess.messages {
		if existing.ID == msg.ID {
			copied := *msg
			sess.messages[i] = &copied
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) MarkMessageDeleted(_ context.Context, sessionID, messageID string) error {
	if sessionID == "" {
		return ErrEmptyID
	}
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.deleted[messageID] = struct{}{}
	return nil
}

func (s *InMemoryStore) UpdateSessionTokens(_ context.Context, sessionID string, totals tokens.Totals, lastTurnInputTokens int64) error {
	if sessionID == "" {
		return ErrEmptyID
	}
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.totals = totals
	sess.lastTurnInputTokens = lastTurnInputTokens
	return nil
}

func (s *InMemoryStore) SyncSessionEvents(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptyID
	}
	if s.remote == nil {
		return nil
	}
	remote, err := s.remote.FetchReconstructedState(ctx, sessionID)
	if err != nil {
		return err
	}

	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(remote.Messages) <= len(sess.messages) {
		return nil
	}
	sess.messages = nil
	for _, msg := range remote.Messages {
		copied := *msg
		sess.messages = append(sess.messages, &copied)
	}
	sess.currentTurn = remote.CurrentTurn
	sess.totals = remote.Totals
	sess.lastTurnInputTokens = remote.LastTurnInputTokens
	return nil
}

func (s *InMemoryStore) GetSessionSummaries(context.Context) ([]Summary, error) {
	var summaries []Summary
	s.sessions.Range(func(id string, sess *memSession) bool {
		sess.mu.Lock()
		summaries = append(summaries, Summary{
			ID:           id,
			Title:        sess.title,
			CreatedAt:    sess.createdAt,
			MessageCount: len(sess.messages),
		})
		sess.mu.Unlock()
		return true
	})
	return summaries, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
