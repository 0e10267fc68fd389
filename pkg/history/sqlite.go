package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stitchcli/stitch/pkg/sqliteutil"
	"github.com/stitchcli/stitch/pkg/tokens"
	"github.com/stitchcli/stitch/pkg/transcript"
)

// SQLiteStore is a local mirror of the server's reconstructed session
// state. The engine writes finalized content through it; sync replaces
// the mirror with the authoritative reconstruction when the log grew.
type SQLiteStore struct {
	db     *sql.DB
	remote Remote
}

// NewSQLiteStore opens (and migrates) the mirror database at path. remote
// may be nil, in which case SyncSessionEvents is a no-op.
func NewSQLiteStore(path string, remote Remote) (*SQLiteStore, error) {
	db, err := sqliteutil.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history database: %w", err)
	}
	return &SQLiteStore{db: db, remote: remote}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			current_turn INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			last_turn_input_tokens INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_call TEXT,
			meta TEXT,
			event_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_position
			ON messages(session_id, position);

		CREATE TABLE IF NOT EXISTS deleted_messages (
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			deleted_at TEXT NOT NULL,
			PRIMARY KEY (session_id, message_id)
		);
	`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetReconstructedState(ctx context.Context, sessionID string) (*ReconstructedState, error) {
	if sessionID == "" {
		return nil, ErrEmptyID
	}

	state := &ReconstructedState{SessionID: sessionID}
	row := s.db.QueryRowContext(ctx, `
		SELECT current_turn, input_tokens, output_tokens,
		       cache_read_tokens, cache_creation_tokens, cost,
		       last_turn_input_tokens
		FROM sessions WHERE id = ?`, sessionID)
	err := row.Scan(
		&state.CurrentTurn,
		&state.Totals.InputTokens,
		&state.Totals.OutputTokens,
		&state.Totals.CacheReadTokens,
		&state.Totals.CacheCreationTokens,
		&state.Totals.Cost,
		&state.LastTurnInputTokens,
	)
	if err == sql.ErrNoRows {
		// Unknown session reconstructs as empty, not as an error.
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	state.Messages, err = s.loadMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, sessionID string) ([]*transcript.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.role, m.kind, m.content, m.tool_call, m.meta, m.event_id, m.created_at
		FROM messages m
		LEFT JOIN deleted_messages d
			ON d.session_id = m.session_id AND d.message_id = m.id
		WHERE m.session_id = ? AND d.message_id IS NULL
		ORDER BY m.position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []*transcript.Message
	for rows.Next() {
		var (
			msg       transcript.Message
			toolJSON  sql.NullString
			metaJSON  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Kind, &msg.Content, &toolJSON, &metaJSON, &msg.EventID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if toolJSON.Valid && toolJSON.String != "" {
			var tc transcript.ToolCallRecord
			if err := json.Unmarshal([]byte(toolJSON.String), &tc); err != nil {
				slog.Warn("Skipping malformed tool call record", "message_id", msg.ID, "error", err)
			} else {
				msg.ToolCall = &tc
			}
		}
		if metaJSON.Valid && metaJSON.String != "" {
			var meta transcript.TurnMeta
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err == nil {
				msg.Meta = &meta
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			msg.CreatedAt = ts
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, msg *transcript.Message) error {
	if sessionID == "" {
		return ErrEmptyID
	}
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}

	toolJSON, metaJSON, err := marshalExtras(msg)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, id, position, role, kind, content, tool_call, meta, event_id, created_at)
		VALUES (?, ?,
			(SELECT COALESCE(MAX(position) + 1, 0) FROM messages WHERE session_id = ?),
			?, ?, ?, ?, ?, ?, ?)`,
		sessionID, msg.ID, sessionID,
		string(msg.Role), string(msg.Kind), msg.Content,
		toolJSON, metaJSON, msg.EventID,
		createdAtOrNow(msg).Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, sessionID string, msg *transcript.Message) error {
	toolJSON, metaJSON, err := marshalExtras(msg)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET role = ?, kind = ?, content = ?, tool_call = ?, meta = ?, event_id = ?
		WHERE session_id = ? AND id = ?`,
		string(msg.Role), string(msg.Kind), msg.Content, toolJSON, metaJSON, msg.EventID,
		sessionID, msg.ID)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkMessageDeleted(ctx context.Context, sessionID, messageID string) error {
	if sessionID == "" {
		return ErrEmptyID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO deleted_messages (session_id, message_id, deleted_at)
		VALUES (?, ?, ?)`,
		sessionID, messageID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("marking message %s deleted: %w", messageID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionTokens(ctx context.Context, sessionID string, totals tokens.Totals, lastTurnInputTokens int64) error {
	if sessionID == "" {
		return ErrEmptyID
	}
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET input_tokens = ?, output_tokens = ?, cache_read_tokens = ?,
		    cache_creation_tokens = ?, cost = ?, last_turn_input_tokens = ?
		WHERE id = ?`,
		totals.InputTokens, totals.OutputTokens, totals.CacheReadTokens,
		totals.CacheCreationTokens, totals.Cost, lastTurnInputTokens,
		sessionID)
	if err != nil {
		return fmt.Errorf("updating session tokens for %s: %w", sessionID, err)
	}
	return nil
}

// SyncSessionEvents replaces the mirror with the remote reconstruction
// when the authoritative log has grown past it. Idempotent: syncing twice
// with an unchanged log changes nothing.
func (s *SQLiteStore) SyncSessionEvents(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptyID
	}
	if s.remote == nil {
		return nil
	}

	remote, err := s.remote.FetchReconstructedState(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetching remote state for %s: %w", sessionID, err)
	}

	var localCount int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&localCount); err != nil {
		return fmt.Errorf("counting local messages: %w", err)
	}
	if len(remote.Messages) <= localCount {
		return nil
	}

	slog.Debug("Syncing session history from remote",
		"session_id", sessionID,
		"local_messages", localCount,
		"remote_messages", len(remote.Messages))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.ensureSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clearing mirror messages: %w", err)
	}
	for i, msg := range remote.Messages {
		toolJSON, metaJSON, err := marshalExtras(msg)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, id, position, role, kind, content, tool_call, meta, event_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, msg.ID, i,
			string(msg.Role), string(msg.Kind), msg.Content,
			toolJSON, metaJSON, msg.EventID,
			createdAtOrNow(msg).Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("inserting synced message %s: %w", msg.ID, err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET current_turn = ?, input_tokens = ?, output_tokens = ?,
		    cache_read_tokens = ?, cache_creation_tokens = ?, cost = ?,
		    last_turn_input_tokens = ?
		WHERE id = ?`,
		remote.CurrentTurn,
		remote.Totals.InputTokens, remote.Totals.OutputTokens,
		remote.Totals.CacheReadTokens, remote.Totals.CacheCreationTokens,
		remote.Totals.Cost, remote.LastTurnInputTokens,
		sessionID)
	if err != nil {
		return fmt.Errorf("updating synced session row: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetSessionSummaries(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.created_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		ORDER BY s.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var (
			sum       Summary
			createdAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &createdAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning session summary: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			sum.CreatedAt = ts
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

func (s *SQLiteStore) ensureSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)",
		sessionID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ensuring session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)",
		sessionID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ensuring session %s: %w", sessionID, err)
	}
	return nil
}

func marshalExtras(msg *transcript.Message) (toolJSON, metaJSON sql.NullString, err error) {
	if msg.ToolCall != nil {
		data, merr := json.Marshal(msg.ToolCall)
		if merr != nil {
			return toolJSON, metaJSON, fmt.Errorf("marshaling tool call: %w", merr)
		}
		toolJSON = sql.NullString{String: string(data), Valid: true}
	}
	if msg.Meta != nil {
		data, merr := json.Marshal(msg.Meta)
		if merr != nil {
			return toolJSON, metaJSON, fmt.Errorf("marshaling turn meta: %w", merr)
		}
		metaJSON = sql.NullString{String: string(data), Valid: true}
	}
	return toolJSON, metaJSON, nil
}

func createdAtOrNow(msg *transcript.Message) time.Time {
	if msg.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return msg.CreatedAt
}
