// Package client talks to the agent server: a websocket for the live
// event stream and plain HTTP for the reconstruction, snapshot and
// context-size queries.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stitchcli/stitch/pkg/events"
	"github.com/stitchcli/stitch/pkg/history"
	"github.com/stitchcli/stitch/pkg/httpclient"
	"github.com/stitchcli/stitch/pkg/reconcile"
	"github.com/stitchcli/stitch/pkg/transcript"
)

const defaultRequestTimeout = 10 * time.Second

// Client is a connection factory plus the HTTP query surface for one
// server. It implements history.Remote, engine.SnapshotProvider and
// tokens.ContextQuerier.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	log     *slog.Logger
}

type Opt func(*Client)

func WithHTTPClient(c *http.Client) Opt {
	return func(cl *Client) { cl.http = c }
}

func WithDialer(d *websocket.Dialer) Opt {
	return func(cl *Client) { cl.dialer = d }
}

func WithLogger(log *slog.Logger) Opt {
	return func(cl *Client) { cl.log = log }
}

// New creates a client for the given base URL (http:// or https://).
func New(baseURL string, opts ...Opt) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.New(defaultRequestTimeout),
		dialer:  websocket.DefaultDialer,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events subscribes to a session's live event stream. The returned
// channel closes when the connection drops or ctx is canceled; frames
// that fail to parse are skipped, not fatal.
func (c *Client) Events(ctx context.Context, sessionID string) (<-chan events.Frame, error) {
	if sessionID == "" {
		return nil, history.ErrEmptyID
	}
	wsURL, err := c.websocketURL("/api/sessions/" + url.PathEscape(sessionID) + "/events")
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("connecting to event stream (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("connecting to event stream: %w", err)
	}

	frames := make(chan events.Frame, 64)
	go c.readLoop(ctx, conn, sessionID, frames)
	return frames, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, frames chan<- events.Frame) {
	defer close(frames)
	defer conn.Close()

	// Unblock ReadMessage when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("Event stream closed unexpectedly", "session_id", sessionID, "error", err)
			}
			return
		}
		frame, err := events.ParseFrame(data)
		if err != nil {
			c.log.Debug("Skipping unparseable event", "session_id", sessionID, "error", err)
			continue
		}
		if !events.Handled(frame.Kind) {
			c.log.Debug("Skipping event kind nobody consumes", "session_id", sessionID, "kind", frame.Kind)
			continue
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// Wire shapes for the HTTP queries.
type (
	wireMessage struct {
		ID        string        `json:"id"`
		Role      string        `json:"role"`
		Kind      string        `json:"kind"`
		Content   string        `json:"content,omitempty"`
		ToolCall  *wireToolCall `json:"toolCall,omitempty"`
		EventID   string        `json:"eventId,omitempty"`
		CreatedAt time.Time     `json:"createdAt,omitempty"`
	}

	wireToolCall struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Arguments  string `json:"arguments,omitempty"`
		Status     string `json:"status"`
		Result     string `json:"result,omitempty"`
		DurationMS int64  `json:"duration,omitempty"`
	}

	wireState struct {
		SessionID           string             `json:"sessionId"`
		Messages            []wireMessage      `json:"messages"`
		CurrentTurn         int                `json:"currentTurn"`
		TokenUsage          *events.TokenUsage `json:"tokenUsage,omitempty"`
		Cost                float64            `json:"cost,omitempty"`
		LastTurnInputTokens int64              `json:"lastTurnInputTokens,omitempty"`
	}

	wireSegment struct {
		Type     string        `json:"type"`
		Text     string        `json:"text,omitempty"`
		ToolCall *wireToolCall `json:"toolCall,omitempty"`
	}

	wireAgentState struct {
		IsProcessing         bool           `json:"isProcessing"`
		CurrentTurn          int            `json:"currentTurn"`
		CurrentTurnText      string         `json:"currentTurnText,omitempty"`
		CurrentTurnToolCalls []wireToolCall `json:"currentTurnToolCalls,omitempty"`
		ContentSequence      []wireSegment  `json:"contentSequence,omitempty"`
		WasInterrupted       bool           `json:"wasInterrupted,omitempty"`
	}

	wireContext struct {
		ContextTokens int64 `json:"contextTokens"`
	}
)

// FetchReconstructedState implements history.Remote: the server replays
// its event log into a message sequence.
func (c *Client) FetchReconstructedState(ctx context.Context, sessionID string) (*history.ReconstructedState, error) {
	var w wireState
	if err := c.getJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/state", &w); err != nil {
		return nil, fmt.Errorf("fetching session state: %w", err)
	}

	state := &history.ReconstructedState{
		SessionID:           sessionID,
		CurrentTurn:         w.CurrentTurn,
		LastTurnInputTokens: w.LastTurnInputTokens,
	}
	if w.TokenUsage != nil {
		state.Totals.InputTokens = w.TokenUsage.InputTokens
		state.Totals.OutputTokens = w.TokenUsage.OutputTokens
		state.Totals.CacheReadTokens = w.TokenUsage.CacheReadTokens
		state.Totals.CacheCreationTokens = w.TokenUsage.CacheCreationTokens
	}
	state.Totals.Cost = w.Cost

	for _, wm := range w.Messages {
		state.Messages = append(state.Messages, wm.toMessage())
	}
	return state, nil
}

// InFlightSnapshot implements engine.SnapshotProvider. A session with no
// turn in progress yields nil.
func (c *Client) InFlightSnapshot(ctx context.Context, sessionID string) (*reconcile.InFlightSnapshot, error) {
	var w wireAgentState
	if err := c.getJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/agent-state", &w); err != nil {
		return nil, fmt.Errorf("fetching agent state: %w", err)
	}
	if !w.IsProcessing {
		if w.WasInterrupted {
			return &reconcile.InFlightSnapshot{Turn: w.CurrentTurn, Interrupted: true}, nil
		}
		return nil, nil
	}

	snap := &reconcile.InFlightSnapshot{Turn: w.CurrentTurn, Interrupted: w.WasInterrupted}
	if len(w.ContentSequence) > 0 {
		for _, seg := range w.ContentSequence {
			switch seg.Type {
			case "text":
				if seg.Text != "" {
					snap.Sequence = append(snap.Sequence, reconcile.Segment{Text: seg.Text})
				}
			case "toolCall":
				if seg.ToolCall != nil {
					snap.Sequence = append(snap.Sequence, reconcile.Segment{ToolCall: seg.ToolCall.toRecord()})
				}
			}
		}
		return snap, nil
	}

	// Older servers report flat fields only: text first, then the calls.
	if w.CurrentTurnText != "" {
		snap.Sequence = append(snap.Sequence, reconcile.Segment{Text: w.CurrentTurnText})
	}
	for _, call := range w.CurrentTurnToolCalls {
		snap.Sequence = append(snap.Sequence, reconcile.Segment{ToolCall: call.toRecord()})
	}
	return snap, nil
}

// ContextSize implements tokens.ContextQuerier.
func (c *Client) ContextSize(ctx context.Context, sessionID string) (int64, error) {
	var w wireContext
	if err := c.getJSON(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/context", &w); err != nil {
		return 0, fmt.Errorf("fetching context size: %w", err)
	}
	return w.ContextTokens, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (m wireMessage) toMessage() *transcript.Message {
	msg := &transcript.Message{
		ID:        m.ID,
		Role:      transcript.Role(m.Role),
		Kind:      transcript.Kind(m.Kind),
		Content:   m.Content,
		EventID:   m.EventID,
		CreatedAt: m.CreatedAt,
	}
	if m.ToolCall != nil {
		msg.ToolCall = m.ToolCall.toRecord()
		if msg.Kind == "" {
			if msg.ToolCall.Status.Terminal() {
				msg.Kind = transcript.KindToolResult
			} else {
				msg.Kind = transcript.KindToolCall
			}
		}
	}
	if msg.Kind == "" {
		msg.Kind = transcript.KindText
	}
	return msg
}

func (t wireToolCall) toRecord() *transcript.ToolCallRecord {
	return &transcript.ToolCallRecord{
		ID:        t.ID,
		Name:      t.Name,
		Arguments: t.Arguments,
		Status:    transcript.ToolStatus(t.Status),
		Result:    t.Result,
		Duration:  time.Duration(t.DurationMS) * time.Millisecond,
	}
}
