// Package transcript defines the rendering-agnostic data model for a
// reconstructed conversation: messages, tool call records, and the
// bookkeeping for the turn currently being streamed.
package transcript

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind is the content variant of a message.
type Kind string

const (
	// KindText is finalized plain text.
	KindText Kind = "text"
	// KindStreaming is text still being appended to by the live stream.
	KindStreaming Kind = "streaming"
	// KindToolCall is a tool invocation, possibly still running.
	KindToolCall Kind = "tool_call"
	// KindToolResult is a finalized tool invocation with its result.
	KindToolResult Kind = "tool_result"
	// KindNotice is a structured notification (errors, interruptions).
	KindNotice Kind = "notice"
)

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolStatusRunning ToolStatus = "running"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// Terminal reports whether the status will never change again.
func (s ToolStatus) Terminal() bool {
	return s == ToolStatusSuccess || s == ToolStatusError
}

// ToolCallRecord is one tool invocation within a turn. It is created on
// tool start, mutated to a terminal status on tool end, and never deleted
// within the turn.
type ToolCallRecord struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments,omitempty"`
	Status    ToolStatus    `json:"status"`
	Result    string        `json:"result,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// TurnMeta is end-of-turn metadata attached to the first text message of
// the turn once the authoritative turn_end event arrives.
type TurnMeta struct {
	InputTokens  int64         `json:"input_tokens,omitempty"`
	OutputTokens int64         `json:"output_tokens,omitempty"`
	Cost         float64       `json:"cost,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Model        string        `json:"model,omitempty"`
}

// Message is one unit of transcript content. Identity is stable for the
// whole message lifecycle: a streaming message that later finalizes keeps
// its ID, only Kind, Content and Revision change.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Kind    Kind   `json:"kind"`
	Content string `json:"content,omitempty"`

	// ToolCall is set for KindToolCall and KindToolResult messages.
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`

	// EventID links the message back to the persisted event it was
	// reconstructed from. Empty for locally synthesized messages.
	EventID string `json:"event_id,omitempty"`

	// Revision increments on every in-place mutation so observers can
	// detect change without comparing content.
	Revision int64 `json:"revision"`

	// Immediate marks a message that should skip staggered appearance
	// when presented: it is not new, it was recovered during catch-up.
	Immediate bool `json:"-"`

	// Meta carries end-of-turn metadata, set on the first text message
	// of a completed turn.
	Meta *TurnMeta `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// NewID returns a fresh identifier for a locally synthesized message.
func NewID() string {
	return uuid.New().String()
}

// Touch bumps the revision counter after an in-place mutation.
func (m *Message) Touch() {
	m.Revision++
}

// TurnWindow tracks the turn currently being rendered: where it starts in
// the message sequence, which message receives end-of-turn metadata, and
// the tool calls seen so far. Opened on turn_start (or synthesized during
// catch-up), cleared on turn_end.
type TurnWindow struct {
	StartIndex  int
	FirstTextID string
	ToolCallIDs map[string]struct{}
	OpenedAt    time.Time
	FromCatchUp bool
	Turn        int

	seenFirstText bool
}

// NewTurnWindow opens a turn window at the given index in the sequence.
func NewTurnWindow(startIndex, turn int) *TurnWindow {
	return &TurnWindow{
		StartIndex:  startIndex,
		ToolCallIDs: make(map[string]struct{}),
		OpenedAt:    time.Now(),
		Turn:        turn,
	}
}

// ObserveText records the first text message of the turn; later calls are
// no-ops so metadata always lands on the earliest text.
func (w *TurnWindow) ObserveText(messageID string) {
	if w.seenFirstText {
		return
	}
	w.seenFirstText = true
	w.FirstTextID = messageID
}

// ObserveTool records a tool call id seen within the turn.
func (w *TurnWindow) ObserveTool(toolCallID string) {
	w.ToolCallIDs[toolCallID] = struct{}{}
}

// HasTool reports whether the turn already saw the given tool call.
func (w *TurnWindow) HasTool(toolCallID string) bool {
	_, ok := w.ToolCallIDs[toolCallID]
	return ok
}

// Observer receives mutation notifications for the message sequence.
// The window store and any renderer subscribe through this; every
// mutation path in the engine must go through it.
type Observer interface {
	MessageAdded(msg *Message)
	MessageUpdated(msg *Message)
	MessageRemoved(id string)
}

// ReloadObserver is implemented by observers that want to hear about
// wholesale transcript rebuilds (attach and post-resync reconciliation),
// which bypass the per-message callbacks.
type ReloadObserver interface {
	TranscriptReloaded(msgs []*Message)
}

// NopObserver discards all notifications.
type NopObserver struct{}

func (NopObserver) MessageAdded(*Message)   {}
func (NopObserver) MessageUpdated(*Message) {}
func (NopObserver) MessageRemoved(string)   {}
