// Package reconcile merges the three partially-overlapping views of a
// session on attach: the persisted history, an optional snapshot of a
// turn already in flight, and whatever the live stream delivers next.
// The output is one deduplicated, order-preserving message sequence plus
// the seeding the streaming aggregator needs so further deltas append to
// the right message.
package reconcile

import (
	"log/slog"

	"github.com/stitchcli/stitch/pkg/history"
	"github.com/stitchcli/stitch/pkg/transcript"
)

// Segment is one element of an in-flight turn's content sequence: either
// accumulated text or a tool call, never both.
type Segment struct {
	Text     string
	ToolCall *transcript.ToolCallRecord
}

// InFlightSnapshot is the agent-state collaborator's view of a turn in
// progress: text segments and tool calls interleaved in the order the
// agent produced them.
type InFlightSnapshot struct {
	Turn     int
	Sequence []Segment

	// Interrupted reports that the previous turn was cut short rather
	// than completed; the merge surfaces it as a notice.
	Interrupted bool
}

// NewSnapshot builds a snapshot from flat accumulated text plus a tool
// call list, for servers that do not report a content sequence: the text
// is ordered before the calls.
func NewSnapshot(turn int, text string, calls []*transcript.ToolCallRecord) *InFlightSnapshot {
	snap := &InFlightSnapshot{Turn: turn}
	if text != "" {
		snap.Sequence = append(snap.Sequence, Segment{Text: text})
	}
	for _, call := range calls {
		snap.Sequence = append(snap.Sequence, Segment{ToolCall: call})
	}
	return snap
}

func (s *InFlightSnapshot) empty() bool {
	return s == nil || (len(s.Sequence) == 0 && !s.Interrupted)
}

// Result is a reconciled transcript.
type Result struct {
	// Messages is the displayed sequence: history followed by catch-up
	// synthesized items.
	Messages []*transcript.Message

	// HistoryBaseline is how many leading messages came from history.
	// Used to detect log growth during the background resync.
	HistoryBaseline int

	// SeedMessage, when non-nil, is the streaming message the aggregator
	// must be seeded with; its Content is the already-consumed text.
	SeedMessage *transcript.Message

	// CatchUp lists the items not yet present in history: the messages
	// this merge synthesized plus any live messages carried through a
	// re-merge. Only these are eligible for duplicate suppression later.
	CatchUp []*transcript.Message

	// InFlight reports whether a turn was in progress: the lifecycle
	// machine should attach in the processing phase.
	InFlight bool

	// Turn is the in-flight turn number (0 when none).
	Turn int
}

// Merge builds the initial reconciled sequence from persisted history and
// an optional in-flight snapshot.
func Merge(state *history.ReconstructedState, snap *InFlightSnapshot) *Result {
	res := &Result{
		Messages:        append([]*transcript.Message(nil), state.Messages...),
		HistoryBaseline: len(state.Messages),
	}
	if snap.empty() {
		return res
	}
	res.Turn = snap.Turn

	if snap.Interrupted {
		res.appendCatchUp(&transcript.Message{
			ID:        transcript.NewID(),
			Role:      transcript.RoleSystem,
			Kind:      transcript.KindNotice,
			Content:   "Turn was interrupted",
			Immediate: true,
		})
	}
	if len(snap.Sequence) == 0 {
		return res
	}
	res.InFlight = true

	for i, seg := range snap.Sequence {
		switch {
		case seg.ToolCall != nil:
			res.appendCatchUp(toolMessage(seg.ToolCall))

		case seg.Text != "":
			if i == len(snap.Sequence)-1 {
				// Terminal text: the stream may still be appending to
				// it, so it becomes the aggregator's live message.
				msg := &transcript.Message{
					ID:        transcript.NewID(),
					Role:      transcript.RoleAssistant,
					Kind:      transcript.KindStreaming,
					Content:   seg.Text,
					Immediate: true,
				}
				res.appendCatchUp(msg)
				res.SeedMessage = msg
			} else {
				// A tool call follows: this text can never grow again.
				res.appendCatchUp(&transcript.Message{
					ID:        transcript.NewID(),
					Role:      transcript.RoleAssistant,
					Kind:      transcript.KindText,
					Content:   seg.Text,
					Immediate: true,
				})
			}
		}
	}
	return res
}

// ReMerge re-applies a previous merge's catch-up content, plus any
// messages the live stream added since, on top of a freshly synced
// history. A carried message is dropped when history now holds it: by
// message identifier (the engine mirrors finalized live messages
// locally) or by tool call identifier (the turn, or part of it,
// finalized between the original load and the resync). History wins.
// Snapshot text segments are never re-checked by content; the server
// persists turn text exactly once, at turn_end, so no duplication is
// possible while the turn is in flight.
func ReMerge(prev *Result, state *history.ReconstructedState, live []*transcript.Message) *Result {
	if len(state.Messages) <= prev.HistoryBaseline {
		return prev
	}

	knownIDs := make(map[string]struct{}, len(state.Messages))
	knownCalls := make(map[string]struct{})
	for _, msg := range state.Messages {
		knownIDs[msg.ID] = struct{}{}
		if msg.ToolCall != nil {
			knownCalls[msg.ToolCall.ID] = struct{}{}
		}
	}

	res := &Result{
		Messages:        append([]*transcript.Message(nil), state.Messages...),
		HistoryBaseline: len(state.Messages),
		InFlight:        prev.InFlight,
		Turn:            prev.Turn,
		SeedMessage:     prev.SeedMessage,
	}
	dropped := 0
	carry := func(msg *transcript.Message) {
		if _, dup := knownIDs[msg.ID]; dup {
			dropped++
			return
		}
		if msg.ToolCall != nil {
			if _, dup := knownCalls[msg.ToolCall.ID]; dup {
				dropped++
				return
			}
		}
		res.appendCatchUp(msg)
	}
	for _, msg := range prev.CatchUp {
		carry(msg)
	}
	for _, msg := range live {
		carry(msg)
	}
	if dropped > 0 {
		slog.Debug("Re-merge dropped carried items already finalized in history",
			"dropped", dropped,
			"history", len(state.Messages))
	}
	return res
}

func (r *Result) appendCatchUp(msg *transcript.Message) {
	r.Messages = append(r.Messages, msg)
	r.CatchUp = append(r.CatchUp, msg)
}

func toolMessage(call *transcript.ToolCallRecord) *transcript.Message {
	copied := *call
	kind := transcript.KindToolCall
	if call.Status.Terminal() {
		kind = transcript.KindToolResult
	}
	return &transcript.Message{
		ID:        transcript.NewID(),
		Role:      transcript.RoleAssistant,
		Kind:      kind,
		ToolCall:  &copied,
		Immediate: true,
	}
}
