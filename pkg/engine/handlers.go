package engine

import (
	"context"
	"time"

	"github.com/stitchcli/stitch/pkg/events"
	"github.com/stitchcli/stitch/pkg/queue"
	"github.com/stitchcli/stitch/pkg/transcript"
)

// handleUpdate is the single dispatch point mapping classified stream
// updates onto state transitions. It runs on the owner goroutine.
func (e *Engine) handleUpdate(u events.Update) {
	switch u := u.(type) {
	case events.TextDelta:
		e.onTextDelta(u)
	case events.ToolStart:
		e.onToolStart(u)
	case events.ToolEnd:
		e.onToolEnd(u)
	case events.TurnStart:
		e.onTurnStart(u)
	case events.TurnEnd:
		e.onTurnEnd(u)
	case events.ResponseComplete:
		e.onResponseComplete(u)
	case events.AgentReady:
		e.machine.Ready()
		e.q.Enqueue(queue.Update{Kind: queue.TurnBoundary})
	case events.AgentError:
		e.onAgentError(u)
	case events.UsageReport:
		if u.Usage != nil {
			// Mid-turn usage only refines the context estimate; billing
			// totals stay turn_end-authoritative.
			e.acct.SetContextTokens(u.Usage.InputTokens + u.Usage.CacheReadTokens + u.Usage.CacheCreationTokens)
		}
	case events.Unhandled:
		e.log.Debug("Ignoring event", "kind", u.Kind)
	}
}

func (e *Engine) onTextDelta(u events.TextDelta) {
	if e.turn == nil {
		// Stream text with no announced turn: the turn_start was lost or
		// predates the attach. Open an implicit window so metadata and
		// dedup still have a home.
		e.openTurn(e.current.Turn + 1)
	}
	if e.agg.AppendDelta(u.Delta) && e.agg.Active() {
		e.turn.ObserveText(e.agg.LiveID())
	}
}

func (e *Engine) onToolStart(u events.ToolStart) {
	// A tool call ends the current text segment; that text can never
	// grow again.
	e.finalizeStream()

	if e.turn == nil {
		e.openTurn(e.current.Turn + 1)
	}
	if e.turn.HasTool(u.CallID) {
		// Already materialized during catch-up; the live stream replays
		// the start we recovered from the snapshot.
		e.log.Debug("Skipping duplicate tool start", "call_id", u.CallID)
		return
	}
	e.turn.ObserveTool(u.CallID)

	msg := &transcript.Message{
		ID:   transcript.NewID(),
		Role: transcript.RoleAssistant,
		Kind: transcript.KindToolCall,
		ToolCall: &transcript.ToolCallRecord{
			ID:        u.CallID,
			Name:      u.Name,
			Arguments: u.Arguments,
			Status:    transcript.ToolStatusRunning,
		},
		CreatedAt: time.Now(),
	}
	e.sink.MessageAdded(msg)
	e.q.Enqueue(queue.Update{Kind: queue.ToolStart, MessageID: msg.ID, CallID: u.CallID})
}

func (e *Engine) onToolEnd(u events.ToolEnd) {
	status := transcript.ToolStatusSuccess
	if u.IsError {
		status = transcript.ToolStatusError
	}

	msg := e.findToolMessage(u.CallID)
	if msg == nil {
		// End without a visible start: the start happened before attach
		// and the snapshot missed it. Materialize the completed call.
		msg = &transcript.Message{
			ID:   transcript.NewID(),
			Role: transcript.RoleAssistant,
			Kind: transcript.KindToolResult,
			ToolCall: &transcript.ToolCallRecord{
				ID:       u.CallID,
				Name:     u.Name,
				Status:   status,
				Result:   u.Result,
				Duration: u.Duration,
			},
			CreatedAt: time.Now(),
		}
		if e.turn != nil {
			e.turn.ObserveTool(u.CallID)
		}
		e.sink.MessageAdded(msg)
	} else {
		msg.Kind = transcript.KindToolResult
		msg.ToolCall.Status = status
		msg.ToolCall.Result = u.Result
		msg.ToolCall.Duration = u.Duration
		msg.Touch()
		e.sink.MessageUpdated(msg)
	}
	e.q.Enqueue(queue.Update{Kind: queue.ToolEnd, MessageID: msg.ID, CallID: u.CallID})
}

func (e *Engine) onTurnStart(u events.TurnStart) {
	// A leftover stream from the previous turn means its turn_end was
	// lost; finalize so the old text does not absorb the new turn.
	e.finalizeStream()
	e.machine.TurnStarted()
	e.openTurn(u.Turn)
	e.q.Enqueue(queue.Update{Kind: queue.TurnBoundary})
}

func (e *Engine) onTurnEnd(u events.TurnEnd) {
	e.finalizeStream()

	if e.turn != nil && e.turn.FirstTextID != "" {
		if msg := e.findMessage(e.turn.FirstTextID); msg != nil {
			meta := &transcript.TurnMeta{
				Cost:     u.Cost,
				Duration: u.Duration,
				Model:    u.Model,
			}
			if u.Usage != nil {
				meta.InputTokens = u.Usage.InputTokens
				meta.OutputTokens = u.Usage.OutputTokens
			}
			msg.Meta = meta
			msg.Touch()
			e.sink.MessageUpdated(msg)
		}
	}

	e.acct.ApplyTurnEnd(u.Usage, u.Cost)
	e.persistTotals(u.Usage)

	e.turn = nil
	e.current.Turn = u.Turn
	e.machine.Completed()
	e.q.Enqueue(queue.Update{Kind: queue.TurnBoundary})
}

func (e *Engine) onResponseComplete(u events.ResponseComplete) {
	if u.HasToolCalls {
		// The model paused for tool results and will continue; the turn
		// is not over.
		return
	}
	e.machine.Completed()
}

func (e *Engine) onAgentError(u events.AgentError) {
	e.log.Warn("Agent turn failed", "session_id", e.sessionID, "error", u.Message)

	// Keep whatever text already streamed; the user saw it.
	e.finalizeStream()
	e.q.Reset()
	e.machine.Errored()
	e.turn = nil

	notice := &transcript.Message{
		ID:        transcript.NewID(),
		Role:      transcript.RoleSystem,
		Kind:      transcript.KindNotice,
		Content:   u.Message,
		CreatedAt: time.Now(),
	}
	e.sink.MessageAdded(notice)
}

func (e *Engine) openTurn(turn int) {
	e.turn = transcript.NewTurnWindow(e.backing.Len(), turn)
}

// finalizeStream finalizes the live streaming message, recording it as
// the turn's first text if none was seen yet. No-op without an active
// stream.
func (e *Engine) finalizeStream() {
	if !e.agg.Active() {
		return
	}
	id := e.agg.LiveID()
	dropped := e.agg.DroppedChars()
	if e.agg.Finalize() != "" && e.turn != nil {
		e.turn.ObserveText(id)
	}
	if dropped > 0 {
		e.log.Warn("Streamed message was truncated by budget",
			"message_id", id,
			"dropped_chars", dropped)
	}
}

func (e *Engine) persistTotals(usage *events.TokenUsage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var lastInput int64
	if usage != nil {
		lastInput = usage.InputTokens + usage.CacheReadTokens + usage.CacheCreationTokens
		e.acct.SetContextTokens(lastInput)
	}
	if err := e.store.UpdateSessionTokens(ctx, e.sessionID, e.acct.Totals(), lastInput); err != nil {
		e.log.Warn("Persisting session totals failed", "session_id", e.sessionID, "error", err)
	}
}

func (e *Engine) findMessage(id string) *transcript.Message {
	for _, msg := range e.backing.All() {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

func (e *Engine) findToolMessage(callID string) *transcript.Message {
	for _, msg := range e.backing.All() {
		if msg.ToolCall != nil && msg.ToolCall.ID == callID {
			return msg
		}
	}
	return nil
}
