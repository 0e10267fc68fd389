package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire payload shapes. Field names match the event stream contract; only
// the fields downstream components need are decoded.
type (
	textDeltaPayload struct {
		Delta string `json:"delta"`
	}

	toolStartPayload struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Arguments  json.RawMessage `json:"arguments,omitempty"`
	}

	toolEndPayload struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		DurationMS int64           `json:"duration"`
		IsError    bool            `json:"isError,omitempty"`
		Result     json.RawMessage `json:"result,omitempty"`
	}

	turnStartPayload struct {
		Turn int `json:"turn"`
	}

	turnEndPayload struct {
		Turn       int         `json:"turn"`
		DurationMS int64       `json:"duration"`
		Usage      *TokenUsage `json:"tokenUsage,omitempty"`
		Cost       float64     `json:"cost,omitempty"`
		StopReason string      `json:"stopReason,omitempty"`
		Model      string      `json:"model,omitempty"`
	}

	responseCompletePayload struct {
		Turn         int    `json:"turn"`
		StopReason   string `json:"stopReason"`
		HasToolCalls bool   `json:"hasToolCalls"`
	}

	agentEndPayload struct {
		Error string `json:"error,omitempty"`
	}

	turnFailedPayload struct {
		Error string `json:"error"`
	}

	tokenUsagePayload struct {
		Usage *TokenUsage `json:"tokenUsage"`
	}
)

// Classify maps one raw frame to a normalized update. It is a pure 1:1
// mapping with no state between calls. A malformed payload or an unknown
// kind yields Unhandled so the stream never halts on a bad event.
func Classify(frame Frame) Update {
	switch frame.Kind {
	case "text_delta":
		var p textDeltaPayload
		if err := frame.Decode(&p); err != nil {
			return Unhandled{Kind: frame.Kind}
		}
		return TextDelta{Delta: p.Delta}

	case "tool_execution_start":
		var p toolStartPayload
		if err := frame.Decode(&p); err != nil {
			return Unhandled{Kind: frame.Kind}
		}
		return ToolStart{
			CallID:    p.ToolCallID,
			Name:      p.ToolName,
			Arguments: rawString(p.Arguments),
		}

	case "tool_execution_end":
		var p toolEndPayload
		if err := frame.Decode(&p); err != nil {
			return Unhandled{Kind: frame.Kind}
		}
		return ToolEnd{
			CallID:   p.ToolCallID,
			Name:     p.ToolName,
			IsError:  p.IsError,
			Result:   rawString(p.Result),
			Duration: time.Duration(p.DurationMS) * time.Millisecond,
		}

	case "turn_start":
		var p turnStartPayload
		if err := frame.Decode(&p); err != nil {
			return Unhandled{Kind: frame.Kind}
		}
		return TurnStart{Turn: p.Turn}

	case "turn_end":
		var p turnEndPayload
		if err := frame.Decode(&p); err != nil {
			return Unhandled{Kind: frame.Kind}
		}
		return TurnEnd{
			Turn:       p.Turn,
			Usage:      p.Usage,
			Cost:       p.Cost,
			Duration:   time.Duration(p.DurationMS) * time.Millisecond,
			StopReason: p.StopReason,
			Model:      p.Model,
		}

	case "response_complete":
		var p responseCompletePayload
		if err := frame.Decode(&p); err != nil {
			return Unhandled{Kind: frame.Kind}
		}
		return ResponseComplete{
			Turn:         p.Turn,
			StopReason:   p.StopReason,
			HasToolCalls: p.HasToolCalls,
		}

	case "agent_ready":
		return AgentReady{}

	case "agent_end":
		var p agentEndPayload
		if err := frame.Decode(&p); err != nil {
			return Unhandled{Kind: frame.Kind}
		}
		if p.Error == "" {
			// A clean agent_end carries no information the turn events
			// didn't already deliver.
			return Unhandled{Kind: frame.Kind}
		}
		return AgentError{Message: p.Error}

	case "token_usage":
		var p tokenUsagePayload
		if err := frame.Decode(&p); err != nil || p.Usage == nil {
			return Unhandled{Kind: frame.Kind}
		}
		return UsageReport{Usage: p.Usage}

	case "agent.turn_failed":
		var p turnFailedPayload
		if err := frame.Decode(&p); err != nil {
			return Unhandled{Kind: frame.Kind}
		}
		return AgentError{Message: p.Error}
	}

	return Unhandled{Kind: frame.Kind}
}

// rawString renders a raw JSON payload as a display string. JSON strings
// are unquoted, everything else is kept verbatim.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// must be kept in sync with Classify; the transport consults it to skip
// forwarding kinds nobody consumes.
var handledKinds = map[string]struct{}{
	"text_delta":           {},
	"tool_execution_start": {},
	"tool_execution_end":   {},
	"turn_start":           {},
	"turn_end":             {},
	"response_complete":    {},
	"agent_ready":          {},
	"agent_end":            {},
	"agent.turn_failed":    {},
	"token_usage":          {},
}

// Handled reports whether the classifier recognizes the given kind.
func Handled(kind string) bool {
	_, ok := handledKinds[kind]
	return ok
}

// String implements fmt.Stringer for logging.
func (u Unhandled) String() string {
	return fmt.Sprintf("unhandled event kind %q", u.Kind)
}
