package events

import "time"

// Update is a normalized result record produced by the classifier. It is
// a closed set: downstream components switch over the concrete types and
// never see the raw wire shape.
type Update interface {
	isUpdate()
}

// TokenUsage is the authoritative token accounting attached to turn_end.
type TokenUsage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int64 `json:"cacheCreationTokens,omitempty"`
}

// TextDelta is an incremental fragment of assistant text.
type TextDelta struct {
	Delta string
}

func (TextDelta) isUpdate() {}

// ToolStart signals that tool execution began for a call.
type ToolStart struct {
	CallID    string
	Name      string
	Arguments string
}

func (ToolStart) isUpdate() {}

// ToolEnd signals that tool execution finished for a call.
type ToolEnd struct {
	CallID   string
	Name     string
	IsError  bool
	Result   string
	Duration time.Duration
}

func (ToolEnd) isUpdate() {}

// TurnStart marks the beginning of an agent turn.
type TurnStart struct {
	Turn int
}

func (TurnStart) isUpdate() {}

// TurnEnd marks the authoritative end of a turn, carrying token usage.
type TurnEnd struct {
	Turn       int
	Usage      *TokenUsage
	Cost       float64
	Duration   time.Duration
	StopReason string
	Model      string
}

func (TurnEnd) isUpdate() {}

// ResponseComplete signals the model stopped producing tokens; background
// post-turn work may still be running.
type ResponseComplete struct {
	Turn         int
	StopReason   string
	HasToolCalls bool
}

func (ResponseComplete) isUpdate() {}

// AgentReady signals all post-turn hooks completed; the next message may
// be sent.
type AgentReady struct{}

func (AgentReady) isUpdate() {}

// AgentError is a hard agent/provider failure mid-turn.
type AgentError struct {
	Message string
}

func (AgentError) isUpdate() {}

// UsageReport is a standalone usage event carrying a mid-session context
// estimate, outside the authoritative turn_end accounting.
type UsageReport struct {
	Usage *TokenUsage
}

func (UsageReport) isUpdate() {}

// Unhandled carries the kind tag of an event the classifier does not
// recognize. It is logged and dropped, never a hard failure.
type Unhandled struct {
	Kind string
}

func (Unhandled) isUpdate() {}
