package bus

// Turn lifecycle topics.
const (
	TopicTurnCreated  = "turn.created"
	TopicTurnDelta    = "turn.delta"
	TopicTurnStopped  = "turn.stopped"
	TopicTurnError    = "turn.error"
	TopicTurnComplete = "turn.complete"
)

// Tool dispatch topics.
const (
	TopicToolCall   = "tool.call"
	TopicToolResult = "tool.result"
)

// Limit and compaction topics.
const (
	TopicUsageUpdate         = "limit.usage"
	TopicLimitWarning        = "limit.warning"
	TopicLimitAgeWarning     = "limit.age_warning"
	TopicCompactionSuggested = "limit.compaction_suggested"
)

// TurnCreatedEvent is published when a turn starts streaming.
type TurnCreatedEvent struct {
	ConversationID string `json:"conversation_id"`
	StreamID       string `json:"stream_id"`
}

// TurnDeltaEvent carries one streamed text fragment.
type TurnDeltaEvent struct {
	ConversationID string `json:"conversation_id"`
	StreamID       string `json:"stream_id"`
	Text           string `json:"text"`
}

// TurnStoppedEvent is published when a turn is stopped before completion.
type TurnStoppedEvent struct {
	ConversationID string `json:"conversation_id"`
	StreamID       string `json:"stream_id"`
	Reason         string `json:"reason"`
}

// TurnErrorEvent is published when a turn aborts on a provider error.
type TurnErrorEvent struct {
	ConversationID string `json:"conversation_id"`
	StreamID       string `json:"stream_id"`
	Error          string `json:"error"`
}

// TurnCompleteEvent is published when a turn finishes normally.
type TurnCompleteEvent struct {
	ConversationID string `json:"conversation_id"`
	StreamID       string `json:"stream_id"`
}

// ToolCallEvent is published when a tool call is dispatched to executors.
type ToolCallEvent struct {
	ConversationID string `json:"conversation_id"`
	StreamID       string `json:"stream_id"`
	CallID         string `json:"call_id"`
	Name           string `json:"name"`
	Input          string `json:"input"`
}

// ToolResultEvent is published when a tool call settles.
type ToolResultEvent struct {
	ConversationID string `json:"conversation_id"`
	StreamID       string `json:"stream_id"`
	CallID         string `json:"call_id"`
	Output         string `json:"output,omitempty"`
	Error          string `json:"error,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
}

// UsageUpdateEvent carries conversation totals after a completed turn.
type UsageUpdateEvent struct {
	ConversationID string  `json:"conversation_id"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	Messages       int     `json:"messages"`
	Tools          int     `json:"tools"`
	CostUSD        float64 `json:"cost_usd"`
}

// LimitWarningEvent lists the soft limits a conversation is approaching.
type LimitWarningEvent struct {
	ConversationID string         `json:"conversation_id"`
	Warnings       []LimitWarning `json:"warnings"`
}

// LimitWarning describes one limit nearing or past its threshold.
type LimitWarning struct {
	Kind    string `json:"kind"`
	Current int    `json:"current"`
	Limit   int    `json:"limit"`
}

// CompactionSuggestedEvent is published when a conversation must compact.
type CompactionSuggestedEvent struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}
