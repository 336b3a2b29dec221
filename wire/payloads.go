package wire

// TextInputData is the payload of a text_input message.
type TextInputData struct {
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// VoiceInputData is the payload of a voice_input message. Audio is
// base64-encoded in the format named by Format ("wav" for captured speech).
type VoiceInputData struct {
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
}

// SystemCommandData is the payload of a system_command message.
type SystemCommandData struct {
	Command    string                 `json:"command"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// HeartbeatData is the payload of a heartbeat message.
type HeartbeatData struct {
	Timestamp int64 `json:"timestamp"`
}

// AgentResponseData is the payload of an agent_response message. Audio, when
// present, is base64-encoded synthesized speech.
type AgentResponseData struct {
	AgentID          string                 `json:"agent_id"`
	AgentName        string                 `json:"agent_name,omitempty"`
	Message          string                 `json:"message"`
	Audio            string                 `json:"audio,omitempty"`
	AudioFormat      string                 `json:"audio_format,omitempty"`
	Model            string                 `json:"model,omitempty"`
	TokensUsed       int                    `json:"tokens_used"`
	Cost             Decimal                `json:"cost"`
	ProcessingTimeMs int                    `json:"processing_time_ms,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// AgentResponseStreamData is a single chunk of a streamed agent response.
type AgentResponseStreamData struct {
	AgentID    string `json:"agent_id"`
	Chunk      string `json:"chunk"`
	IsFinal    bool   `json:"is_final"`
	ChunkIndex int    `json:"chunk_index"`
}

// AgentResponseCompleteData closes a streamed agent response with totals.
type AgentResponseCompleteData struct {
	AgentID          string  `json:"agent_id"`
	TotalTokens      int     `json:"total_tokens"`
	TotalCost        Decimal `json:"total_cost"`
	ProcessingTimeMs int     `json:"processing_time_ms"`
}

// ToolExecutionData reports progress of a server-side tool invocation.
// Status is one of "started", "running", "completed", "failed".
type ToolExecutionData struct {
	ToolName        string      `json:"tool_name"`
	Status          string      `json:"status"`
	Result          interface{} `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
	ExecutionTimeMs int         `json:"execution_time_ms,omitempty"`
}

// SystemStatusData is the payload of a system_status message.
type SystemStatusData struct {
	AgentsActive    int    `json:"agents_active"`
	AgentsIdle      int    `json:"agents_idle,omitempty"`
	AgentsError     int    `json:"agents_error,omitempty"`
	VoiceProcessing bool   `json:"voice_processing"`
	ToolsAvailable  int    `json:"tools_available,omitempty"`
	SystemHealth    string `json:"system_health,omitempty"` // healthy, degraded, unhealthy
	UptimeSeconds   int64  `json:"uptime_seconds,omitempty"`
}

// CostUpdateData is the payload of a cost_update message. It is an absolute
// snapshot of session spend, not a delta.
type CostUpdateData struct {
	SessionCost       Decimal            `json:"session_cost"`
	LastOperationCost Decimal            `json:"last_operation_cost,omitempty"`
	BudgetRemaining   Decimal            `json:"budget_remaining"`
	BudgetLimit       Decimal            `json:"budget_limit"`
	CostBreakdown     map[string]Decimal `json:"cost_breakdown,omitempty"`
	Warning           string             `json:"warning,omitempty"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Code        string                 `json:"code,omitempty"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Recoverable bool                   `json:"recoverable,omitempty"`
}

// ConnectionStatusData is the payload of a connection_status message.
// Status is one of "connected", "disconnected", "reconnecting".
type ConnectionStatusData struct {
	Status        string `json:"status"`
	SessionID     string `json:"session_id"`
	ClientCount   int    `json:"client_count,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
}
