package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// SessionResponse is returned by POST /v1/session.
type SessionResponse struct {
	// example: 1
	SessionID int `json:"session_id" example:"1"`
}

// NodeSpec is one Fill or Generate step of a submitted chain.
type NodeSpec struct {
	// "fill" or "gen".
	// example: fill
	Kind string `json:"kind" example:"fill"`
	// Semantic variable consumed (fill) or produced (gen).
	// example: question
	Var string `json:"var" example:"question"`
	// Constant text for a fill node. When set, the variable is created ready.
	Text string `json:"text,omitempty"`
	// Sampling parameters for a gen node.
	Sampling *SamplingConfig `json:"sampling,omitempty"`
}

// ChainSpec is one completion chain.
type ChainSpec struct {
	Nodes []NodeSpec `json:"nodes"`
	// Models the chain may run on. Empty means any.
	Models []string `json:"models,omitempty"`
	// Requests-num upperbound hint for DAG-aware placement. Zero means unbounded.
	RequestsUpperbound int `json:"requests_upperbound,omitempty"`
}

// SubmitRequest is the body of POST /v1/session/{sid}/requests.
type SubmitRequest struct {
	Chains []ChainSpec `json:"chains"`
}

// SubmitResponse acknowledges an accepted request chain.
type SubmitResponse struct {
	// example: 3f2c7d9e-8a0b-4a64-9c43-b0f7b1a2c1de
	RequestID string `json:"request_id"`
	// Variable name to variable id.
	Vars map[string]string `json:"vars"`
}

// SetVarRequest assigns content to a semantic variable.
type SetVarRequest struct {
	Content string `json:"content"`
}

// VarResponse is returned by GET /v1/session/{sid}/vars/{name}.
type VarResponse struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Ready   bool   `json:"ready"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RegisterEngineRequest is the body of POST /register_engine.
type RegisterEngineRequest struct {
	EngineConfig EngineConfig `json:"engine_config"`
}

// RegisterEngineResponse returns the assigned engine id.
type RegisterEngineResponse struct {
	EngineID int `json:"engine_id"`
}

// EngineHeartbeatRequest is the body of POST /engine_heartbeat.
type EngineHeartbeatRequest struct {
	EngineID    int               `json:"engine_id"`
	EngineName  string            `json:"engine_name"`
	RuntimeInfo EngineRuntimeInfo `json:"runtime_info"`
}

// FillRequest is the engine-side /fill payload. Exactly one of TokenIDs/Text is used.
type FillRequest struct {
	SessionID       int    `json:"session_id"`
	TaskID          int    `json:"task_id"`
	ContextID       int    `json:"context_id"`
	ParentContextID int    `json:"parent_context_id"`
	Position        int    `json:"position"`
	TokenIDs        []int  `json:"token_ids,omitempty"`
	Text            string `json:"text,omitempty"`
}

// FillResponse reports how many tokens were appended.
type FillResponse struct {
	NumFilledTokens int `json:"num_filled_tokens"`
}

// GenerateRequest is the engine-side /generate payload.
type GenerateRequest struct {
	SessionID       int            `json:"session_id"`
	TaskID          int            `json:"task_id"`
	ContextID       int            `json:"context_id"`
	ParentContextID int            `json:"parent_context_id"`
	Position        int            `json:"position"`
	Sampling        SamplingConfig `json:"sampling_config"`
}

// GenerateChunk is one NDJSON line of the /generate stream. The last line has
// Done set and carries every generated id, plus the decoded text for engines
// that do not exchange token ids.
type GenerateChunk struct {
	TokenID      int    `json:"token_id,omitempty"`
	Done         bool   `json:"done,omitempty"`
	GeneratedIDs []int  `json:"generated_ids,omitempty"`
	Text         string `json:"text,omitempty"`
	Error        string `json:"error,omitempty"`
}

// FreeContextRequest is the engine-side /free_context payload.
type FreeContextRequest struct {
	ContextID int `json:"context_id"`
}

// FreeContextResponse reports how many tokens were released.
type FreeContextResponse struct {
	NumFreedTokens int `json:"num_freed_tokens"`
}

// HeartbeatResponse is the engine-side /heartbeat reply.
type HeartbeatResponse struct {
	EngineName  string            `json:"engine_name"`
	RuntimeInfo EngineRuntimeInfo `json:"runtime_info"`
}

// EngineStatus summarizes one registered engine for /status.
type EngineStatus struct {
	EngineID        int    `json:"engine_id"`
	Name            string `json:"name"`
	Model           string `json:"model"`
	Address         string `json:"address"`
	RemainingSlots  int    `json:"remaining_slots"`
	NumThreads      int    `json:"num_threads"`
	NumCachedTokens int    `json:"num_cached_tokens"`
	CacheMemBytes   int64  `json:"cache_mem_bytes"`
	LastSeenUnix    int64  `json:"last_seen_unix"`
	Suspect         string `json:"suspect,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Engines        []EngineStatus `json:"engines"`
	PendingTasks   int            `json:"pending_tasks"`
	Sessions       int            `json:"sessions"`
	LiveContexts   int            `json:"live_contexts"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	ServerTimeUnix int64          `json:"server_time_unix"`
	DispatchPolicy string         `json:"dispatch_policy"`
	LastError      string         `json:"last_error,omitempty"`
}
