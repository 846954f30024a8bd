package types

// EngineConfig describes a backend inference engine as it registers itself.
type EngineConfig struct {
	// Human-friendly engine name.
	// example: engine-a100-0
	Name string `json:"name" yaml:"name" toml:"name" example:"engine-a100-0"`
	// Model served by the engine.
	// example: llama-2-7b
	Model string `json:"model" yaml:"model" toml:"model" example:"llama-2-7b"`
	// Tokenizer identifier used to tokenize/detokenize for this engine.
	// example: byte
	Tokenizer string `json:"tokenizer" yaml:"tokenizer" toml:"tokenizer" example:"byte"`
	// Base HTTP address of the engine (scheme://host:port).
	// example: http://127.0.0.1:9001
	Address string `json:"address" yaml:"address" toml:"address" example:"http://127.0.0.1:9001"`
	// Number of tasks the engine accepts concurrently.
	// example: 256
	ThreadsCapacity int `json:"threads_capacity" yaml:"threads_capacity" toml:"threads_capacity" example:"256"`
	// Load hint used by the DAG-aware placement policy. Zero means unbounded.
	// example: 64
	RequestsUpperbound int `json:"requests_upperbound,omitempty" yaml:"requests_upperbound" toml:"requests_upperbound" example:"64"`
	// If false the engine accepts raw text instead of token ids.
	// example: true
	TokenIDs bool `json:"token_ids" yaml:"token_ids" toml:"token_ids" example:"true"`
}

// EngineRuntimeInfo is the telemetry an engine reports on each heartbeat.
type EngineRuntimeInfo struct {
	// Number of tokens currently held in the KV cache.
	// example: 4096
	NumCachedTokens int `json:"num_cached_tokens" example:"4096"`
	// Bytes of memory taken by the KV cache.
	// example: 2147483648
	CacheMemBytes int64 `json:"cache_mem_bytes" example:"2147483648"`
	// Number of running primitive jobs.
	// example: 3
	NumRunningJobs int `json:"num_running_jobs" example:"3"`
	// Number of waiting primitive jobs.
	// example: 0
	NumWaitingJobs int `json:"num_waiting_jobs" example:"0"`
}

// SamplingConfig controls a Generate primitive.
type SamplingConfig struct {
	// Maximum number of tokens to generate.
	// example: 32
	MaxGenLength int `json:"max_gen_length,omitempty" yaml:"max_gen_length" example:"32"`
	// Sampling temperature.
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" yaml:"top_p" example:"0.9"`
	// Token ids that terminate generation.
	StopTokenIDs []int `json:"stop_token_ids,omitempty" yaml:"stop_token_ids"`
	// If true generation ignores stop tokens.
	IgnoreTokenizerEOS bool `json:"ignore_tokenizer_eos,omitempty" yaml:"ignore_tokenizer_eos"`
}

// NoneContextID marks the absence of a parent context on the wire.
const NoneContextID = -1
