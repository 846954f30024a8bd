package manager

import (
	"time"

	"github.com/rs/zerolog"

	"parrotd/internal/dispatch"
	"parrotd/internal/registry"
	"parrotd/internal/tokenizer"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultDispatchInterval  = 10 * time.Millisecond
	defaultMaxInflightChains = 64
)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Dispatch dispatch.Config
	Registry registry.Config
	// Capacity of the context-id pool.
	ContextPoolSize int
	// Period of the dispatch loop. Submissions also wake it immediately.
	DispatchInterval time.Duration
	// Chains of one session allowed past input readiness at once.
	MaxInflightChains int64
	// Idle sessions without running chains are closed after this. Zero keeps
	// them until closed explicitly.
	SessionTTL time.Duration

	Client     EngineClient
	Tokenizers *tokenizer.Set
	Publisher  EventPublisher
	// Shared by the registry and dispatcher.
	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaultDispatchInterval
	}
	if c.MaxInflightChains <= 0 {
		c.MaxInflightChains = defaultMaxInflightChains
	}
	if c.Tokenizers == nil {
		c.Tokenizers = tokenizer.NewSet()
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	c.Dispatch.Logger = c.Logger
	c.Registry.Logger = c.Logger
}
