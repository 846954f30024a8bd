package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"parrotd/pkg/types"
)

// Engine is the control plane's view of one backend inference engine.
type Engine struct {
	ID     int
	Config types.EngineConfig

	mu         sync.Mutex
	remaining  int
	numThreads int
	runtime    types.EngineRuntimeInfo
	lastSeen   time.Time
	dead       bool
	suspect    error
}

// NewEngine builds an engine record with its full capacity available.
func NewEngine(id int, cfg types.EngineConfig) *Engine {
	return &Engine{ID: id, Config: cfg, remaining: cfg.ThreadsCapacity, lastSeen: time.Now()}
}

func (e *Engine) Name() string      { return e.Config.Name }
func (e *Engine) Model() string     { return e.Config.Model }
func (e *Engine) Address() string   { return e.Config.Address }
func (e *Engine) Tokenizer() string { return e.Config.Tokenizer }

// RequiresTokenIDs reports whether primitives must carry token ids instead of text.
func (e *Engine) RequiresTokenIDs() bool { return e.Config.TokenIDs }

// Supports reports whether the engine serves one of models. An empty set
// matches any engine.
func (e *Engine) Supports(models []string) bool {
	if len(models) == 0 {
		return true
	}
	for _, m := range models {
		if m == e.Config.Model {
			return true
		}
	}
	return false
}

// Upperbound is the engine's own requests-num upperbound; zero in config means
// unbounded.
func (e *Engine) Upperbound() int {
	if e.Config.RequestsUpperbound <= 0 {
		return math.MaxInt
	}
	return e.Config.RequestsUpperbound
}

// Remaining reports free task slots.
func (e *Engine) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remaining
}

// NumThreads reports tasks currently placed on the engine.
func (e *Engine) NumThreads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numThreads
}

// TryAccept takes one slot if any is left.
func (e *Engine) TryAccept() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remaining <= 0 {
		return false
	}
	e.remaining--
	e.numThreads++
	return true
}

// Release gives back a slot taken by TryAccept.
func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.numThreads == 0 {
		panic(fmt.Sprintf("registry: engine %d released more slots than accepted", e.ID))
	}
	e.remaining++
	e.numThreads--
}

// Runtime returns the latest telemetry.
func (e *Engine) Runtime() types.EngineRuntimeInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtime
}

// SetRuntime records telemetry and refreshes the liveness timestamp.
func (e *Engine) SetRuntime(info types.EngineRuntimeInfo, at time.Time) {
	e.mu.Lock()
	e.runtime = info
	e.lastSeen = at
	e.mu.Unlock()
}

// LastSeen is the time of the last heartbeat or successful probe.
func (e *Engine) LastSeen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// Dead reports whether the engine failed its liveness check.
func (e *Engine) Dead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dead
}

// Suspect returns the failure that flagged the engine, if any.
func (e *Engine) Suspect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspect
}

func (e *Engine) String() string { return fmt.Sprintf("%s(id=%d)", e.Config.Name, e.ID) }

// Prober checks an engine and returns fresh telemetry.
type Prober interface {
	Heartbeat(ctx context.Context, e *Engine) (types.EngineRuntimeInfo, error)
}

// Config tunes liveness handling.
type Config struct {
	// Engines silent for longer than this are swept. Zero disables the check.
	HeartbeatTimeout time.Duration
	// Deadline applied to each probe.
	ProbeTimeout time.Duration
	// Optional active prober. Without it only heartbeats and suspicion count.
	Prober Prober
	Logger zerolog.Logger
}

const defaultProbeTimeout = 3 * time.Second

// unknownEngineError is returned for operations on unregistered engine ids.
type unknownEngineError struct{ id int }

func (e unknownEngineError) Error() string { return fmt.Sprintf("unknown engine: %d", e.id) }

// IsUnknownEngine reports whether err refers to an unregistered engine.
func IsUnknownEngine(err error) bool {
	_, ok := err.(unknownEngineError)
	return ok
}

// Registry owns every registered engine. Safe for concurrent use.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu      sync.RWMutex
	engines map[int]*Engine
	nextID  int
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Registry{cfg: cfg, log: cfg.Logger.With().Str("component", "registry").Logger(), engines: make(map[int]*Engine)}
}

// Register validates cfg and assigns an engine id.
func (r *Registry) Register(cfg types.EngineConfig) (int, error) {
	if cfg.ThreadsCapacity <= 0 {
		return 0, fmt.Errorf("register engine %q: threads_capacity must be positive", cfg.Name)
	}
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("engine-%d", id)
	}
	e := NewEngine(id, cfg)
	r.engines[id] = e
	r.mu.Unlock()
	r.log.Info().Int("engine_id", id).Str("name", cfg.Name).Str("model", cfg.Model).
		Int("capacity", cfg.ThreadsCapacity).Msg("engine registered")
	return id, nil
}

// Heartbeat records telemetry pushed by an engine.
func (r *Registry) Heartbeat(id int, info types.EngineRuntimeInfo) error {
	e, ok := r.Get(id)
	if !ok {
		return unknownEngineError{id: id}
	}
	e.SetRuntime(info, time.Now())
	r.log.Debug().Int("engine_id", id).Int("cached_tokens", info.NumCachedTokens).Msg("heartbeat")
	return nil
}

// Get looks up an engine.
func (r *Registry) Get(id int) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	return e, ok
}

// List returns live engines in registration order.
func (r *Registry) List() []*Engine {
	r.mu.RLock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of registered engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Tokenizers returns the distinct tokenizer names of engines that need token ids
// and serve one of models.
func (r *Registry) Tokenizers(models []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range r.List() {
		if !e.RequiresTokenIDs() || !e.Supports(models) || seen[e.Tokenizer()] {
			continue
		}
		seen[e.Tokenizer()] = true
		out = append(out, e.Tokenizer())
	}
	return out
}

// RaiseException flags an engine after a failed primitive. The next Sweep
// decides whether it stays.
func (r *Registry) RaiseException(id int, err error) {
	e, ok := r.Get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.suspect == nil {
		e.suspect = err
	}
	e.mu.Unlock()
	r.log.Warn().Int("engine_id", id).Err(err).Msg("engine flagged suspect")
}

// Remove drops an engine from the registry.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	delete(r.engines, id)
	r.mu.Unlock()
}

// Sweep refreshes liveness of every engine and removes the dead ones. It
// returns the ids removed.
func (r *Registry) Sweep(ctx context.Context) []int {
	engines := r.List()
	now := time.Now()

	var g errgroup.Group
	for _, e := range engines {
		e := e
		g.Go(func() error {
			r.check(ctx, e, now)
			return nil
		})
	}
	_ = g.Wait()

	var removed []int
	for _, e := range engines {
		if !e.Dead() {
			continue
		}
		r.Remove(e.ID)
		removed = append(removed, e.ID)
		r.log.Warn().Int("engine_id", e.ID).Str("name", e.Name()).Msg("engine removed")
	}
	return removed
}

func (r *Registry) check(ctx context.Context, e *Engine, now time.Time) {
	if r.cfg.Prober != nil {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		info, err := r.cfg.Prober.Heartbeat(pctx, e)
		cancel()
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			e.dead = true
			if e.suspect == nil {
				e.suspect = err
			}
			return
		}
		e.runtime = info
		e.lastSeen = time.Now()
		e.suspect = nil
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.suspect != nil {
		e.dead = true
		return
	}
	if r.cfg.HeartbeatTimeout > 0 && now.Sub(e.lastSeen) > r.cfg.HeartbeatTimeout {
		e.dead = true
		e.suspect = fmt.Errorf("no heartbeat for %s", now.Sub(e.lastSeen).Round(time.Millisecond))
	}
}
