package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"parrotd/internal/ctxtree"
	"parrotd/internal/dispatch"
	"parrotd/internal/registry"
	"parrotd/internal/tokenizer"
	"parrotd/pkg/types"
)

// EngineClient issues primitives to engines.
type EngineClient interface {
	Fill(ctx context.Context, e *registry.Engine, req types.FillRequest) (types.FillResponse, error)
	Generate(ctx context.Context, e *registry.Engine, req types.GenerateRequest, onToken func(int) error) (types.GenerateChunk, error)
	FreeContext(ctx context.Context, e *registry.Engine, contextID int) (int, error)
}

// Manager is the global scheduler: it owns the engine registry, the
// dispatcher and the context tree, and executes every session's graph.
type Manager struct {
	cfg  Config
	log  zerolog.Logger
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	tree *ctxtree.Tree
	toks *tokenizer.Set

	pubMu sync.RWMutex
	pub   EventPublisher

	// base outlives sessions; running chains issue primitives under it.
	base   context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	chains sync.WaitGroup

	nextTask atomic.Int64

	mu          sync.RWMutex
	sessions    map[int]*Session
	nextSession int
	lastErr     string
	startTime   time.Time
}

// New constructs a Manager from cfg. Call Run to start dispatching.
func New(cfg Config) *Manager {
	cfg.applyDefaults()
	base, cancel := context.WithCancel(context.Background())
	reg := registry.New(cfg.Registry)
	var freer ctxtree.Freer
	if cfg.Client != nil {
		freer = cfg.Client
	}
	m := &Manager{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "manager").Logger(),
		reg:       reg,
		disp:      dispatch.New(cfg.Dispatch, reg),
		tree:      ctxtree.New(ctxtree.Config{PoolSize: cfg.ContextPoolSize, Freer: freer, Logger: cfg.Logger}),
		toks:      cfg.Tokenizers,
		pub:       cfg.Publisher,
		base:      base,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		sessions:  make(map[int]*Session),
		startTime: time.Now(),
	}
	return m
}

// Registry exposes the engine registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Tree exposes the context tree.
func (m *Manager) Tree() *ctxtree.Tree { return m.tree }

// Tokenizers exposes the tokenizer set.
func (m *Manager) Tokenizers() *tokenizer.Set { return m.toks }

// Ready reports whether at least one engine is registered.
func (m *Manager) Ready() bool { return m.reg.Len() > 0 }

// Run drives the dispatch loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.DispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.base.Done():
			return
		case <-t.C:
			m.expireSessions(time.Now())
		case <-m.wake:
		}
		m.DispatchOnce(ctx)
	}
}

// DispatchOnce runs a single placement cycle.
func (m *Manager) DispatchOnce(ctx context.Context) int {
	placed := m.disp.Dispatch(ctx)
	for _, t := range placed {
		m.publish("task_dispatched", t.OwnerID, "task_id", t.ID, "engine_id", t.Engine().ID)
	}
	return len(placed)
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close cancels every chain and waits for them to unwind.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.live.Store(false)
		s.cancel()
	}
	m.mu.Unlock()
	m.cancel()
	m.chains.Wait()
}

// RegisterEngine adds an engine and wakes the dispatcher.
func (m *Manager) RegisterEngine(cfg types.EngineConfig) (int, error) {
	id, err := m.reg.Register(cfg)
	if err != nil {
		return 0, err
	}
	m.publish("engine_registered", 0, "engine_id", id, "name", cfg.Name)
	m.kick()
	return id, nil
}

// EngineHeartbeat records engine telemetry.
func (m *Manager) EngineHeartbeat(req types.EngineHeartbeatRequest) error {
	return m.reg.Heartbeat(req.EngineID, req.RuntimeInfo)
}

// LoadEngines registers every engine described in dir.
func (m *Manager) LoadEngines(dir string) (int, error) {
	cfgs, err := registry.LoadDir(dir)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, c := range cfgs {
		if _, err := m.RegisterEngine(c); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}
