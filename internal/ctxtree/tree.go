// Package ctxtree tracks KV-cache lineage. A Context is one engine-resident
// cache segment; children forked from it share its prefix. Contexts are
// reference counted by the tasks using them and by their live children, and
// freed on the engine once nothing refers to them.
package ctxtree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parrotd/internal/idpool"
	"parrotd/internal/registry"
	"parrotd/pkg/types"
)

// Context is a KV-cache segment owned by one engine.
type Context struct {
	ID     int
	Engine *registry.Engine
	Parent *Context

	tree *Tree
	key  string

	mu      sync.Mutex
	tokens  int
	started bool
	ready   chan struct{}
	err     error

	// guarded by tree.mu
	refs  int
	freed bool
}

// ParentID returns the parent's id, or types.NoneContextID for a root.
func (c *Context) ParentID() int {
	if c.Parent == nil {
		return types.NoneContextID
	}
	return c.Parent.ID
}

// Tokens is the local token count; ancestors' tokens are not included.
func (c *Context) Tokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// TryStart marks the context started. It reports false when another path
// already started it; that caller must WaitReady instead of issuing work.
func (c *Context) TryStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return false
	}
	c.started = true
	return true
}

// Started reports whether a primitive has been issued against the context.
func (c *Context) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// MarkReady signals that the in-flight primitive completed.
func (c *Context) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// MarkFailed signals that the in-flight primitive failed. Waiters receive err
// and the context is no longer offered for prefix sharing.
func (c *Context) MarkFailed(err error) {
	c.mu.Lock()
	select {
	case <-c.ready:
		c.mu.Unlock()
		return
	default:
	}
	c.err = err
	close(c.ready)
	c.mu.Unlock()
	if c.tree != nil {
		c.tree.unshare(c)
	}
}

// IsReady reports whether the context completed (successfully or not).
func (c *Context) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Err returns the failure recorded by MarkFailed.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WaitReady blocks until the context completes or ctx is done.
func (c *Context) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ready:
		return c.Err()
	}
}

func (c *Context) String() string {
	return fmt.Sprintf("ctx#%d(parent=%d engine=%d)", c.ID, c.ParentID(), c.Engine.ID)
}

// Freer releases an engine's cache for a context id.
type Freer interface {
	FreeContext(ctx context.Context, e *registry.Engine, contextID int) (int, error)
}

// Config tunes the tree.
type Config struct {
	// Capacity of the context-id pool.
	PoolSize int
	// Optional; without it ids are recycled but engines are not told.
	Freer       Freer
	FreeTimeout time.Duration
	Logger      zerolog.Logger
}

const (
	DefaultPoolSize    = 4096
	defaultFreeTimeout = 10 * time.Second
)

type shareKey struct {
	engine int
	parent int
	key    string
}

// Tree owns every live context. Safe for concurrent use.
type Tree struct {
	cfg  Config
	log  zerolog.Logger
	pool *idpool.Pool

	mu     sync.Mutex
	live   map[int]*Context
	shared map[shareKey]*Context
}

// New returns an empty tree.
func New(cfg Config) *Tree {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.FreeTimeout <= 0 {
		cfg.FreeTimeout = defaultFreeTimeout
	}
	return &Tree{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "ctxtree").Logger(),
		pool:   idpool.New(cfg.PoolSize),
		live:   make(map[int]*Context),
		shared: make(map[shareKey]*Context),
	}
}

// Fork creates a context on e under parent (nil for a root) holding one
// reference for the caller. Forking across engines panics.
func (t *Tree) Fork(e *registry.Engine, parent *Context) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forkLocked(e, parent, "")
}

// ForkShared returns the live context forked from parent on e under key,
// adding a reference, or forks a new one registered under key.
func (t *Tree) ForkShared(e *registry.Engine, parent *Context, key string) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sk := shareKey{engine: e.ID, parent: types.NoneContextID, key: key}
	if parent != nil {
		sk.parent = parent.ID
	}
	if c, ok := t.shared[sk]; ok {
		c.refs++
		return c, nil
	}
	c, err := t.forkLocked(e, parent, key)
	if err != nil {
		return nil, err
	}
	t.shared[sk] = c
	return c, nil
}

func (t *Tree) forkLocked(e *registry.Engine, parent *Context, key string) (*Context, error) {
	if parent != nil {
		if parent.Engine.ID != e.ID {
			panic(fmt.Sprintf("ctxtree: fork of %s onto engine %d crosses engines", parent, e.ID))
		}
		if parent.freed {
			panic(fmt.Sprintf("ctxtree: fork of freed %s", parent))
		}
	}
	id, err := t.pool.Allocate()
	if err != nil {
		return nil, err
	}
	c := &Context{ID: id, Engine: e, Parent: parent, tree: t, key: key, ready: make(chan struct{}), refs: 1}
	if parent != nil {
		parent.refs++
	}
	t.live[id] = c
	return c, nil
}

// Extend adds n tokens to the context's local segment.
func (t *Tree) Extend(c *Context, n int) {
	c.mu.Lock()
	c.tokens += n
	c.mu.Unlock()
}

// Release drops one reference. A context reaching zero is freed and the
// reference it held on its parent is released in turn. Its id returns to the
// pool only after the engine has dropped the cache, so a concurrent Fork can
// never reuse an id whose free is still in flight.
func (t *Tree) Release(c *Context) {
	var freed []*Context
	t.mu.Lock()
	for c != nil {
		if c.refs <= 0 || c.freed {
			t.mu.Unlock()
			panic(fmt.Sprintf("ctxtree: release of unreferenced %s", c))
		}
		c.refs--
		if c.refs > 0 {
			break
		}
		c.freed = true
		delete(t.live, c.ID)
		t.unshareLocked(c)
		freed = append(freed, c)
		c = c.Parent
	}
	t.mu.Unlock()

	for _, f := range freed {
		t.freeOnEngine(f)
		t.pool.Free(f.ID)
	}
}

func (t *Tree) freeOnEngine(c *Context) {
	if t.cfg.Freer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FreeTimeout)
	defer cancel()
	n, err := t.cfg.Freer.FreeContext(ctx, c.Engine, c.ID)
	if err != nil {
		t.log.Warn().Err(err).Int("context_id", c.ID).Int("engine_id", c.Engine.ID).Msg("free context failed")
		return
	}
	t.log.Debug().Int("context_id", c.ID).Int("freed_tokens", n).Msg("context freed")
}

func (t *Tree) unshare(c *Context) {
	t.mu.Lock()
	t.unshareLocked(c)
	t.mu.Unlock()
}

func (t *Tree) unshareLocked(c *Context) {
	if c.key == "" {
		return
	}
	sk := shareKey{engine: c.Engine.ID, parent: c.ParentID(), key: c.key}
	if t.shared[sk] == c {
		delete(t.shared, sk)
	}
}

// MemoryUsage estimates the bytes held by c from its engine's telemetry.
func (t *Tree) MemoryUsage(c *Context) float64 {
	rt := c.Engine.Runtime()
	if rt.NumCachedTokens <= 0 {
		return 0
	}
	perToken := float64(rt.CacheMemBytes) / float64(rt.NumCachedTokens)
	return perToken * float64(c.Tokens())
}

// Get looks up a live context.
func (t *Tree) Get(id int) (*Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.live[id]
	return c, ok
}

// Live reports the number of live contexts.
func (t *Tree) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}
