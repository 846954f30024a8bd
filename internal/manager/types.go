package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"parrotd/internal/ctxtree"
	"parrotd/internal/dispatch"
	"parrotd/internal/graph"
	"parrotd/internal/semvar"
)

// Session is one client program: its named variables, its compute graph and
// the chains running on its behalf.
type Session struct {
	ID    int
	graph *graph.Graph

	// ctx is cancelled on close; chains still waiting for inputs or placement
	// observe it, chains already running do not.
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	live     atomic.Bool
	inflight atomic.Int64
	chains   sync.WaitGroup

	mu         sync.Mutex
	vars       map[string]*semvar.Var
	lastActive time.Time
}

// Live reports whether the session is still open. It makes Session a
// dispatch.Owner.
func (s *Session) Live() bool { return s.live.Load() }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// CompletionTask is the dispatch unit for one completion chain, plus the
// state resolved once it is placed.
type CompletionTask struct {
	*dispatch.Task
	Chain *graph.CompletionChain

	// Token ids of each Fill node keyed by tokenizer name then node id.
	tokenized map[string]map[int][]int
	// One context per node, in chain order, each holding a reference for
	// this task.
	contexts []*ctxtree.Context
}
