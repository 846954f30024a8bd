package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"parrotd/internal/registry"
)

// State is the lifecycle of a task.
type State int

const (
	StateWaiting State = iota
	StateDispatched
	StateRunning
	StateFinished
	StateDropped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateDispatched:
		return "dispatched"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateDropped:
		return "dropped"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrDropped is returned to waiters of a task discarded because its owner died.
var ErrDropped = errors.New("task dropped: owner is no longer live")

// Owner is the session or process a task belongs to.
type Owner interface {
	Live() bool
}

// Task is the unit of work placed onto an engine.
type Task struct {
	ID      int
	OwnerID int
	Models  []string
	// Upperbound is the requests-num upperbound hint; zero means unbounded.
	Upperbound int
	Owner      Owner

	mu         sync.Mutex
	state      State
	engine     *registry.Engine
	err        error
	enqueuedAt time.Time
	placed     chan struct{}
}

// NewTask returns a waiting task.
func NewTask(id, ownerID int, models []string, upperbound int, owner Owner) *Task {
	return &Task{ID: id, OwnerID: ownerID, Models: models, Upperbound: upperbound, Owner: owner, placed: make(chan struct{})}
}

func (t *Task) upperbound() int {
	if t.Upperbound <= 0 {
		return math.MaxInt
	}
	return t.Upperbound
}

func (t *Task) ownerLive() bool { return t.Owner == nil || t.Owner.Live() }

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Engine returns the engine the task was placed on, if any.
func (t *Task) Engine() *registry.Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine
}

// Placed is closed once the task leaves the pending queue.
func (t *Task) Placed() <-chan struct{} { return t.placed }

// Wait blocks until the task is placed and returns its engine, or the reason
// it was dropped or failed.
func (t *Task) Wait(ctx context.Context) (*registry.Engine, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.placed:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine, t.err
}

func (t *Task) dispatched(e *registry.Engine) {
	t.mu.Lock()
	t.state = StateDispatched
	t.engine = e
	t.mu.Unlock()
	close(t.placed)
}

func (t *Task) abort(s State, err error) {
	t.mu.Lock()
	t.state = s
	t.err = err
	t.mu.Unlock()
	close(t.placed)
}

// SetRunning records that primitives are being issued for the task.
func (t *Task) SetRunning() {
	t.mu.Lock()
	if t.state == StateDispatched {
		t.state = StateRunning
	}
	t.mu.Unlock()
}

// Finish marks the task finished and gives its slot back to the engine. It is
// a no-op for tasks that never got a slot or already finished.
func (t *Task) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateDispatched && t.state != StateRunning {
		return
	}
	t.state = StateFinished
	t.engine.Release()
}
