// Package semvar implements semantic variables: named single-assignment values
// that flow between generation calls. A variable is unset until it is either
// assigned content or failed with an error; both transitions are permanent.
package semvar

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var counter atomic.Int64

// Var is a single-assignment future. Safe for concurrent use.
type Var struct {
	ID   string
	Name string

	mu      sync.RWMutex
	set     bool
	content string
	err     error
	done    chan struct{}
}

// New creates an unset variable. An empty name is replaced by a generated one.
func New(name string) *Var {
	if name == "" {
		name = fmt.Sprintf("var_%d", counter.Add(1))
	}
	return &Var{ID: uuid.NewString(), Name: name, done: make(chan struct{})}
}

// NewReady creates a variable that already holds content.
func NewReady(name, content string) *Var {
	v := New(name)
	v.Assign(content)
	return v
}

// Assign sets the content and wakes every waiter. Assigning a variable that
// is already set or failed panics.
func (v *Var) Assign(content string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.set {
		panic(fmt.Sprintf("semvar: variable %q (%s) assigned twice", v.Name, v.ID))
	}
	v.set = true
	v.content = content
	close(v.done)
}

// Fail stores err in place of content. It reports false, and changes nothing,
// when the variable was already set or failed.
func (v *Var) Fail(err error) bool {
	if err == nil {
		panic("semvar: Fail with nil error")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.set {
		return false
	}
	v.set = true
	v.err = err
	close(v.done)
	return true
}

// Ready reports whether the variable holds content or an error.
func (v *Var) Ready() bool {
	select {
	case <-v.done:
		return true
	default:
		return false
	}
}

// Done is closed once the variable is ready.
func (v *Var) Done() <-chan struct{} { return v.done }

// Get blocks until the variable is ready or ctx is done.
func (v *Var) Get(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-v.done:
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.content, v.err
}

// Peek returns the current content without blocking. ok is false while the
// variable is unset or failed.
func (v *Var) Peek() (content string, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.content, v.set && v.err == nil
}

// Err returns the stored failure, if any.
func (v *Var) Err() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.err
}

func (v *Var) String() string { return v.Name }
