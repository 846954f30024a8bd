// Package idpool hands out small integer ids from a bounded range, preferring
// the most recently freed id.
package idpool

import (
	"fmt"
	"sync"
)

const none = -1

// Pool is a bounded integer-id allocator. Safe for concurrent use.
type Pool struct {
	mu         sync.Mutex
	used       []bool
	recentFree int
	live       int
}

// New returns a pool serving ids in [0, size).
func New(size int) *Pool {
	if size <= 0 {
		panic(fmt.Sprintf("idpool: invalid size %d", size))
	}
	return &Pool{used: make([]bool, size), recentFree: none}
}

// exhaustedError is returned when every id is live.
type exhaustedError struct{ size int }

func (e exhaustedError) Error() string {
	return fmt.Sprintf("id pool exhausted (size %d)", e.size)
}

// IsExhausted reports whether err signals an exhausted pool.
func IsExhausted(err error) bool {
	_, ok := err.(exhaustedError)
	return ok
}

// Allocate returns a free id. The id released by the latest Free is handed out
// first; otherwise the lowest never-busy id is used.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := none
	if p.recentFree != none {
		id = p.recentFree
		p.recentFree = none
	} else {
		for i, busy := range p.used {
			if !busy {
				id = i
				break
			}
		}
	}
	if id == none {
		return none, exhaustedError{size: len(p.used)}
	}
	p.used[id] = true
	p.live++
	return id, nil
}

// Free returns id to the pool. Freeing an id that is not live panics.
func (p *Pool) Free(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.used) || !p.used[id] {
		panic(fmt.Sprintf("idpool: id %d is already free", id))
	}
	p.used[id] = false
	p.recentFree = id
	p.live--
}

// Live reports the number of allocated ids.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Size reports the pool capacity.
func (p *Pool) Size() int { return len(p.used) }
