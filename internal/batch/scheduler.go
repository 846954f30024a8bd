// Package batch implements the per-engine admission policy that picks which
// primitive jobs run in the next inference step.
package batch

import (
	"fmt"
	"sync"
)

// Job is a primitive job as seen by the scheduler.
type Job interface {
	// ContextLen is the number of tokens the job's context occupies.
	ContextLen() int
	// Finished reports whether the job's completion signal has fired.
	Finished() bool
}

// Config bounds one inference step.
type Config struct {
	MaxBatchSize int
	MaxTokensSum int
}

// Scheduler keeps a FIFO waiting queue and a running set. Safe for concurrent use.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	waiting []Job
	running []Job
}

// New validates cfg and returns an empty scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.MaxBatchSize <= 0 || cfg.MaxTokensSum <= 0 {
		return nil, fmt.Errorf("batch: invalid config %+v", cfg)
	}
	return &Scheduler{cfg: cfg}, nil
}

// Config returns the bounds in use.
func (s *Scheduler) Config() Config { return s.cfg }

// Add enqueues job at the tail of the waiting queue.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	s.waiting = append(s.waiting, job)
	s.mu.Unlock()
}

// Schedule admits waiting jobs in order until the next one would break the
// token-sum or batch-size bound; it never skips over a blocked job. It returns
// a snapshot of the running set and clears the set when consume is true.
//
// A job whose ContextLen alone exceeds MaxTokensSum is never admitted and
// blocks every job behind it. Callers must reject such jobs before Add.
func (s *Scheduler) Schedule(consume bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := 0
	for _, j := range s.running {
		tokens += j.ContextLen()
	}
	n := len(s.running)
	admitted := 0
	for _, j := range s.waiting {
		l := j.ContextLen()
		if tokens+l > s.cfg.MaxTokensSum || n+1 > s.cfg.MaxBatchSize {
			break
		}
		s.running = append(s.running, j)
		tokens += l
		n++
		admitted++
	}
	if admitted > 0 {
		s.waiting = append(s.waiting[:0:0], s.waiting[admitted:]...)
	}

	out := make([]Job, len(s.running))
	copy(out, s.running)
	if consume {
		s.running = nil
	}
	return out
}

// Finish removes every running job whose completion signal has fired.
func (s *Scheduler) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.running[:0]
	for _, j := range s.running {
		if !j.Finished() {
			kept = append(kept, j)
		}
	}
	for i := len(kept); i < len(s.running); i++ {
		s.running[i] = nil
	}
	s.running = kept
}

// NumRunning reports the size of the running set.
func (s *Scheduler) NumRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// NumWaiting reports the length of the waiting queue.
func (s *Scheduler) NumWaiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// NumTotal reports waiting plus running jobs.
func (s *Scheduler) NumTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting) + len(s.running)
}

// Empty reports whether no job is waiting or running.
func (s *Scheduler) Empty() bool { return s.NumTotal() == 0 }
