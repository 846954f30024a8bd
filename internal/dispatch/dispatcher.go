// Package dispatch places pending tasks onto registered engines under model
// compatibility and capacity constraints.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"parrotd/internal/registry"
)

// Defaults applied when corresponding Config fields are unset.
const defaultMaxQueueSize = 1024

// Config tunes the dispatcher.
type Config struct {
	DAGAware     bool
	AppFIFO      bool
	MaxQueueSize int
	// Tasks pending longer than this fail with a placement timeout. Zero
	// keeps them queued indefinitely.
	MaxPendingWait time.Duration
	// Minimum spacing between liveness sweeps. Zero sweeps on every cycle.
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// queueFullError signals backpressure on Push.
type queueFullError struct {
	size int
	task int
}

func (e queueFullError) Error() string {
	if e.task == 0 {
		return fmt.Sprintf("task queue is full (size %d)", e.size)
	}
	return fmt.Sprintf("task queue is full (size %d); task %d rejected", e.size, e.task)
}

// IsQueueFull reports whether err is pending-queue backpressure.
func IsQueueFull(err error) bool {
	_, ok := err.(queueFullError)
	return ok
}

// placementTimeoutError is delivered to tasks no engine accepted in time.
type placementTimeoutError struct {
	task   int
	waited time.Duration
}

func (e placementTimeoutError) Error() string {
	return fmt.Sprintf("task %d not placed after %s", e.task, e.waited.Round(time.Millisecond))
}

// IsPlacementTimeout reports whether err is a placement timeout.
func IsPlacementTimeout(err error) bool {
	_, ok := err.(placementTimeoutError)
	return ok
}

// Dispatcher holds the pending queue. Safe for concurrent use; Dispatch is
// meant to be driven by a single scheduler loop.
type Dispatcher struct {
	cfg     Config
	policy  Policy
	reg     *registry.Registry
	log     zerolog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	queue    []*Task
	arrival  map[int]uint64
	arrivals uint64
}

// New returns a dispatcher over reg.
func New(cfg Config, reg *registry.Registry) *Dispatcher {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	limit := rate.Inf
	if cfg.SweepInterval > 0 {
		limit = rate.Every(cfg.SweepInterval)
	}
	return &Dispatcher{
		cfg:     cfg,
		policy:  PolicyFor(cfg.DAGAware),
		reg:     reg,
		log:     cfg.Logger.With().Str("component", "dispatcher").Logger(),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		arrival: make(map[int]uint64),
	}
}

// Policy returns the active placement strategy.
func (d *Dispatcher) Policy() Policy { return d.policy }

// Push appends t to the pending queue, or rejects it when the queue is full.
func (d *Dispatcher) Push(t *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) >= d.cfg.MaxQueueSize {
		backpressureTotal.Inc()
		return queueFullError{size: d.cfg.MaxQueueSize, task: t.ID}
	}
	t.enqueuedAt = d.now()
	if _, ok := d.arrival[t.OwnerID]; !ok {
		d.arrivals++
		d.arrival[t.OwnerID] = d.arrivals
	}
	d.queue = append(d.queue, t)
	pendingTasks.Set(float64(len(d.queue)))
	return nil
}

// CheckRoom reports backpressure when n more tasks would overflow the queue.
// Nothing is reserved; Push may still reject under concurrent submissions.
func (d *Dispatcher) CheckRoom(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue)+n > d.cfg.MaxQueueSize {
		backpressureTotal.Inc()
		return queueFullError{size: d.cfg.MaxQueueSize}
	}
	return nil
}

// Pending reports the queue length.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Dispatch sweeps dead engines and places every placeable task in queue
// order. It returns the tasks placed in this cycle.
func (d *Dispatcher) Dispatch(ctx context.Context) []*Task {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return nil
	}
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	if d.limiter.Allow() {
		d.reg.Sweep(ctx)
	}
	engines := d.reg.List()

	if d.cfg.AppFIFO {
		d.mu.Lock()
		sort.SliceStable(queue, func(i, j int) bool {
			return d.arrival[queue[i].OwnerID] < d.arrival[queue[j].OwnerID]
		})
		d.mu.Unlock()
	}

	now := d.now()
	var placed, kept []*Task
	for _, t := range queue {
		if !t.ownerLive() {
			t.abort(StateDropped, ErrDropped)
			droppedTotal.Inc()
			d.log.Debug().Int("task_id", t.ID).Msg("task dropped, owner gone")
			continue
		}
		if e := d.dispatchOne(t, engines); e != nil {
			placed = append(placed, t)
			continue
		}
		if d.cfg.MaxPendingWait > 0 && now.Sub(t.enqueuedAt) > d.cfg.MaxPendingWait {
			err := placementTimeoutError{task: t.ID, waited: now.Sub(t.enqueuedAt)}
			t.abort(StateFailed, err)
			timeoutsTotal.Inc()
			d.log.Warn().Int("task_id", t.ID).Err(err).Msg("placement timed out")
			continue
		}
		kept = append(kept, t)
	}

	d.mu.Lock()
	// Tasks pushed while we were dispatching go after the survivors.
	d.queue = append(kept, d.queue...)
	live := make(map[int]bool, len(d.queue))
	for _, t := range d.queue {
		live[t.OwnerID] = true
	}
	for owner := range d.arrival {
		if !live[owner] {
			delete(d.arrival, owner)
		}
	}
	pendingTasks.Set(float64(len(d.queue)))
	d.mu.Unlock()

	if len(placed) > 0 {
		dispatchedTotal.Add(float64(len(placed)))
		ev := d.log.Debug().Int("dispatched", len(placed))
		for _, t := range placed {
			e := t.Engine()
			ev = ev.Str(fmt.Sprintf("task_%d", t.ID), fmt.Sprintf("%s threads=%d", e, e.NumThreads()))
		}
		ev.Msg("dispatch cycle")
	}
	return placed
}

func (d *Dispatcher) dispatchOne(t *Task, engines []*registry.Engine) *registry.Engine {
	var best *registry.Engine
	bestRemaining := 0
	for _, e := range engines {
		if e.Dead() || !e.Supports(t.Models) {
			continue
		}
		remaining := e.Remaining()
		if remaining <= 0 || !d.policy.Admit(e, t) {
			continue
		}
		if best == nil || d.policy.Prefer(remaining, bestRemaining) {
			best, bestRemaining = e, remaining
		}
	}
	if best == nil || !best.TryAccept() {
		return nil
	}
	t.dispatched(best)
	d.log.Info().Int("task_id", t.ID).Int("engine_id", best.ID).Str("engine", best.Name()).
		Str("policy", d.policy.Name()).Msg("task dispatched")
	return best
}
