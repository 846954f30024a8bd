// Package backend is a reference inference engine. It keeps engine-local
// KV-cache contexts, admits primitive jobs through the batch scheduler, and
// runs a deterministic echo model: a generation replays its context's prompt
// token by token. It exists so the control plane can be run and tested end to
// end without a real model kernel.
package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"parrotd/internal/batch"
	"parrotd/internal/tokenizer"
	"parrotd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxBatchSize       = 64
	defaultMaxTokensSum       = 8192
	defaultStepInterval       = 2 * time.Millisecond
	defaultCacheBytesPerToken = 1024
)

// Config tunes the engine.
type Config struct {
	Engine             types.EngineConfig
	MaxBatchSize       int
	MaxTokensSum       int
	StepInterval       time.Duration
	CacheBytesPerToken int64
	Tokenizers         *tokenizer.Set
	Logger             zerolog.Logger
}

// contextNotFoundError is returned for unknown context ids (404).
type contextNotFoundError struct{ id int }

func (e contextNotFoundError) Error() string { return fmt.Sprintf("context not found: %d", e.id) }

// IsContextNotFound reports whether err refers to an unknown context.
func IsContextNotFound(err error) bool {
	_, ok := err.(contextNotFoundError)
	return ok
}

// localContext is one engine-resident cache segment.
type localContext struct {
	id     int
	parent *localContext
	tokens []int
}

// lineage returns the tokens of every ancestor followed by c's own.
func (c *localContext) lineage() []int {
	var segs [][]int
	n := 0
	for p := c; p != nil; p = p.parent {
		segs = append(segs, p.tokens)
		n += len(p.tokens)
	}
	out := make([]int, 0, n)
	for i := len(segs) - 1; i >= 0; i-- {
		out = append(out, segs[i]...)
	}
	return out
}

type jobKind int

const (
	jobFill jobKind = iota
	jobGen
)

// job is one primitive as admitted by the batch scheduler.
type job struct {
	kind     jobKind
	eng      *Engine
	ctx      *localContext
	tokens   []int
	sampling types.SamplingConfig

	// gen state, owned by the step loop
	prompt    []int
	limit     int
	generated []int
	stream    chan int

	finished atomic.Bool
	done     chan struct{}
	err      error
}

func (j *job) ContextLen() int {
	j.eng.mu.Lock()
	defer j.eng.mu.Unlock()
	n := len(j.tokens)
	for p := j.ctx; p != nil; p = p.parent {
		n += len(p.tokens)
	}
	return n
}

func (j *job) Finished() bool { return j.finished.Load() }

func (j *job) finish(err error) {
	if j.finished.Swap(true) {
		return
	}
	j.err = err
	if j.stream != nil {
		close(j.stream)
	}
	close(j.done)
}

// Engine is the reference engine. Safe for concurrent use.
type Engine struct {
	cfg   Config
	log   zerolog.Logger
	sched *batch.Scheduler
	toks  *tokenizer.Set

	mu       sync.Mutex
	contexts map[int]*localContext
	wake     chan struct{}
}

// New validates cfg and returns an idle engine. Call Run to start stepping.
func New(cfg Config) (*Engine, error) {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MaxTokensSum <= 0 {
		cfg.MaxTokensSum = defaultMaxTokensSum
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = defaultStepInterval
	}
	if cfg.CacheBytesPerToken <= 0 {
		cfg.CacheBytesPerToken = defaultCacheBytesPerToken
	}
	if cfg.Tokenizers == nil {
		cfg.Tokenizers = tokenizer.NewSet()
	}
	if cfg.Engine.Tokenizer == "" {
		cfg.Engine.Tokenizer = tokenizer.ByteName
	}
	sched, err := batch.New(batch.Config{MaxBatchSize: cfg.MaxBatchSize, MaxTokensSum: cfg.MaxTokensSum})
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "engine").Str("engine", cfg.Engine.Name).Logger(),
		sched:    sched,
		toks:     cfg.Tokenizers,
		contexts: make(map[int]*localContext),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Config returns the registration config of the engine.
func (e *Engine) Config() types.EngineConfig { return e.cfg.Engine }

// resolve returns the context id, creating it under parentID when new.
func (e *Engine) resolve(id, parentID int) (*localContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.contexts[id]; ok {
		return c, nil
	}
	var parent *localContext
	if parentID != types.NoneContextID {
		p, ok := e.contexts[parentID]
		if !ok {
			return nil, contextNotFoundError{id: parentID}
		}
		parent = p
	}
	c := &localContext{id: id, parent: parent}
	e.contexts[id] = c
	return c, nil
}

// admit hands j to the batch scheduler. A job that could never fit in a
// step is rejected instead of blocking the queue behind it.
func (e *Engine) admit(j *job) error {
	if n := j.ContextLen(); n > e.cfg.MaxTokensSum {
		return fmt.Errorf("context %d holds %d tokens, above max_tokens_sum %d", j.ctx.id, n, e.cfg.MaxTokensSum)
	}
	e.sched.Add(j)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, j *job) error {
	if err := e.admit(j); err != nil {
		return err
	}
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fill appends the request's tokens (or tokenized text) to its context.
func (e *Engine) Fill(ctx context.Context, req types.FillRequest) (int, error) {
	tokens := req.TokenIDs
	if len(tokens) == 0 && req.Text != "" {
		ids, err := e.toks.Tokenize(req.Text, e.cfg.Engine.Tokenizer)
		if err != nil {
			return 0, err
		}
		tokens = ids
	}
	c, err := e.resolve(req.ContextID, req.ParentContextID)
	if err != nil {
		return 0, err
	}
	j := &job{kind: jobFill, eng: e, ctx: c, tokens: tokens, done: make(chan struct{})}
	if err := e.submit(ctx, j); err != nil {
		return 0, err
	}
	return len(tokens), nil
}

// Generate runs a generation in the request's context. Tokens are sent on
// the returned channel as they are produced; the channel is closed when the
// job ends, after which wait returns the generated ids.
func (e *Engine) Generate(ctx context.Context, req types.GenerateRequest) (<-chan int, func() ([]int, error), error) {
	c, err := e.resolve(req.ContextID, req.ParentContextID)
	if err != nil {
		return nil, nil, err
	}
	j := &job{kind: jobGen, eng: e, ctx: c, sampling: req.Sampling, done: make(chan struct{})}
	e.mu.Lock()
	j.prompt = c.lineage()
	e.mu.Unlock()
	j.limit = req.Sampling.MaxGenLength
	if j.limit <= 0 {
		j.limit = len(j.prompt)
	}
	j.stream = make(chan int, j.limit+1)
	if err := e.admit(j); err != nil {
		return nil, nil, err
	}
	wait := func() ([]int, error) {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if j.err != nil {
			return nil, j.err
		}
		return j.generated, nil
	}
	return j.stream, wait, nil
}

// Detokenize decodes ids with the engine's tokenizer.
func (e *Engine) Detokenize(ids []int) (string, error) {
	return e.toks.Detokenize(ids, e.cfg.Engine.Tokenizer)
}

// FreeContext drops a context and returns the tokens it held. Children keep
// their own segments; only the freed context's tokens are released.
func (e *Engine) FreeContext(id int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[id]
	if !ok {
		return 0, contextNotFoundError{id: id}
	}
	delete(e.contexts, id)
	return len(c.tokens), nil
}

// RuntimeInfo reports cache and job telemetry.
func (e *Engine) RuntimeInfo() types.EngineRuntimeInfo {
	e.mu.Lock()
	n := 0
	for _, c := range e.contexts {
		n += len(c.tokens)
	}
	e.mu.Unlock()
	return types.EngineRuntimeInfo{
		NumCachedTokens: n,
		CacheMemBytes:   int64(n) * e.cfg.CacheBytesPerToken,
		NumRunningJobs:  e.sched.NumRunning(),
		NumWaitingJobs:  e.sched.NumWaiting(),
	}
}

// Run steps the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.cfg.StepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-e.wake:
		}
		for e.Step() > 0 {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Step runs one inference step over the admitted batch and returns its size.
func (e *Engine) Step() int {
	running := e.sched.Schedule(false)
	if len(running) == 0 {
		return 0
	}
	start := time.Now()
	e.mu.Lock()
	for _, bj := range running {
		j := bj.(*job)
		if j.Finished() {
			continue
		}
		switch j.kind {
		case jobFill:
			j.ctx.tokens = append(j.ctx.tokens, j.tokens...)
			j.finish(nil)
		case jobGen:
			e.stepGen(j)
		}
	}
	cached := 0
	for _, c := range e.contexts {
		cached += len(c.tokens)
	}
	e.mu.Unlock()
	e.sched.Finish()

	stepsTotal.Inc()
	batchSize.Observe(float64(len(running)))
	stepDuration.Observe(time.Since(start).Seconds())
	cachedTokens.Set(float64(cached))
	return len(running)
}

// stepGen produces one echoed token. Called with e.mu held.
func (e *Engine) stepGen(j *job) {
	if len(j.generated) >= j.limit || len(j.prompt) == 0 {
		j.finish(nil)
		return
	}
	tok := j.prompt[len(j.generated)%len(j.prompt)]
	j.ctx.tokens = append(j.ctx.tokens, tok)
	j.generated = append(j.generated, tok)
	j.stream <- tok
	if isStop(tok, j.sampling) || len(j.generated) >= j.limit {
		j.finish(nil)
	}
}

func isStop(tok int, sc types.SamplingConfig) bool {
	for _, s := range sc.StopTokenIDs {
		if s == tok {
			return true
		}
	}
	return false
}
