package manager

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"parrotd/internal/ctxtree"
	"parrotd/internal/graph"
	"parrotd/internal/registry"
	"parrotd/pkg/types"
)

// AddRequest inserts r into the session's graph and starts one goroutine per
// completion chain.
func (m *Manager) AddRequest(s *Session, r *graph.RequestChain) error {
	if err := s.graph.Insert(r); err != nil {
		return err
	}
	for _, c := range r.Chains {
		c := c
		m.chains.Add(1)
		s.chains.Add(1)
		go func() {
			defer m.chains.Done()
			defer s.chains.Done()
			m.runChain(s, c)
		}()
	}
	m.publish("request_added", s.ID, "request_id", r.ID, "chains", len(r.Chains))
	return nil
}

func (m *Manager) runChain(s *Session, c *graph.CompletionChain) {
	log := m.log.With().Int("session_id", s.ID).Str("request_id", c.Request.ID).Int("chain_id", c.ID).Logger()

	if err := waitInputs(s.ctx, c); err != nil {
		m.failChain(s, c, nil, fmt.Errorf("wait inputs: %w", err))
		return
	}

	release, err := m.admitChain(s.ctx, s)
	if err != nil {
		m.failChain(s, c, nil, err)
		return
	}
	defer release()

	t, err := m.createTask(s, c)
	if err != nil {
		m.failChain(s, c, nil, err)
		return
	}
	e, err := m.place(s.ctx, t)
	if err != nil {
		m.failChain(s, c, nil, fmt.Errorf("placement: %w", err))
		return
	}
	defer m.finishTask(t)
	log.Debug().Int("task_id", t.ID).Str("engine", e.Name()).Msg("chain placed")

	if err := m.resolveContexts(t); err != nil {
		m.failChain(s, c, nil, err)
		return
	}
	t.SetRunning()
	for i, n := range c.Nodes {
		if err := m.runNode(s, t, n, t.contexts[i]); err != nil {
			m.failChain(s, c, e, err)
			return
		}
	}
	chainsTotal.WithLabelValues("done").Inc()
	m.publish("chain_done", s.ID, "chain_id", c.ID, "engine_id", e.ID)
	log.Debug().Msg("chain done")
}

// waitInputs blocks until every Fill variable of c is ready. It fails fast on
// the first failed input.
func waitInputs(ctx context.Context, c *graph.CompletionChain) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range c.FillNodes() {
		v := n.Var
		g.Go(func() error {
			_, err := v.Get(gctx)
			return err
		})
	}
	return g.Wait()
}

// runNode executes one node against its context. A context already filled
// by a chain sharing the prefix is skipped; one in flight on another chain is
// waited on.
func (m *Manager) runNode(s *Session, t *CompletionTask, n *graph.Node, c *ctxtree.Context) error {
	if !c.TryStart() {
		if err := c.WaitReady(m.base); err != nil {
			return fmt.Errorf("%s: shared context: %w", n, err)
		}
		return nil
	}
	var err error
	switch n.Kind {
	case graph.KindFill:
		err = m.fill(s, t, n, c)
	case graph.KindGen:
		err = m.generate(s, t, n, c)
	}
	if err != nil {
		c.MarkFailed(err)
		return err
	}
	c.MarkReady()
	return nil
}

func (m *Manager) fill(s *Session, t *CompletionTask, n *graph.Node, c *ctxtree.Context) error {
	e := c.Engine
	content, _ := n.Var.Peek()
	req := types.FillRequest{
		SessionID:       s.ID,
		TaskID:          t.ID,
		ContextID:       c.ID,
		ParentContextID: c.ParentID(),
		Position:        n.Pos,
	}
	if e.RequiresTokenIDs() {
		if err := m.tokenizeFor(t, e.Tokenizer()); err != nil {
			return err
		}
		req.TokenIDs = t.tokenized[e.Tokenizer()][n.ID]
	} else {
		req.Text = content
	}

	start := time.Now()
	resp, err := m.cfg.Client.Fill(m.base, e, req)
	primitiveDuration.WithLabelValues("fill").Observe(time.Since(start).Seconds())
	if err != nil {
		primitivesTotal.WithLabelValues("fill", "error").Inc()
		return primitiveError{op: "fill", engine: e.ID, err: err}
	}
	primitivesTotal.WithLabelValues("fill", "ok").Inc()
	m.tree.Extend(c, resp.NumFilledTokens)
	return nil
}

func (m *Manager) generate(s *Session, t *CompletionTask, n *graph.Node, c *ctxtree.Context) error {
	e := c.Engine
	req := types.GenerateRequest{
		SessionID:       s.ID,
		TaskID:          t.ID,
		ContextID:       c.ID,
		ParentContextID: c.ParentID(),
		Position:        n.Pos,
		Sampling:        n.Sampling,
	}

	start := time.Now()
	last, err := m.cfg.Client.Generate(m.base, e, req, nil)
	primitiveDuration.WithLabelValues("gen").Observe(time.Since(start).Seconds())
	if err != nil {
		primitivesTotal.WithLabelValues("gen", "error").Inc()
		return primitiveError{op: "generate", engine: e.ID, err: err}
	}
	primitivesTotal.WithLabelValues("gen", "ok").Inc()

	text := last.Text
	if e.RequiresTokenIDs() {
		if text, err = m.toks.Detokenize(last.GeneratedIDs, e.Tokenizer()); err != nil {
			return err
		}
	}
	m.tree.Extend(c, len(last.GeneratedIDs))
	n.Var.Assign(text)
	return nil
}

// failChain records err on the chain, fails its outputs so consumers
// observe it, and flags the engine when a primitive was at fault.
func (m *Manager) failChain(s *Session, c *graph.CompletionChain, e *registry.Engine, err error) {
	c.SetErr(err)
	for _, n := range c.GenNodes() {
		n.Var.Fail(fmt.Errorf("chain %d failed: %w", c.ID, err))
	}
	if _, ok := err.(primitiveError); ok && e != nil {
		m.reg.RaiseException(e.ID, err)
	}
	m.setLastError(err)
	chainsTotal.WithLabelValues("failed").Inc()
	m.publish("chain_failed", s.ID, "chain_id", c.ID, "error", err.Error())
	m.log.Warn().Int("session_id", s.ID).Int("chain_id", c.ID).Err(err).Msg("chain failed")
}
