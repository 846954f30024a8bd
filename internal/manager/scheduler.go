package manager

import (
	"context"
	"fmt"

	"parrotd/internal/ctxtree"
	"parrotd/internal/dispatch"
	"parrotd/internal/graph"
	"parrotd/internal/registry"
)

// createTask builds the dispatch unit for chain. Fill contents are
// pre-tokenized for every tokenizer a candidate engine needs.
func (m *Manager) createTask(s *Session, chain *graph.CompletionChain) (*CompletionTask, error) {
	id := int(m.nextTask.Add(1))
	t := &CompletionTask{
		Task:      dispatch.NewTask(id, s.ID, chain.Models, chain.RequestsUpperbound, s),
		Chain:     chain,
		tokenized: make(map[string]map[int][]int),
	}
	for _, name := range m.reg.Tokenizers(chain.Models) {
		if err := m.tokenizeFor(t, name); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (m *Manager) tokenizeFor(t *CompletionTask, name string) error {
	if _, ok := t.tokenized[name]; ok {
		return nil
	}
	byNode := make(map[int][]int)
	for _, n := range t.Chain.FillNodes() {
		content, ok := n.Var.Peek()
		if !ok {
			return fmt.Errorf("tokenize %s: input not ready", n)
		}
		ids, err := m.toks.Tokenize(content, name)
		if err != nil {
			return err
		}
		byNode[n.ID] = ids
	}
	t.tokenized[name] = byNode
	return nil
}

// place queues t and blocks until an engine accepts it.
func (m *Manager) place(ctx context.Context, t *CompletionTask) (*registry.Engine, error) {
	if err := m.disp.Push(t.Task); err != nil {
		return nil, err
	}
	m.kick()
	e, err := t.Wait(ctx)
	if err != nil && t.Engine() != nil {
		// Placed concurrently with cancellation.
		t.Finish()
		return nil, err
	}
	return e, err
}

// resolveContexts assigns one context per node on the task's engine. Each
// node's context is a child of the previous node's, keyed by the node's
// variable, so chains starting with the same inputs share their prefix.
func (m *Manager) resolveContexts(t *CompletionTask) error {
	e := t.Engine()
	var parent *ctxtree.Context
	for _, n := range t.Chain.Nodes {
		c, err := m.tree.ForkShared(e, parent, n.Var.ID)
		if err != nil {
			return err
		}
		t.contexts = append(t.contexts, c)
		parent = c
	}
	return nil
}

// finishTask releases the task's contexts and its engine slot.
func (m *Manager) finishTask(t *CompletionTask) {
	for i := len(t.contexts) - 1; i >= 0; i-- {
		m.tree.Release(t.contexts[i])
	}
	t.contexts = nil
	t.Finish()
}
