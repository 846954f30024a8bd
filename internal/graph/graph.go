// Package graph records submitted programs as an append-only arena of Fill and
// Generate nodes. Producer and consumer edges between nodes and semantic
// variables are kept as index lists keyed by variable id.
package graph

import (
	"fmt"
	"sync"

	"parrotd/internal/semvar"
	"parrotd/pkg/types"
)

// Kind distinguishes Fill from Generate nodes.
type Kind int

const (
	KindFill Kind = iota
	KindGen
)

func (k Kind) String() string {
	if k == KindGen {
		return "gen"
	}
	return "fill"
}

// Node is one primitive step of a completion chain.
type Node struct {
	ID       int
	Kind     Kind
	Var      *semvar.Var
	Sampling types.SamplingConfig
	Chain    *CompletionChain
	// Pos is the node's index inside its chain.
	Pos int
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)#%d", n.Kind, n.Var.Name, n.ID)
}

// CompletionChain is an ordered run of nodes producing one generation result.
type CompletionChain struct {
	ID                 int
	Request            *RequestChain
	Nodes              []*Node
	Models             []string
	RequestsUpperbound int

	mu  sync.Mutex
	err error
}

// Fill appends a node consuming v.
func (c *CompletionChain) Fill(v *semvar.Var) *Node {
	n := &Node{ID: -1, Kind: KindFill, Var: v, Chain: c, Pos: len(c.Nodes)}
	c.Nodes = append(c.Nodes, n)
	return n
}

// Gen appends a node producing v.
func (c *CompletionChain) Gen(v *semvar.Var, sc types.SamplingConfig) *Node {
	n := &Node{ID: -1, Kind: KindGen, Var: v, Sampling: sc, Chain: c, Pos: len(c.Nodes)}
	c.Nodes = append(c.Nodes, n)
	return n
}

// FillNodes returns the chain's inputs in order.
func (c *CompletionChain) FillNodes() []*Node { return c.filter(KindFill) }

// GenNodes returns the chain's outputs in order.
func (c *CompletionChain) GenNodes() []*Node { return c.filter(KindGen) }

func (c *CompletionChain) filter(k Kind) []*Node {
	var out []*Node
	for _, n := range c.Nodes {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// SetErr records the first failure of the chain.
func (c *CompletionChain) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the recorded failure.
func (c *CompletionChain) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RequestChain groups the completion chains of one submission.
type RequestChain struct {
	ID     string
	Chains []*CompletionChain
}

// NewRequestChain returns an empty request.
func NewRequestChain(id string) *RequestChain { return &RequestChain{ID: id} }

// AddChain appends an empty completion chain.
func (r *RequestChain) AddChain(models []string, upperbound int) *CompletionChain {
	c := &CompletionChain{ID: -1, Request: r, Models: models, RequestsUpperbound: upperbound}
	r.Chains = append(r.Chains, c)
	return c
}

// conflictingProducerError rejects a second writer of a variable.
type conflictingProducerError struct{ name string }

func (e conflictingProducerError) Error() string {
	return "semantic variable already has a producer: " + e.name
}

// IsConflictingProducer reports whether err rejected a second producer.
func IsConflictingProducer(err error) bool {
	_, ok := err.(conflictingProducerError)
	return ok
}

// dependencyCycleError rejects a request whose chains wait on each other.
type dependencyCycleError struct{ name string }

func (e dependencyCycleError) Error() string {
	return "dependency cycle through semantic variable " + e.name
}

// IsDependencyCycle reports whether err rejected a cyclic request.
func IsDependencyCycle(err error) bool {
	_, ok := err.(dependencyCycleError)
	return ok
}

// Graph is the per-session compute graph. Safe for concurrent use.
type Graph struct {
	mu        sync.RWMutex
	nodes     []*Node
	chains    []*CompletionChain
	requests  map[string]*RequestChain
	producers map[string]int
	consumers map[string][]int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		requests:  make(map[string]*RequestChain),
		producers: make(map[string]int),
		consumers: make(map[string][]int),
	}
}

// Insert validates r and appends its nodes. Validation happens before any
// mutation, so a rejected request leaves the graph untouched.
func (g *Graph) Insert(r *RequestChain) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.requests[r.ID]; dup {
		return fmt.Errorf("request %s already inserted", r.ID)
	}
	pending := map[string]bool{}
	for _, c := range r.Chains {
		if len(c.Nodes) == 0 {
			return fmt.Errorf("request %s: empty completion chain", r.ID)
		}
		produced := map[string]bool{}
		for _, n := range c.Nodes {
			if n.Kind != KindGen {
				continue
			}
			id := n.Var.ID
			if _, ok := g.producers[id]; ok || pending[id] || n.Var.Ready() {
				return conflictingProducerError{name: n.Var.Name}
			}
			pending[id] = true
			produced[id] = true
		}
		for _, n := range c.Nodes {
			if n.Kind == KindFill && produced[n.Var.ID] {
				return fmt.Errorf("request %s: chain consumes its own output %s", r.ID, n.Var.Name)
			}
		}
	}
	if err := g.checkAcyclicLocked(r); err != nil {
		return err
	}

	for _, c := range r.Chains {
		c.ID = len(g.chains)
		g.chains = append(g.chains, c)
		for _, n := range c.Nodes {
			n.ID = len(g.nodes)
			g.nodes = append(g.nodes, n)
			if n.Kind == KindGen {
				g.producers[n.Var.ID] = n.ID
			} else {
				g.consumers[n.Var.ID] = append(g.consumers[n.Var.ID], n.ID)
			}
		}
	}
	g.requests[r.ID] = r
	return nil
}

// checkAcyclicLocked walks from each new chain to the chains producing its
// inputs, over both inserted and pending chains. The inserted graph is already
// acyclic, so any cycle passes through r.
func (g *Graph) checkAcyclicLocked(r *RequestChain) error {
	producer := make(map[string]*CompletionChain, len(g.producers))
	for id, nid := range g.producers {
		producer[id] = g.nodes[nid].Chain
	}
	for _, c := range r.Chains {
		for _, n := range c.GenNodes() {
			producer[n.Var.ID] = c
		}
	}

	const (
		visiting = 1
		done     = 2
	)
	state := map[*CompletionChain]int{}
	var visit func(c *CompletionChain) error
	visit = func(c *CompletionChain) error {
		state[c] = visiting
		for _, n := range c.Nodes {
			if n.Kind != KindFill || n.Var.Ready() {
				continue
			}
			p, ok := producer[n.Var.ID]
			if !ok {
				continue
			}
			switch state[p] {
			case visiting:
				return dependencyCycleError{name: n.Var.Name}
			case 0:
				if err := visit(p); err != nil {
					return err
				}
			}
		}
		state[c] = done
		return nil
	}
	for _, c := range r.Chains {
		if state[c] == 0 {
			if err := visit(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id int) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id < 0 || id >= len(g.nodes) {
		return nil, false
	}
	return g.nodes[id], true
}

// Producer returns the node writing the variable with id varID.
func (g *Graph) Producer(varID string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.producers[varID]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// Consumers returns the Fill nodes reading the variable with id varID.
func (g *Graph) Consumers(varID string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.consumers[varID]
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id])
	}
	return out
}

// Request looks up an inserted request.
func (g *Graph) Request(id string) (*RequestChain, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.requests[id]
	return r, ok
}

// NumNodes reports the arena size.
func (g *Graph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// NumChains reports the number of completion chains.
func (g *Graph) NumChains() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.chains)
}
