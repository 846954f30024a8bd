package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parrotd/internal/registry"
	"parrotd/internal/tokenizer"
	"parrotd/pkg/types"
)

// fakeClient is an in-memory engine: Generate echoes the concatenated
// lineage of the context it runs in.
type fakeClient struct {
	mu      sync.Mutex
	parents map[int]int
	tokens  map[int][]int
	texts   map[int]string
	fills   []types.FillRequest
	freed   []int
	genErr  error
	// Closed to release Generate calls when set.
	gate chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{parents: map[int]int{}, tokens: map[int][]int{}, texts: map[int]string{}}
}

func (f *fakeClient) Fill(ctx context.Context, e *registry.Engine, req types.FillRequest) (types.FillResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, req)
	f.parents[req.ContextID] = req.ParentContextID
	if e.RequiresTokenIDs() {
		f.tokens[req.ContextID] = append(f.tokens[req.ContextID], req.TokenIDs...)
		return types.FillResponse{NumFilledTokens: len(req.TokenIDs)}, nil
	}
	f.texts[req.ContextID] += req.Text
	return types.FillResponse{NumFilledTokens: len(req.Text)}, nil
}

func (f *fakeClient) Generate(ctx context.Context, e *registry.Engine, req types.GenerateRequest, onToken func(int) error) (types.GenerateChunk, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return types.GenerateChunk{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.genErr != nil {
		return types.GenerateChunk{}, f.genErr
	}
	f.parents[req.ContextID] = req.ParentContextID
	var ids []int
	text := ""
	for c := req.ParentContextID; c != types.NoneContextID; c = f.parents[c] {
		ids = append(append([]int(nil), f.tokens[c]...), ids...)
		text = f.texts[c] + text
	}
	if n := req.Sampling.MaxGenLength; n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	f.tokens[req.ContextID] = ids
	return types.GenerateChunk{Done: true, GeneratedIDs: ids, Text: text}, nil
}

func (f *fakeClient) FreeContext(ctx context.Context, e *registry.Engine, contextID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.tokens[contextID]) + len(f.texts[contextID])
	delete(f.tokens, contextID)
	delete(f.texts, contextID)
	delete(f.parents, contextID)
	f.freed = append(f.freed, contextID)
	return n, nil
}

func (f *fakeClient) numFills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fills)
}

func (f *fakeClient) numFreed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.freed)
}

// newTestManager starts a manager with a running dispatch loop.
func newTestManager(t *testing.T, fc *fakeClient, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Client:           fc,
		Tokenizers:       tokenizer.NewSet(),
		DispatchInterval: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		m.Close()
	})
	return m
}

func registerEngine(t *testing.T, m *Manager, name string, capacity int, tokenIDs bool) int {
	t.Helper()
	id, err := m.RegisterEngine(types.EngineConfig{
		Name:            name,
		Model:           "echo",
		Tokenizer:       tokenizer.ByteName,
		ThreadsCapacity: capacity,
		TokenIDs:        tokenIDs,
	})
	require.NoError(t, err)
	return id
}

func waitVar(t *testing.T, m *Manager, sid int, name string) types.VarResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := m.GetVar(ctx, sid, name, true)
	require.NoError(t, err)
	require.True(t, v.Ready, "variable %s not ready", name)
	return v
}

func fill(name string) types.NodeSpec { return types.NodeSpec{Kind: "fill", Var: name} }

func text(s string) types.NodeSpec { return types.NodeSpec{Kind: "fill", Text: s} }

func gen(name string) types.NodeSpec { return types.NodeSpec{Kind: "gen", Var: name} }
