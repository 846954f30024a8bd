package e2e

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parrotd/internal/dispatch"
	"parrotd/pkg/types"
)

func TestEchoGenerationOverHTTP(t *testing.T) {
	cp := startControlPlane(t, dispatch.Config{})
	startEngine(t, cp, "e0", 4)
	cp.waitEngines(t, 1)

	sid := cp.openSession(t)
	require.Equal(t, http.StatusOK, call(t, http.MethodPut, cp.varURL(sid, "q"), types.SetVarRequest{Content: "hello"}, nil))
	resp := cp.submit(t, sid, types.SubmitRequest{Chains: []types.ChainSpec{{
		Nodes: []types.NodeSpec{text("Q: "), fill("q"), gen("a")},
	}}})
	assert.NotEmpty(t, resp.RequestID)

	a := cp.await(t, sid, "a")
	assert.True(t, a.Ready)
	assert.Empty(t, a.Error)
	assert.Equal(t, "Q: hello", a.Content)

	// Contexts go back to the pool once the chain ends.
	require.Eventually(t, func() bool { return cp.status(t).LiveContexts == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusNoContent, call(t, http.MethodDelete, fmt.Sprintf("%s/v1/session/%d", cp.srv.URL, sid), nil, nil))
}

func TestDependentChainsAcrossEngines(t *testing.T) {
	cp := startControlPlane(t, dispatch.Config{DAGAware: true})
	startEngine(t, cp, "e0", 2)
	startEngine(t, cp, "e1", 2)
	cp.waitEngines(t, 2)

	sid := cp.openSession(t)
	// The second chain reads the first chain's output.
	cp.submit(t, sid, types.SubmitRequest{Chains: []types.ChainSpec{
		{Nodes: []types.NodeSpec{fill("draft"), gen("final")}},
		{Nodes: []types.NodeSpec{text("ab"), gen("draft")}},
	}})

	assert.Equal(t, "ab", cp.await(t, sid, "draft").Content)
	assert.Equal(t, "ab", cp.await(t, sid, "final").Content)

	// A later request may consume existing outputs, but not produce them again.
	code := call(t, http.MethodPost, fmt.Sprintf("%s/v1/session/%d/requests", cp.srv.URL, sid), types.SubmitRequest{Chains: []types.ChainSpec{
		{Nodes: []types.NodeSpec{fill("q"), gen("final")}},
	}}, nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestDeadEngineIsSwept(t *testing.T) {
	cp := startControlPlane(t, dispatch.Config{})
	e0 := startEngine(t, cp, "e0", 1)
	startEngine(t, cp, "e1", 1)
	cp.waitEngines(t, 2)

	e0.stop()
	require.Eventually(t, func() bool {
		st := cp.status(t)
		return len(st.Engines) == 1 && st.Engines[0].Name == "e1"
	}, 5*time.Second, 20*time.Millisecond)

	sid := cp.openSession(t)
	cp.submit(t, sid, types.SubmitRequest{Chains: []types.ChainSpec{{Nodes: []types.NodeSpec{text("still up"), gen("out")}}}})
	assert.Equal(t, "still up", cp.await(t, sid, "out").Content)
}

func TestUnknownSessionAndVar(t *testing.T) {
	cp := startControlPlane(t, dispatch.Config{})
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, cp.varURL(42, "x"), nil, nil))
	sid := cp.openSession(t)
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, cp.varURL(sid, "x"), nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, call(t, http.MethodGet, cp.srv.URL+"/readyz", nil, nil))
}
