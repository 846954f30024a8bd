// Package e2e runs the control plane and reference engines in process and
// drives them over HTTP.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"parrotd/internal/backend"
	"parrotd/internal/dispatch"
	"parrotd/internal/httpapi"
	"parrotd/internal/manager"
	"parrotd/internal/registry"
	"parrotd/internal/transport"
	"parrotd/pkg/types"
)

type controlPlane struct {
	srv *httptest.Server
	mgr *manager.Manager
}

func startControlPlane(t *testing.T, dcfg dispatch.Config) *controlPlane {
	t.Helper()
	client := transport.New(transport.Config{PrimitiveTimeout: 5 * time.Second, HeartbeatRetries: 1})
	if dcfg.SweepInterval == 0 {
		dcfg.SweepInterval = 20 * time.Millisecond
	}
	mgr := manager.New(manager.Config{
		Dispatch:         dcfg,
		Registry:         registry.Config{Prober: client, ProbeTimeout: time.Second},
		DispatchInterval: 5 * time.Millisecond,
		Client:           client,
		Logger:           zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Run(ctx)
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		mgr.Close()
	})
	return &controlPlane{srv: srv, mgr: mgr}
}

type engineProc struct {
	srv    *httptest.Server
	eng    *backend.Engine
	agent  *backend.Agent
	cancel context.CancelFunc
}

// stop takes the engine off the network and silences its agent.
func (p *engineProc) stop() {
	p.cancel()
	p.srv.CloseClientConnections()
	p.srv.Close()
}

// startEngine runs a reference engine whose agent registers it with cp.
func startEngine(t *testing.T, cp *controlPlane, name string, capacity int) *engineProc {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	eng, err := backend.New(backend.Config{
		Engine: types.EngineConfig{
			Name:            name,
			Model:           "echo",
			Address:         "http://" + srv.Listener.Addr().String(),
			ThreadsCapacity: capacity,
			TokenIDs:        true,
		},
		StepInterval: time.Millisecond,
	})
	require.NoError(t, err)
	srv.Config.Handler = backend.NewMux(eng)
	srv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	agent := &backend.Agent{
		Engine:   eng,
		Plane:    transport.NewControlPlane(cp.srv.URL, transport.Config{}),
		Interval: 20 * time.Millisecond,
	}
	go agent.Run(ctx)
	p := &engineProc{srv: srv, eng: eng, agent: agent, cancel: cancel}
	t.Cleanup(p.stop)
	return p
}

func call(t *testing.T, method, url string, in, out any) int {
	t.Helper()
	var body bytes.Buffer
	if in != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(in))
	}
	req, err := http.NewRequest(method, url, &body)
	require.NoError(t, err)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (cp *controlPlane) openSession(t *testing.T) int {
	t.Helper()
	var s types.SessionResponse
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, cp.srv.URL+"/v1/session", nil, &s))
	return s.SessionID
}

func (cp *controlPlane) varURL(sid int, name string) string {
	return fmt.Sprintf("%s/v1/session/%d/vars/%s", cp.srv.URL, sid, name)
}

func (cp *controlPlane) submit(t *testing.T, sid int, req types.SubmitRequest) types.SubmitResponse {
	t.Helper()
	var resp types.SubmitResponse
	code := call(t, http.MethodPost, fmt.Sprintf("%s/v1/session/%d/requests", cp.srv.URL, sid), req, &resp)
	require.Equal(t, http.StatusAccepted, code)
	return resp
}

func (cp *controlPlane) await(t *testing.T, sid int, name string) types.VarResponse {
	t.Helper()
	var v types.VarResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, cp.varURL(sid, name)+"?wait=1", nil, &v))
	return v
}

func (cp *controlPlane) status(t *testing.T) types.StatusResponse {
	t.Helper()
	var st types.StatusResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, cp.srv.URL+"/status", nil, &st))
	return st
}

func (cp *controlPlane) waitEngines(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(cp.status(t).Engines) == n }, 5*time.Second, 10*time.Millisecond)
}

func fill(name string) types.NodeSpec { return types.NodeSpec{Kind: "fill", Var: name} }

func text(s string) types.NodeSpec { return types.NodeSpec{Kind: "fill", Text: s} }

func gen(name string) types.NodeSpec { return types.NodeSpec{Kind: "gen", Var: name} }
