package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"parrotd/internal/dispatch"
	"parrotd/internal/manager"
	"parrotd/pkg/types"
)

var _ Service = (*manager.Manager)(nil)

type mockService struct {
	ready     bool
	status    types.StatusResponse
	submitErr error
}

func (m *mockService) CreateSession() int        { return 7 }
func (m *mockService) CloseSession(id int) error { return nil }
func (m *mockService) Submit(int, types.SubmitRequest) (types.SubmitResponse, error) {
	return types.SubmitResponse{}, m.submitErr
}
func (m *mockService) SetVar(int, string, string) (types.VarResponse, error) {
	return types.VarResponse{}, nil
}
func (m *mockService) GetVar(context.Context, int, string, bool) (types.VarResponse, error) {
	return types.VarResponse{}, nil
}
func (m *mockService) RegisterEngine(types.EngineConfig) (int, error)     { return 0, nil }
func (m *mockService) EngineHeartbeat(types.EngineHeartbeatRequest) error { return nil }
func (m *mockService) Status() types.StatusResponse                       { return m.status }
func (m *mockService) Ready() bool                                        { return m.ready }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func newManager(t *testing.T) *manager.Manager {
	t.Helper()
	m := manager.New(manager.Config{})
	t.Cleanup(m.Close)
	return m
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v body=%q", err, w.Body.String())
	}
	return v
}

func TestSessionVarsAndSubmit(t *testing.T) {
	h := NewMux(newManager(t))

	w := do(t, h, http.MethodPost, "/v1/session", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status=%d", w.Code)
	}
	sid := decodeBody[types.SessionResponse](t, w).SessionID
	if sid != 1 {
		t.Fatalf("session id=%d", sid)
	}

	w = do(t, h, http.MethodPut, "/v1/session/1/vars/q", types.SetVarRequest{Content: "why?"})
	if w.Code != http.StatusOK {
		t.Fatalf("set status=%d body=%s", w.Code, w.Body.String())
	}
	if v := decodeBody[types.VarResponse](t, w); !v.Ready || v.Content != "why?" {
		t.Fatalf("unexpected var: %+v", v)
	}
	if w = do(t, h, http.MethodPut, "/v1/session/1/vars/q", types.SetVarRequest{Content: "again"}); w.Code != http.StatusConflict {
		t.Fatalf("second set status=%d", w.Code)
	}
	if w = do(t, h, http.MethodGet, "/v1/session/1/vars/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown var status=%d", w.Code)
	}

	submit := types.SubmitRequest{Chains: []types.ChainSpec{{Nodes: []types.NodeSpec{
		{Kind: "fill", Var: "q"},
		{Kind: "gen", Var: "a"},
	}}}}
	w = do(t, h, http.MethodPost, "/v1/session/1/requests", submit)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decodeBody[types.SubmitResponse](t, w)
	if resp.RequestID == "" || resp.Vars["a"] == "" || resp.Vars["q"] == "" {
		t.Fatalf("unexpected submit response: %+v", resp)
	}

	// No engine is registered, so the generation never completes.
	SetVarWaitTimeout(20 * time.Millisecond)
	defer SetVarWaitTimeout(0)
	if w = do(t, h, http.MethodGet, "/v1/session/1/vars/a?wait=1", nil); w.Code != http.StatusGatewayTimeout {
		t.Fatalf("wait status=%d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/v1/session/1/vars/a", nil)
	if v := decodeBody[types.VarResponse](t, w); w.Code != http.StatusOK || v.Ready {
		t.Fatalf("poll status=%d var=%+v", w.Code, v)
	}

	if w = do(t, h, http.MethodPost, "/v1/session/1/requests", submit); w.Code != http.StatusConflict {
		t.Fatalf("second producer status=%d", w.Code)
	}
	bad := types.SubmitRequest{Chains: []types.ChainSpec{{Nodes: []types.NodeSpec{{Kind: "select", Var: "x"}}}}}
	if w = do(t, h, http.MethodPost, "/v1/session/1/requests", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("bad kind status=%d", w.Code)
	}

	if w = do(t, h, http.MethodDelete, "/v1/session/1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("close status=%d", w.Code)
	}
	if w = do(t, h, http.MethodDelete, "/v1/session/1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("second close status=%d", w.Code)
	}
	if w = do(t, h, http.MethodGet, "/v1/session/1/vars/q", nil); w.Code != http.StatusNotFound {
		t.Fatalf("closed session status=%d", w.Code)
	}
}

func TestRequestValidation(t *testing.T) {
	h := NewMux(&mockService{})
	if w := do(t, h, http.MethodDelete, "/v1/session/abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad sid status=%d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/session/1/requests", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type status=%d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/session/1/requests", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed status=%d", w.Code)
	}
	if e := decodeBody[types.ErrorResponse](t, w); e.Code != http.StatusBadRequest || e.Error != "invalid JSON body" {
		t.Fatalf("unexpected error body: %+v", e)
	}
}

func TestBodyLimit(t *testing.T) {
	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	h := NewMux(&mockService{})
	w := do(t, h, http.MethodPut, "/v1/session/1/vars/q", types.SetVarRequest{Content: strings.Repeat("x", 64)})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized status=%d", w.Code)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{mockHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot},
		{errors.New("boom"), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, c := range cases {
		h := NewMux(&mockService{submitErr: c.err})
		w := do(t, h, http.MethodPost, "/v1/session/1/requests", types.SubmitRequest{})
		if w.Code != c.want {
			t.Fatalf("err %v: status=%d want %d", c.err, w.Code, c.want)
		}
		if e := decodeBody[types.ErrorResponse](t, w); e.Code != c.want || e.Error != c.err.Error() {
			t.Fatalf("unexpected error body: %+v", e)
		}
	}
}

func TestQueueFullIs429(t *testing.T) {
	m := manager.New(manager.Config{Dispatch: dispatch.Config{MaxQueueSize: 1}})
	t.Cleanup(m.Close)
	h := NewMux(m)
	sid := m.CreateSession()
	chain := types.ChainSpec{Nodes: []types.NodeSpec{{Kind: "fill", Text: "x"}, {Kind: "gen"}}}
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue_full"))
	w := do(t, h, http.MethodPost, fmt.Sprintf("/v1/session/%d/requests", sid), types.SubmitRequest{Chains: []types.ChainSpec{chain, chain}})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue_full")); got-before != 1 {
		t.Fatalf("backpressure delta=%v", got-before)
	}
}

func TestEngineRegistrationAndStatus(t *testing.T) {
	h := NewMux(newManager(t))

	if w := do(t, h, http.MethodGet, "/readyz", nil); w.Code != http.StatusServiceUnavailable || w.Body.String() != "loading" {
		t.Fatalf("readyz before registration: %d %q", w.Code, w.Body.String())
	}

	bad := types.RegisterEngineRequest{EngineConfig: types.EngineConfig{Name: "e0"}}
	if w := do(t, h, http.MethodPost, "/register_engine", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("zero capacity status=%d", w.Code)
	}

	reg := types.RegisterEngineRequest{EngineConfig: types.EngineConfig{Name: "e1", Model: "echo", Address: "http://127.0.0.1:1", ThreadsCapacity: 4}}
	w := do(t, h, http.MethodPost, "/register_engine", reg)
	if w.Code != http.StatusOK {
		t.Fatalf("register status=%d body=%s", w.Code, w.Body.String())
	}
	id := decodeBody[types.RegisterEngineResponse](t, w).EngineID

	beat := types.EngineHeartbeatRequest{EngineID: id, EngineName: "e1", RuntimeInfo: types.EngineRuntimeInfo{NumCachedTokens: 12}}
	if w = do(t, h, http.MethodPost, "/engine_heartbeat", beat); w.Code != http.StatusOK {
		t.Fatalf("heartbeat status=%d", w.Code)
	}
	beat.EngineID = id + 100
	if w = do(t, h, http.MethodPost, "/engine_heartbeat", beat); w.Code != http.StatusNotFound {
		t.Fatalf("unknown engine heartbeat status=%d", w.Code)
	}

	if w = do(t, h, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK || w.Body.String() != "ready" {
		t.Fatalf("readyz after registration: %d %q", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/status", nil)
	st := decodeBody[types.StatusResponse](t, w)
	if len(st.Engines) != 1 || st.Engines[0].Name != "e1" || st.Engines[0].NumCachedTokens != 12 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestHealthzAndHeaders(t *testing.T) {
	h := NewMux(&mockService{})
	w := do(t, h, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff header=%q", got)
	}
}

func TestCORSOptIn(t *testing.T) {
	SetCORSOptions(true, []string{"http://example.com"}, []string{"GET", "POST"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)
	h := NewMux(&mockService{})

	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("allow origin=%q", got)
	}

	SetCORSOptions(false, nil, nil, nil)
	h = NewMux(&mockService{})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("cors disabled but allow origin=%q", got)
	}
}

func TestOperationMetrics(t *testing.T) {
	ok := testutil.ToFloat64(apiOpsTotal.WithLabelValues("submit", "ok"))
	conflict := testutil.ToFloat64(apiOpsTotal.WithLabelValues("submit", "conflict"))
	chains := testutil.ToFloat64(submittedChainsTotal)

	svc := &mockService{}
	h := NewMux(svc)
	chain := types.ChainSpec{Nodes: []types.NodeSpec{{Kind: "gen", Var: "a"}}}
	if w := do(t, h, http.MethodPost, "/v1/session/1/requests", types.SubmitRequest{Chains: []types.ChainSpec{chain, chain}}); w.Code != http.StatusAccepted {
		t.Fatalf("submit status=%d", w.Code)
	}
	svc.submitErr = mockHTTPError{msg: "taken", code: http.StatusConflict}
	if w := do(t, h, http.MethodPost, "/v1/session/1/requests", types.SubmitRequest{Chains: []types.ChainSpec{chain}}); w.Code != http.StatusConflict {
		t.Fatalf("conflict status=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/v1/session/1/vars/a?wait=1", nil); w.Code != http.StatusOK {
		t.Fatalf("get status=%d", w.Code)
	}

	if d := testutil.ToFloat64(apiOpsTotal.WithLabelValues("submit", "ok")) - ok; d != 1 {
		t.Fatalf("submit ok delta=%v", d)
	}
	if d := testutil.ToFloat64(apiOpsTotal.WithLabelValues("submit", "conflict")) - conflict; d != 1 {
		t.Fatalf("submit conflict delta=%v", d)
	}
	if d := testutil.ToFloat64(submittedChainsTotal) - chains; d != 2 {
		t.Fatalf("submitted chains delta=%v", d)
	}
	if got := testutil.ToFloat64(varWaiters); got != 0 {
		t.Fatalf("var waiters=%v", got)
	}
}

func TestOutcomeFor(t *testing.T) {
	cases := map[int]string{
		http.StatusOK:                  "ok",
		http.StatusAccepted:            "ok",
		http.StatusTooManyRequests:     "backpressure",
		http.StatusNotFound:            "not_found",
		http.StatusConflict:            "conflict",
		http.StatusGatewayTimeout:      "timeout",
		http.StatusBadRequest:          "invalid",
		499:                            "invalid",
		http.StatusInternalServerError: "error",
	}
	for status, want := range cases {
		if got := outcomeFor(status); got != want {
			t.Fatalf("outcomeFor(%d)=%q want %q", status, got, want)
		}
	}
}

func TestCyclicSubmitIs400(t *testing.T) {
	m := newManager(t)
	h := NewMux(m)
	sid := m.CreateSession()
	req := types.SubmitRequest{Chains: []types.ChainSpec{
		{Nodes: []types.NodeSpec{{Kind: "fill", Var: "y"}, {Kind: "gen", Var: "x"}}},
		{Nodes: []types.NodeSpec{{Kind: "fill", Var: "x"}, {Kind: "gen", Var: "y"}}},
	}}
	w := do(t, h, http.MethodPost, fmt.Sprintf("/v1/session/%d/requests", sid), req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if e := decodeBody[types.ErrorResponse](t, w); !strings.Contains(e.Error, "dependency cycle") {
		t.Fatalf("unexpected error: %+v", e)
	}
}
