package transport

import (
	"context"
	"strings"
	"time"

	"parrotd/pkg/types"
)

// ControlPlane is the engine-side client for registration and heartbeats.
type ControlPlane struct {
	base    string
	timeout time.Duration
	c       *Client
}

// NewControlPlane returns a client for the control plane at baseURL.
func NewControlPlane(baseURL string, cfg Config) *ControlPlane {
	c := New(cfg)
	return &ControlPlane{base: strings.TrimRight(baseURL, "/"), timeout: c.cfg.ConnectTimeout * 2, c: c}
}

// RegisterEngine announces cfg and returns the assigned engine id.
func (p *ControlPlane) RegisterEngine(ctx context.Context, cfg types.EngineConfig) (int, error) {
	var out types.RegisterEngineResponse
	if err := p.post(ctx, "register_engine", types.RegisterEngineRequest{EngineConfig: cfg}, &out); err != nil {
		return 0, err
	}
	return out.EngineID, nil
}

// SendHeartbeat pushes runtime telemetry for a registered engine.
func (p *ControlPlane) SendHeartbeat(ctx context.Context, req types.EngineHeartbeatRequest) error {
	return p.post(ctx, "engine_heartbeat", req, &struct{}{})
}

func (p *ControlPlane) post(ctx context.Context, op string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := post(ctx, p.c.http, "control plane", p.base+"/"+op, op, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOptional(resp.Body, out)
}
