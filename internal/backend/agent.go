package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"parrotd/internal/transport"
	"parrotd/pkg/types"
)

const defaultHeartbeatInterval = 5 * time.Second

// ControlPlane is the subset of transport.ControlPlane the agent uses.
type ControlPlane interface {
	RegisterEngine(ctx context.Context, cfg types.EngineConfig) (int, error)
	SendHeartbeat(ctx context.Context, req types.EngineHeartbeatRequest) error
}

// Agent registers an engine with the control plane and keeps it alive with
// periodic heartbeats. An engine forgotten by the control plane (after a
// restart or a sweep) registers again.
type Agent struct {
	Engine   *Engine
	Plane    ControlPlane
	Interval time.Duration
	Logger   zerolog.Logger

	id int
}

// ID returns the engine id assigned by the last registration.
func (a *Agent) ID() int { return a.id }

// Register announces the engine once.
func (a *Agent) Register(ctx context.Context) error {
	id, err := a.Plane.RegisterEngine(ctx, a.Engine.Config())
	if err != nil {
		return err
	}
	a.id = id
	a.Logger.Info().Int("engine_id", id).Str("name", a.Engine.Config().Name).Msg("registered with control plane")
	return nil
}

// Run registers, retrying until it succeeds, then heartbeats until ctx is done.
func (a *Agent) Run(ctx context.Context) {
	interval := a.Interval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	registered := false
	for {
		if !registered {
			if err := a.Register(ctx); err != nil {
				a.Logger.Warn().Err(err).Msg("register failed; retrying")
			} else {
				registered = true
			}
		} else {
			err := a.Plane.SendHeartbeat(ctx, types.EngineHeartbeatRequest{
				EngineID:    a.id,
				EngineName:  a.Engine.Config().Name,
				RuntimeInfo: a.Engine.RuntimeInfo(),
			})
			switch {
			case err == nil:
			case transport.StatusCode(err) == http.StatusNotFound:
				a.Logger.Warn().Int("engine_id", a.id).Msg("control plane forgot engine; re-registering")
				registered = false
				continue
			default:
				a.Logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
