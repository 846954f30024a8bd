package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"parrotd/internal/backend"
	"parrotd/internal/config"
	"parrotd/internal/transport"
	"parrotd/pkg/types"
)

func newEngineCmd(o *options) *cobra.Command {
	var (
		name         string
		addr         string
		controlPlane string
		capacity     int
	)
	cmd := &cobra.Command{
		Use:     "engine",
		Short:   "Run the reference echo engine and register it with a control plane",
		Example: "  parrotd engine --name e0 --addr :9090 --control-plane http://127.0.0.1:8080",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := o.cfg
			f := cmd.Flags()
			if f.Changed("name") {
				cfg.Engine.Name = name
			}
			if f.Changed("addr") {
				cfg.Engine.Addr = addr
				cfg.Engine.AdvertiseURL = ""
				cfg.ApplyDefaults()
			}
			if f.Changed("control-plane") {
				cfg.Engine.ControlPlane = controlPlane
			}
			if f.Changed("threads-capacity") {
				cfg.Engine.ThreadsCapacity = capacity
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg, o.log)
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", config.DefaultEngineName, "Engine name")
	f.StringVar(&addr, "addr", config.DefaultEngineAddr, "Engine listen address")
	f.StringVar(&controlPlane, "control-plane", envStr("PARROTD_CONTROL_PLANE", ""), "Control plane base URL")
	f.IntVar(&capacity, "threads-capacity", config.DefaultThreadsCapacity, "Tasks the engine accepts at once")
	return cmd
}

// engineConfig maps the file config onto the reference engine.
func engineConfig(cfg config.Config, log zerolog.Logger) backend.Config {
	ec := cfg.Engine
	return backend.Config{
		Engine: types.EngineConfig{
			Name:               ec.Name,
			Model:              ec.Model,
			Tokenizer:          ec.Tokenizer,
			Address:            ec.AdvertiseURL,
			ThreadsCapacity:    ec.ThreadsCapacity,
			RequestsUpperbound: ec.RequestsUpperbound,
			TokenIDs:           true,
		},
		MaxBatchSize: ec.MaxBatchSize,
		MaxTokensSum: ec.MaxTokensSum,
		StepInterval: ec.StepInterval.D(),
		Logger:       log,
	}
}

func runEngine(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	eng, err := backend.New(engineConfig(cfg, log))
	if err != nil {
		return err
	}
	go eng.Run(ctx)

	agent := &backend.Agent{
		Engine:   eng,
		Plane:    transport.NewControlPlane(cfg.Engine.ControlPlane, transportConfig(cfg, log)),
		Interval: cfg.Engine.HeartbeatInterval.D(),
		Logger:   log,
	}
	go agent.Run(ctx)

	srv := backend.NewServer(cfg.Engine.Addr, eng)
	log.Info().Str("addr", cfg.Engine.Addr).Str("advertise", cfg.Engine.AdvertiseURL).
		Str("control_plane", cfg.Engine.ControlPlane).Msg("parrotd engine listening")
	return serveUntilDone(ctx, srv, cfg.HTTP.ShutdownTimeout.D(), log)
}
