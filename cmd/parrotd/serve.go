package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"parrotd/internal/config"
	"parrotd/internal/dispatch"
	"parrotd/internal/httpapi"
	"parrotd/internal/manager"
	"parrotd/internal/registry"
	"parrotd/internal/transport"
)

func newServeCmd(o *options) *cobra.Command {
	var (
		addr        string
		enginesDir  string
		corsOrigins string
		dagAware    bool
		appFIFO     bool
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the control plane",
		Example: "  parrotd serve --addr :8080 --dag-aware\n  parrotd serve --config parrotd.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := o.cfg
			f := cmd.Flags()
			if f.Changed("addr") {
				cfg.Addr = addr
			}
			if f.Changed("engines-dir") {
				cfg.Registry.EnginesDir = enginesDir
			}
			if f.Changed("dag-aware") {
				cfg.Dispatcher.DAGAware = dagAware
			}
			if f.Changed("app-fifo") {
				cfg.Dispatcher.AppFIFO = appFIFO
			}
			if f.Changed("cors-origins") {
				cfg.HTTP.CORSEnabled = true
				cfg.HTTP.CORSOrigins = splitCSV(corsOrigins)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, o.log)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", envStr("PARROTD_ADDR", config.DefaultAddr), "HTTP listen address, e.g. :8080")
	f.StringVar(&enginesDir, "engines-dir", "", "Directory of static engine registrations")
	f.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins (enables CORS)")
	f.BoolVar(&dagAware, "dag-aware", false, "Place tasks with the DAG-aware policy")
	f.BoolVar(&appFIFO, "app-fifo", false, "Order pending tasks by session arrival")
	return cmd
}

// managerConfig maps the file config onto the scheduler's components.
func managerConfig(cfg config.Config, client *transport.Client, log zerolog.Logger) manager.Config {
	return manager.Config{
		Dispatch: dispatch.Config{
			DAGAware:       cfg.Dispatcher.DAGAware,
			AppFIFO:        cfg.Dispatcher.AppFIFO,
			MaxQueueSize:   cfg.Dispatcher.MaxQueueSize,
			MaxPendingWait: cfg.Dispatcher.MaxPendingWait.D(),
			SweepInterval:  cfg.Scheduler.SweepInterval.D(),
		},
		Registry: registry.Config{
			HeartbeatTimeout: cfg.Registry.HeartbeatTimeout.D(),
			ProbeTimeout:     cfg.Registry.ProbeTimeout.D(),
			Prober:           client,
		},
		ContextPoolSize:   cfg.Scheduler.ContextPoolSize,
		DispatchInterval:  cfg.Scheduler.DispatchInterval.D(),
		MaxInflightChains: cfg.Session.MaxInflightChains,
		SessionTTL:        cfg.Session.SessionTTL.D(),
		Client:            client,
		Logger:            log,
	}
}

func transportConfig(cfg config.Config, log zerolog.Logger) transport.Config {
	return transport.Config{
		PrimitiveTimeout: cfg.Transport.PrimitiveTimeout.D(),
		ConnectTimeout:   cfg.Transport.ConnectTimeout.D(),
		Logger:           log,
	}
}

// configureHTTP installs the process-wide HTTP layer settings.
func configureHTTP(ctx context.Context, cfg config.Config, log zerolog.Logger) {
	httpapi.SetLogger(log)
	httpapi.SetDefaultLogLevel(cfg.LogLevel)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetVarWaitTimeout(cfg.HTTP.VarWaitTimeout.D())
	httpapi.SetCORSOptions(cfg.HTTP.CORSEnabled, cfg.HTTP.CORSOrigins, cfg.HTTP.CORSMethods, cfg.HTTP.CORSHeaders)
}

func runServe(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	client := transport.New(transportConfig(cfg, log))
	mgr := manager.New(managerConfig(cfg, client, log))
	defer mgr.Close()

	if dir := cfg.Registry.EnginesDir; dir != "" {
		n, err := mgr.LoadEngines(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("some engine registrations were skipped")
		}
		log.Info().Int("engines", n).Str("dir", dir).Msg("static engines loaded")
	}
	go mgr.Run(ctx)

	configureHTTP(ctx, cfg, log)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Info().Str("addr", cfg.Addr).Bool("dag_aware", cfg.Dispatcher.DAGAware).Bool("app_fifo", cfg.Dispatcher.AppFIFO).Msg("parrotd control plane listening")
	return serveUntilDone(ctx, srv, cfg.HTTP.ShutdownTimeout.D(), log)
}

// serveUntilDone runs srv until it fails or ctx ends, then shuts it down.
func serveUntilDone(ctx context.Context, srv *http.Server, grace time.Duration, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
