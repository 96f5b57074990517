package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ptyhive/internal/classify"
	"ptyhive/internal/config"
	"ptyhive/internal/realtime"
	"ptyhive/internal/session"
	"ptyhive/internal/watcher"
)

// serveFlags maps config keys to serve's flags.
var serveFlags = map[string]string{
	"server.addr":       "addr",
	"server.token":      "token",
	"server.static_dir": "static-dir",
	"sessions.max":      "max-sessions",
	"sessions.shell":    "shell",
	"catalog.path":      "catalog",
	"trace.file":        "trace-file",
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Flags(), serveFlags)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "listen address (default :8420)")
	flags.String("token", "", "bearer token required from clients")
	flags.String("static-dir", "", "directory of static files served at /")
	flags.Int("max-sessions", 0, "maximum concurrent sessions")
	flags.String("shell", "", "command run when a session names none (default $SHELL)")
	flags.String("catalog", "", "pattern catalog file (YAML)")
	flags.String("trace-file", "", "append OpenTelemetry spans to this file")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := stderrLogger(cfg.Log.Level)

	mgrOpts := append(cfg.Sessions.ManagerOptions(),
		session.WithLogger(logger.With("component", "session")))

	if cfg.Trace.File != "" {
		tp, shutdown, err := setupTracing(cfg.Trace.File)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("flush traces", "error", err)
			}
		}()
		mgrOpts = append(mgrOpts, session.WithTracer(tp.Tracer("ptyhive/session")))
	}

	store := classify.DefaultStore()
	if cfg.Catalog.Path != "" {
		w := watcher.New(cfg.Catalog.Path, store, watcher.WithLogger(logger.With("component", "catalog")))
		if err := w.Load(); err != nil {
			return err
		}
		if cfg.Catalog.Watch {
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Shutdown()
		}
	}
	mgrOpts = append(mgrOpts, session.WithPatterns(store))

	sessMgr := session.NewManager(cfg.Sessions.Max, mgrOpts...)

	srvOpts := []realtime.Option{
		realtime.WithLogger(logger.With("component", "realtime")),
		realtime.WithStaticDir(cfg.Server.StaticDir),
	}
	if cfg.Server.Token != "" {
		srvOpts = append(srvOpts, realtime.WithAuthorizer(realtime.TokenAuthorizer{Token: cfg.Server.Token}))
	}
	rtServer := realtime.New(sessMgr, srvOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on signals.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		logger.Info("ptyhive listening", "addr", cfg.Server.Addr, "max_sessions", cfg.Sessions.Max, "auth", cfg.Server.Token != "")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sessions.CloseGrace+5*time.Second)
	defer cancel()

	rtServer.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return sessMgr.Shutdown(shutdownCtx)
}
