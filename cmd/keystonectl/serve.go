package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/internal/httpapi"
	"github.com/forest6511/keystone/pkg/audit"
)

var serveListenAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListenAddr, "listen-addr", "", "Address to listen on (overrides server.listen_addr)")
}

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves enrollment and recovery sessions over HTTP",
	Long: `Starts the HTTP API. Recovery sessions live in memory and are lost when
the server stops; enrollments and failure counters are persisted.

Endpoints are served under /api/v1. Health checks are at /livez and /readyz.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	policy, err := cfg.Policy.Policy()
	if err != nil {
		return err
	}

	svc, err := openServices(ctx, audit.SourceAPI)
	if err != nil {
		return err
	}
	defer svc.Close()

	addr := cfg.Server.ListenAddr
	if serveListenAddr != "" {
		addr = serveListenAddr
	}

	mgr := svc.manager(audit.SourceAPI)
	defer mgr.Close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go mgr.Run(ctx)

	srv := httpapi.New(&httpapi.Config{
		ListenAddr:      addr,
		Log:             slog.Default(),
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Defaults:        policy,
	}, svc.reg, mgr)
	srv.RunInBackground()

	<-ctx.Done()
	slog.Info("shutting down")
	srv.Shutdown()

	if n := mgr.Len(); n > 0 {
		fmt.Fprintf(os.Stderr, "%d recovery sessions discarded\n", n)
	}
	return nil
}
