package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/sendie-app/sendie/internal/allowlist"
	"github.com/sendie-app/sendie/internal/config"
	"github.com/sendie-app/sendie/internal/httpserver"
	"github.com/sendie-app/sendie/internal/hub"
	"github.com/sendie-app/sendie/internal/metrics"
	"github.com/sendie-app/sendie/internal/ratelimit"
	"github.com/sendie-app/sendie/internal/session"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A missing .env is fine; explicit env vars and flags always win.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting sendie-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"data_dir", cfg.DataDir,
		"admins", len(cfg.Admins),
		"initial_allowlist", len(cfg.InitialAllowList),
		"ice_servers", len(cfg.ICEServers),
		"session_base_ttl", cfg.SessionBaseTTL,
		"max_peers_default", cfg.MaxPeersDefault,
	)
	if len(cfg.Admins) == 0 {
		logger.Warn("no admins configured; the allow list cannot be changed at runtime")
	}

	clock := clockwork.NewRealClock()
	m := metrics.New()

	allow := allowlist.New(allowlist.Config{
		Admins:       cfg.Admins,
		InitialUsers: cfg.InitialAllowList,
		DataDir:      cfg.DataDir,
		Logger:       logger,
		Clock:        clock,
	})
	registry := session.NewRegistry(cfg.TTLConfig(), clock, logger, m)
	limiter := ratelimit.NewLimiter(clock)
	signalingHub := hub.New(logger, registry, limiter, m)

	sweepCtx, stopSweepers := context.WithCancel(context.Background())
	defer stopSweepers()
	go registry.Run(sweepCtx)
	go limiter.Run(sweepCtx)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Registry:  registry,
		Limiter:   limiter,
		AllowList: allow,
		Metrics:   m,
		Hub:       signalingHub,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	stopSweepers()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
