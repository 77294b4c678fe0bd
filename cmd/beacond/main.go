package main

import (
	"context"
	"database/sql"
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
	"time"

	"github.com/beaconlabs/beacon/internal/account"
	accountpg "github.com/beaconlabs/beacon/internal/account/postgres"
	"github.com/beaconlabs/beacon/internal/activity"
	activitypg "github.com/beaconlabs/beacon/internal/activity/postgres"
	"github.com/beaconlabs/beacon/internal/auth"
	"github.com/beaconlabs/beacon/internal/config"
	"github.com/beaconlabs/beacon/internal/database"
	"github.com/beaconlabs/beacon/internal/database/migrate"
	"github.com/beaconlabs/beacon/internal/httpserver"
	"github.com/beaconlabs/beacon/internal/metrics"
	"github.com/beaconlabs/beacon/internal/signaling"
	"github.com/beaconlabs/beacon/internal/tracker"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
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

	logger.Info("starting beacond",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"database_configured", cfg.DatabaseURL != "",
		"visit_session_ttl", cfg.VisitSessionTTL,
		"max_peers", cfg.MaxPeers,
	)

	m := metrics.New()

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	// The activity sink and the account store back onto postgres when a
	// DATABASE_URL is configured. Without one (dev/open mode) events are kept
	// in memory and registration is unavailable.
	var (
		db         *sql.DB
		sink       activity.Sink
		readyCheck httpserver.ReadyCheck
	)
	if cfg.DatabaseURL != "" {
		db, err = database.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := migrate.Run(db); err != nil {
			logger.Error("failed to run migrations", "err", err)
			os.Exit(1)
		}

		store := activitypg.New(db, activitypg.Config{RetentionDays: cfg.ActivityRetentionDays})
		store.StartCleanupRoutine(cfg.ActivityCleanupInterval)
		defer store.Close()

		sink = store
		readyCheck = db.PingContext
	} else {
		logger.Warn("no DATABASE_URL configured; activity records are held in memory")
		sink = activity.NewMemorySink()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, readyCheck)

	trk := tracker.New(sink, tracker.Config{
		SessionTTL: cfg.VisitSessionTTL,
		Metrics:    m,
		Logger:     logger,
	})
	trk.StartSweeper(cfg.VisitSweepInterval)
	defer trk.Close()

	tracker.NewHandler(trk, verifier, m).RegisterRoutes(srv.Mux())

	if cfg.AuthMode == config.AuthModeJWT {
		if db == nil {
			logger.Error("AUTH_MODE=jwt requires DATABASE_URL for the user store")
			os.Exit(2)
		}
		tokens := auth.NewTokenProvider(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
		svc := account.NewService(accountpg.New(db), auth.NewHasher(0), tokens)
		account.NewHandler(svc).RegisterRoutes(srv.Mux())
	}

	sig := signaling.NewServer(signaling.Config{
		Verifier: verifier,
		Metrics:  m,
		Logger:   logger,

		AuthTimeout:       cfg.SignalingAuthTimeout,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxPeers:          cfg.MaxPeers,
		AllowedOrigins:    cfg.AllowedOrigins,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

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

	// Flush open visit sessions so their durations are not lost on restart.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	trk.FlushOpenSessions(flushCtx)

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
