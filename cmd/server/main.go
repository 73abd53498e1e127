// Package main is the entry point for the strata server.
//
// The bootstrap sequence is:
//  1. Load configuration from an optional YAML file plus STRATA_ env vars.
//  2. Connect to PostgreSQL via pgxpool and run pending goose migrations.
//  3. Build the repository, metrics, and the per-project Registry, then
//     Bootstrap every existing project's runtime (State Manager, Poller,
//     Subscriber Hub, Evaluation Service).
//  4. Start the HTTP server and gRPC server concurrently.
//  5. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
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
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"tailscale.com/tsnet"

	"github.com/stratahq/strata/internal/admin"
	"github.com/stratahq/strata/internal/config"
	"github.com/stratahq/strata/internal/logging"
	"github.com/stratahq/strata/internal/metrics"
	"github.com/stratahq/strata/internal/middleware"
	"github.com/stratahq/strata/internal/repository"
	"github.com/stratahq/strata/internal/server"
	"github.com/stratahq/strata/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	dbPoolStatInterval    = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.Log.Level)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()

	registry := server.NewRegistry(repo, m,
		server.WithPollInterval(cfg.Poll.IntervalDuration()),
		server.WithPollBatch(cfg.Poll.BatchSize),
		server.WithPollRetries(cfg.Poll.MaxRetries),
		server.WithQueueDepth(cfg.Subscriber.QueueDepth),
		server.WithRegistryLogger(log),
	)
	if err := registry.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap projects: %w", err)
	}

	tokenValidator := server.NewAPIKeyValidator(repo)
	authFailure := middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() })

	httpHandler := server.NewHTTPHandler(registry, tokenValidator,
		server.WithHTTPMetrics(m),
		server.WithMaxJSONBodySize(cfg.Server.MaxJSONBodySize),
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "strata-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryBearerAuthInterceptor(tokenValidator, authFailure),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamBearerAuthInterceptor(tokenValidator, authFailure),
			m.StreamServerInterceptor(),
		),
	)
	grpcServer.RegisterService(&server.ServiceDesc, server.NewGRPCServer(registry))

	go func() {
		ticker := time.NewTicker(dbPoolStatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat := pool.Stat()
				m.SetDBPoolStats(metrics.DBPoolStats{
					Acquired: float64(stat.AcquiredConns()),
					Idle:     float64(stat.IdleConns()),
					Total:    float64(stat.TotalConns()),
				})
			}
		}
	}()

	serveErrCh := make(chan error, 3)

	var tsServer *tsnet.Server
	var adminServer *http.Server
	var adminListener net.Listener
	if cfg.Admin.Hostname != "" {
		tsServer = &tsnet.Server{
			Hostname: cfg.Admin.Hostname,
			AuthKey:  cfg.Admin.TSAuthKey,
			Dir:      cfg.Admin.TSStateDir,
			Logf: func(format string, args ...any) {
				log.Debug(fmt.Sprintf(format, args...), "component", "tailscale")
			},
		}
		if err := os.MkdirAll(cfg.Admin.TSStateDir, 0o700); err != nil {
			return fmt.Errorf("create tailscale state dir: %w", err)
		}

		adminListener, err = tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("listen admin portal on tailnet: %w", err)
		}

		sessionMgr := admin.NewSessionManager(repo, cfg.Admin.SessionSecret)
		adminHandler := admin.NewHandler(repo, registry, sessionMgr, cfg.Admin.Hostname, log)
		adminServer = &http.Server{
			Handler:           adminHandler,
			ReadHeaderTimeout: httpReadHeaderTimeout,
			ReadTimeout:       httpReadTimeout,
			IdleTimeout:       httpIdleTimeout,
		}

		go func() {
			if err := adminServer.Serve(adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErrCh <- fmt.Errorf("serve admin portal: %w", err)
			}
		}()

		log.Info("admin portal started", "hostname", cfg.Admin.Hostname)
	}

	httpListener, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.Server.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.Server.GRPCAddr, err)
	}
	defer grpcListener.Close()

	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.Server.HTTPAddr, "grpc_addr", cfg.Server.GRPCAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if adminServer != nil {
		adminShutdownCtx, cancelAdmin := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelAdmin()
		if err := adminServer.Shutdown(adminShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("shutdown admin portal error", "err", err)
		}
		if err := tsServer.Close(); err != nil {
			log.Error("close tailscale server error", "err", err)
		}
	}

	return serveErr
}
