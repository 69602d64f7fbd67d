// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the xfrpc tunnel agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Nurdich/xfrpc/pkg/backend"
	"github.com/Nurdich/xfrpc/pkg/breaker"
	"github.com/Nurdich/xfrpc/pkg/control"
	"github.com/Nurdich/xfrpc/pkg/event"
	"github.com/Nurdich/xfrpc/pkg/health"
	"github.com/Nurdich/xfrpc/pkg/metrics"
	"github.com/Nurdich/xfrpc/pkg/ratelimit"
	"github.com/Nurdich/xfrpc/pkg/service"
	"github.com/Nurdich/xfrpc/pkg/transport"
	"github.com/Nurdich/xfrpc/pkg/tunnel"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "XFRPC_"

var errControlClosed = errors.New("control connection closed")

// Config holds the agent settings that are not part of service.Common.
type Config struct {
	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Control connection
	DialTimeout      time.Duration `env:"DIAL_TIMEOUT"       envDefault:"10s"`
	MaxRetryInterval time.Duration `env:"MAX_RETRY_INTERVAL" envDefault:"30s"`
	MaxRetryCount    int           `env:"MAX_RETRY_COUNT"    envDefault:"0"`

	// Backends
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	RateLimitCapacity   int64         `env:"RATE_LIMIT_CAPACITY"   envDefault:"0"`
	RateLimitRefill     int64         `env:"RATE_LIMIT_REFILL"     envDefault:"10"`
	BackendMaxQueued    int           `env:"BACKEND_MAX_QUEUED"    envDefault:"262144"`

	EventQueueSize  int           `env:"EVENT_QUEUE_SIZE" envDefault:"1024"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	envErr := godotenv.Load()

	opts := env.Options{Prefix: envPrefix}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file loaded", slog.String("error", envErr.Error()))
	}

	common, err := service.LoadCommon(opts)
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	services, err := service.LoadAll(opts, common)
	if err != nil {
		logger.Error("invalid service configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if len(services) == 0 {
		logger.Warn("no services configured", slog.String("variable", envPrefix+"SERVICES"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	m := metrics.New("xfrpc", prometheus.DefaultRegisterer)
	breakers := breaker.NewGroup(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	breakers.OnStateChange(func(key string, from, to breaker.State) {
		logger.Warn("backend circuit breaker state changed",
			slog.String("backend", key),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.BreakerStateChanged(key, from, to)
	})

	conn, err := dialControl(ctx, common.ServerAddress(), cfg, logger)
	if err != nil {
		logger.Error("failed to connect to server",
			slog.String("address", common.ServerAddress()),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("connected to server",
		slog.String("address", common.ServerAddress()),
		slog.Bool("tcp_mux", common.TCPMux))

	queue := event.NewQueue(cfg.EventQueueSize)
	checker := health.NewChecker(5 * time.Second)

	var (
		tr   transport.Transport
		ctrl io.ReadWriteCloser
	)
	if common.TCPMux {
		mux, err := transport.NewMux(conn, transport.MuxConfig{
			KeepAliveInterval: common.MuxKeepAliveInterval,
			KeepAliveTimeout:  common.MuxKeepAliveTimeout,
			MaxReceiveBuffer:  common.MuxMaxReceiveBuffer,
			MaxStreamBuffer:   common.MuxMaxStreamBuffer,
			Logger:            logger,
		}, queue)
		if err != nil {
			logger.Error("failed to start mux session", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer mux.Close()

		ctrl, err = mux.OpenControl()
		if err != nil {
			logger.Error("failed to open control stream", slog.String("error", err.Error()))
			os.Exit(1)
		}
		checker.Register("mux_session", health.SessionCheck(mux.IsClosed), true)
		tr = mux
	} else {
		tr = transport.NewDirect(transport.DirectConfig{
			ServerAddress: common.ServerAddress(),
			DialTimeout:   cfg.DialTimeout,
			Sink:          queue,
			Logger:        logger,
		})
		ctrl = conn
	}

	engine := tunnel.New(tunnel.Config{
		Common:    common,
		Transport: tr,
		Connector: tunnel.NewConnector(backend.NewConnector(backend.Config{
			DialTimeout: cfg.DialTimeout,
			MaxQueued:   cfg.BackendMaxQueued,
			Breakers:    breakers,
			Sink:        queue,
			Logger:      logger,
		})),
		Events:  queue,
		Handler: newHandler(ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill), logger),
		Metrics: m,
		Logger:  logger,
	})
	checker.Register("proxy_clients", func(ctx context.Context) error {
		logger.Debug("proxy clients", slog.Int("count", engine.NumClients()))
		return nil
	}, false)

	dispatcher := control.New(control.Config{
		Engine:   engine,
		Services: services,
		Logger:   logger,
	})

	g.Go(func() error {
		return engine.Run(ctx)
	})

	g.Go(func() error {
		err := dispatcher.Serve(ctx, ctrl, ctrl)
		if err == nil && ctx.Err() == nil {
			err = errControlClosed
		}
		return err
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux, logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, checker.Routes(), logger)
	})

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		select {
		case waitErr = <-done:
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout exceeded, forcing exit")
			os.Exit(1)
		}
	}

	if waitErr != nil {
		logger.Error(fmt.Sprintf("xfrpc terminated with error: %s", waitErr))
		os.Exit(1)
	}
	logger.Info("xfrpc stopped")
}

// dialControl connects to the server, retrying with exponential backoff.
// A zero MaxRetryCount retries until ctx is cancelled.
func dialControl(ctx context.Context, addr string, cfg Config, logger *slog.Logger) (net.Conn, error) {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: cfg.MaxRetryInterval, Jitter: true}
	for {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}

		attempt := int(b.Attempt()) + 1
		if cfg.MaxRetryCount > 0 && attempt >= cfg.MaxRetryCount {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		wait := b.Duration()
		logger.Warn("control connection failed",
			slog.String("address", addr),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// serveHTTP runs an HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         net.JoinHostPort("", strconv.Itoa(port)),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting "+name+" server", slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
