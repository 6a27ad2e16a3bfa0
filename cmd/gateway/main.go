package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/taskstream/gateway/internal/auth"
	"github.com/taskstream/gateway/internal/breaker"
	"github.com/taskstream/gateway/internal/codec"
	"github.com/taskstream/gateway/internal/config"
	"github.com/taskstream/gateway/internal/feed"
	"github.com/taskstream/gateway/internal/gateway"
	"github.com/taskstream/gateway/internal/limits"
	"github.com/taskstream/gateway/internal/logging"
	"github.com/taskstream/gateway/internal/ratelimit"
	"github.com/taskstream/gateway/internal/realtime"
)

const shutdownTimeout = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New(logging.Options{Level: "info", Format: logging.FormatJSON})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("runtime configured")

	services, err := cfg.ServiceMap()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid GW_SERVICES")
	}

	frameCodec, err := codec.New(codec.Config{
		Key:                  []byte(cfg.FrameKey),
		MaxFrameSize:         cfg.MaxFrameSize,
		CompressionThreshold: cfg.CompressionThreshold,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build frame codec")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0) * 2
	}

	hub, err := realtime.NewHub(realtime.HubConfig{
		Codec:          frameCodec,
		Verifier:       auth.NewVerifier(cfg.JWTSecret),
		ClientMsgRate:  cfg.ClientMsgRate,
		ClientMsgBurst: cfg.ClientMsgBurst,
		Workers:        workerCount,
		QueueSize:      cfg.WorkerQueueSize,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build hub")
	}

	guard := limits.NewGuard(limits.GuardConfig{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemRejectThreshold: cfg.MemRejectThreshold,
	}, logger, hub.ConnCounter())
	guard.StartMonitoring(ctx, cfg.GuardInterval)
	hub.UseGuard(guard)

	var throttle *limits.ConnThrottle
	if cfg.ConnRateLimitEnabled {
		throttle = limits.NewConnThrottle(limits.ConnThrottleConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
		hub.UseThrottle(throttle)
	}

	eventFeed, err := feed.Connect(feed.Config{
		URL:      cfg.NATSUrl,
		Subjects: cfg.FeedSubjectList(),
	}, hub, logger)
	if err != nil {
		// The gateway still serves HTTP and realtime traffic without the
		// feed; backend events resume when NATS comes back.
		logger.Error().Err(err).Msg("event feed unavailable, continuing without it")
	}

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerResetTimeout,
	}, nil, logger)

	router := gateway.New(gateway.Config{
		Services: services,
		DefaultRule: ratelimit.Rule{
			Requests: cfg.RateLimitRequests,
			Window:   cfg.RateLimitWindow,
		},
		ServiceTimeout: cfg.ServiceTimeout,
	}, breakers, logger)
	router.Mux().Get("/realtime", hub.HandleWS)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if eventFeed != nil {
		eventFeed.Stop()
	}
	hub.Shutdown()
	if throttle != nil {
		throttle.Stop()
	}
	router.Close()
	logger.Info().Msg("gateway stopped")
}
