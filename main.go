package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arbiterlabs/observer/internal/auth"
	"github.com/arbiterlabs/observer/internal/broadcast"
	"github.com/arbiterlabs/observer/internal/config"
	"github.com/arbiterlabs/observer/internal/health"
	"github.com/arbiterlabs/observer/internal/httpapi"
	"github.com/arbiterlabs/observer/internal/journal"
	"github.com/arbiterlabs/observer/internal/middleware"
	"github.com/arbiterlabs/observer/internal/redact"
	"github.com/arbiterlabs/observer/internal/runtime"
	"github.com/arbiterlabs/observer/internal/store"
	"github.com/arbiterlabs/observer/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	}, logger); err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	rules, err := cfg.EffectiveRules()
	if err != nil {
		logger.Fatal("Failed to load redaction rules", zap.Error(err))
	}
	redactor, err := redact.New(cfg.Privacy.Mode, rules)
	if err != nil {
		logger.Fatal("Failed to build redactor", zap.Error(err))
	}

	// Hot-reload the rule file when one is configured. Inline rules stay
	// in front so the file can only add to them, matching EffectiveRules.
	var rulesWatcher *config.RulesWatcher
	if cfg.Privacy.RulesFile != "" {
		inline := cfg.Privacy.Rules
		rulesWatcher, err = config.WatchRules(cfg.Privacy.RulesFile, func(fileRules []redact.Rule) error {
			merged := append(append([]redact.Rule(nil), inline...), fileRules...)
			return redactor.Reload(merged)
		}, logger)
		if err != nil {
			logger.Warn("Redaction rule watcher unavailable", zap.Error(err))
		}
	}

	// The journal callbacks close over st before it is assigned; they only
	// run on the writer goroutines, which see appends strictly after
	// store.New below returns.
	var st *store.Store
	eventsJournal, err := journal.NewWriter(journal.Config{
		Dir:           cfg.Data.Dir,
		Stream:        "events",
		RotateBytes:   cfg.Data.RotationBytes,
		FsyncInterval: cfg.Data.FsyncInterval,
		Snapshot:      func() []byte { return st.SnapshotDocument() },
		OnError:       func(err error) { st.MarkDegraded(err) },
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Failed to open events journal", zap.Error(err))
	}
	cotJournal, err := journal.NewWriter(journal.Config{
		Dir:           cfg.Data.Dir,
		Stream:        "cot",
		RotateBytes:   cfg.Data.RotationBytes,
		FsyncInterval: cfg.Data.FsyncInterval,
		Snapshot:      func() []byte { return st.SnapshotDocument() },
		OnError:       func(err error) { st.MarkDegraded(err) },
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Failed to open chain-of-thought journal", zap.Error(err))
	}

	hub := broadcast.NewHub(broadcast.Config{
		MaxClients:        cfg.Stream.MaxClients,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		SubscriberBuffer:  cfg.Stream.SubscriberBuffer,
		Logger:            logger,
	})

	var ctrl runtime.Controller
	if cfg.Runtime.BaseURL != "" {
		httpCtrl, err := runtime.NewHTTPController(runtime.HTTPConfig{
			BaseURL: cfg.Runtime.BaseURL,
			Token:   cfg.Runtime.Token,
			Timeout: cfg.Runtime.Timeout,
			Logger:  logger,
		})
		if err != nil {
			logger.Fatal("Failed to build runtime controller", zap.Error(err))
		}
		ctrl = httpCtrl
	} else if !cfg.Runtime.Standalone {
		logger.Warn("No runtime.base_url configured; control endpoints run standalone")
	}

	st = store.New(store.Config{
		MaxQueueSize:   cfg.Ingest.MaxQueueSize,
		RingCapacity:   cfg.Ingest.RingCapacity,
		Redactor:       redactor,
		Events:         eventsJournal,
		CoT:            cotJournal,
		Broadcast:      hub,
		Runtime:        ctrl,
		Standalone:     cfg.Runtime.Standalone,
		AuthConfigured: cfg.AuthConfigured(),
		Logger:         logger,
	})

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("Failed to parse redis URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unreachable; rate limiting degrades to in-process", zap.Error(err))
		}
		cancel()
	}

	api := httpapi.New(httpapi.Config{
		Store:        st,
		Hub:          hub,
		Runtime:      ctrl,
		Logger:       logger,
		MaxBodyBytes: cfg.Ingest.MaxBodyBytes,
	})
	var post []httpapi.Middleware
	if cfg.RateLimit.Enabled {
		post = append(post, middleware.NewRateLimiter(redisClient, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, logger).Middleware)
	}
	if redisClient != nil {
		post = append(post, middleware.NewIdempotency(redisClient, logger).Middleware)
	}

	authMW := auth.NewMiddleware(cfg.Auth.Token, cfg.Auth.AllowedOrigins, logger)
	if !authMW.Enabled() {
		logger.Warn("No auth token configured; the API accepts unauthenticated requests")
	}
	handler := middleware.NewTracing(logger).Middleware(authMW.Middleware(api.Routes(post...)))

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:     handler,
		ReadTimeout: cfg.Service.ReadTimeout,
		// No write timeout: SSE responses stay open until the client leaves.
		WriteTimeout:   0,
		IdleTimeout:    cfg.Service.IdleTimeout,
		MaxHeaderBytes: cfg.Service.MaxHeaderBytes,
	}

	hm := health.NewManager(logger)
	if err := hm.RegisterChecker(health.NewJournalChecker(st)); err != nil {
		logger.Fatal("Failed to register journal checker", zap.Error(err))
	}
	if ctrl != nil {
		if err := hm.RegisterChecker(health.NewRuntimeChecker(ctrl)); err != nil {
			logger.Fatal("Failed to register runtime checker", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := hm.RegisterChecker(health.NewRedisChecker(redisClient)); err != nil {
			logger.Fatal("Failed to register redis checker", zap.Error(err))
		}
	}
	hm.Start()

	adminMux := http.NewServeMux()
	health.NewHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("GET /metrics", promhttp.Handler())
	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin server listening", zap.Int("port", cfg.Service.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Observer listening",
			zap.Int("port", cfg.Service.Port),
			zap.String("data_dir", cfg.Data.Dir),
			zap.String("privacy_mode", cfg.Privacy.Mode),
			zap.Bool("auth", authMW.Enabled()),
			zap.Bool("standalone", cfg.Runtime.Standalone),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Observer server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down gracefully...")

	// Closing the hub first ends every streaming response, so Shutdown is
	// not stuck behind long-lived SSE connections.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Observer server shutdown", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown", zap.Error(err))
	}
	hm.Stop()

	if err := eventsJournal.Close(cfg.Service.GracefulTimeout); err != nil {
		logger.Error("Events journal close", zap.Error(err))
	}
	if err := cotJournal.Close(cfg.Service.GracefulTimeout); err != nil {
		logger.Error("Chain-of-thought journal close", zap.Error(err))
	}
	if rulesWatcher != nil {
		rulesWatcher.Stop()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown", zap.Error(err))
	}
	logger.Info("Observer stopped")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
