package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/tdmboyd-dev/TIME-sub002/internal/abtest"
	"github.com/tdmboyd-dev/TIME-sub002/internal/analytics"
	"github.com/tdmboyd-dev/TIME-sub002/internal/bounce"
	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/distlock"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
	"github.com/tdmboyd-dev/TIME-sub002/internal/profile"
	"github.com/tdmboyd-dev/TIME-sub002/internal/ratelimit"
	"github.com/tdmboyd-dev/TIME-sub002/internal/render"
	"github.com/tdmboyd-dev/TIME-sub002/internal/scheduler"
	"github.com/tdmboyd-dev/TIME-sub002/internal/segment"
	"github.com/tdmboyd-dev/TIME-sub002/internal/sender"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"
	"github.com/tdmboyd-dev/TIME-sub002/internal/trigger"
	"github.com/tdmboyd-dev/TIME-sub002/internal/webhook"
)

func main() {
	log := logger.With("server")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Error("config load failed", "error", err.Error())
		os.Exit(1)
	}

	// ---- storage ----
	var store storage.Store
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Error("database open failed", "error", err.Error())
			os.Exit(1)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		if err := db.Ping(); err != nil {
			log.Error("database ping failed", "error", err.Error())
			os.Exit(1)
		}
		defer db.Close()
		store = storage.NewPostgres(db)
		log.Info("storage ready", "backend", "postgres")
	} else {
		store = storage.NewMemory()
		log.Warn("no DATABASE_URL set, using in-memory storage")
	}

	// ---- rate limiter ----
	var limiter ratelimit.Limiter
	var rdb *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Error("redis url invalid", "error", err.Error())
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Error("redis ping failed", "error", err.Error())
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimit)
		log.Info("rate limiter ready", "backend", "redis")
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit)
		log.Warn("redis disabled, rate limits are per-process only")
	}

	// ---- send adapter ----
	var send sender.Sender
	if cfg.SES.AccessKey != "" {
		send, err = sender.NewSESSender(cfg.SES)
		if err != nil {
			log.Error("ses sender init failed", "error", err.Error())
			os.Exit(1)
		}
		log.Info("send adapter ready", "provider", "ses", "region", cfg.SES.Region)
	} else {
		send = sender.NewStub()
		log.Warn("no SES credentials, sends go to the stub adapter")
	}

	// ---- engines ----
	agg, err := analytics.NewAggregator(cfg.Tracking)
	if err != nil {
		log.Error("analytics init failed", "error", err.Error())
		os.Exit(1)
	}

	bounces := bounce.NewManager(store, cfg.Bounce, bounce.WithSendCounter(agg))
	tests := abtest.NewEngine(store, cfg.ABTest)
	segments := segment.NewEvaluator(store, segment.WithCacheTTL(cfg.Segment.CacheTTL))
	renderer := render.NewLiquidRenderer()

	var profiles trigger.ProfileProvider
	if base := os.Getenv("PLATFORM_API_URL"); base != "" {
		profiles = profile.NewClient(base, os.Getenv("PLATFORM_API_KEY"), nil)
	} else {
		log.Warn("no PLATFORM_API_URL set, segment-gated triggers will fail")
	}

	seqOpts := []trigger.SequenceOption{}
	if rdb != nil || db != nil {
		lock := distlock.New(rdb, db, "sequence-tick", 2*cfg.Scheduler.SequenceTickInterval)
		seqOpts = append(seqOpts, trigger.WithSequenceLock(lock))
	}
	sequences := trigger.NewSequenceEngine(store, cfg.Scheduler.SequenceTickInterval, seqOpts...)

	dispatcher := trigger.NewDispatcher(trigger.Deps{
		Triggers:  store,
		Scheduled: store,
		Limiter:   limiter,
		Bounces:   bounces,
		Tests:     tests,
		Segments:  segments,
		Profiles:  profiles,
		Scheduler: scheduler.New(scheduler.NewRealClock()),
		Sender:    send,
		Renderer:  renderer,
		Analytics: agg,
		Sequences: sequences,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sequences.Start(ctx)
	defer sequences.Stop()

	// ---- HTTP ----
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           webhook.NewServer(agg, bounces, dispatcher).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err.Error())
	}
}
