package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/splax/tailscope/internal/domain"
	httpx "github.com/splax/tailscope/internal/http"
	"github.com/splax/tailscope/internal/service/apm"
	"github.com/splax/tailscope/internal/ws"
	"github.com/splax/tailscope/pkg/config"
	"github.com/splax/tailscope/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.LevelFromEnv())
	serverStart := time.Now().UTC()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	metrics := apm.NewMetrics()
	pipeline := apm.NewPipeline(hub, log, metrics, apm.Options{
		MaxHistory:    cfg.MaxHistory,
		StoreCapacity: cfg.EventStoreCapacity,
		Sampling: domain.SamplingConfig{
			StableSampleRate:   cfg.StableSampleRate,
			WarningSampleRate:  cfg.WarningSampleRate,
			CriticalSampleRate: cfg.CriticalSampleRate,
			WarningThreshold:   cfg.WarningThreshold,
			CriticalThreshold:  cfg.CriticalThreshold,
		},
		Prediction: domain.PredictionConfig{
			WindowSec:                 cfg.PredictionWindowSec,
			P99ThresholdMs:            cfg.P99ThresholdMs,
			SLOThresholdMs:            cfg.SLOThresholdMs,
			StrictConsecutiveRequired: cfg.StrictConsecutiveRequired,
		},
	})

	pipeline.WarmUp(cfg.WarmupCount, nil)

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-process limits", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, pipeline, limiter, serverStart)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
