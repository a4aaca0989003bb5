package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ecoshield/proxy/internal/api"
	"github.com/ecoshield/proxy/internal/config"
	"github.com/ecoshield/proxy/internal/judge"
	"github.com/ecoshield/proxy/internal/llm"
	"github.com/ecoshield/proxy/internal/metrics"
	"github.com/ecoshield/proxy/internal/penalty"
	"github.com/ecoshield/proxy/internal/shield"
	"github.com/ecoshield/proxy/internal/sieve"
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg, err := config.Load(os.Getenv("SHIELD_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store := buildPenaltyStore(cfg)

	sieveClient := sieve.NewHTTPClient(cfg.Sieve.URL, cfg.Sieve.APIKey, cfg.Sieve.Model, cfg.Timeouts.Sieve())
	judgeClient := judge.NewHTTPClient(cfg.Judge.URL, cfg.Judge.APIKey, cfg.Judge.Model, cfg.Timeouts.Judge())
	upstream := llm.NewHTTPClient(cfg.Upstream.URL, cfg.Upstream.APIKey, cfg.Upstream.DefaultModel, cfg.Timeouts.Upstream())

	m := metrics.New()

	pipeline, err := shield.New(cfg, store, sieveClient, judgeClient, m)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	server := api.NewServer(cfg, pipeline, upstream, m)
	defer server.Stop()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // upstream completions can be slow
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🛡️ LLM shield proxy starting on port %s (env=%s)", cfg.Server.Port, cfg.Server.Env)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

// buildPenaltyStore selects the Redis backend when REDIS_ADDR is set, so a
// multi-replica deployment shares one penalty box. Falls back to the
// in-memory store on connection failure rather than refusing to start.
func buildPenaltyStore(cfg *config.Config) penalty.Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return penalty.NewMemoryStore(cfg.Penalty.Threshold, cfg.Penalty.HalfLife(), cfg.Penalty.EvictionEpsilon)
	}

	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			db = n
		}
	}

	store, err := penalty.NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), db,
		cfg.Penalty.Threshold, cfg.Penalty.HalfLife(), cfg.Penalty.EvictionEpsilon)
	if err != nil {
		log.Printf("Redis unavailable (%v), using in-memory penalty store", err)
		return penalty.NewMemoryStore(cfg.Penalty.Threshold, cfg.Penalty.HalfLife(), cfg.Penalty.EvictionEpsilon)
	}

	log.Printf("Penalty store backed by Redis at %s", addr)
	return store
}
