package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/configs"
	"github.com/enterprise/fraud-investigator/internal/features"
	"github.com/enterprise/fraud-investigator/internal/history"
	"github.com/enterprise/fraud-investigator/internal/llm"
	"github.com/enterprise/fraud-investigator/internal/ops"
	"github.com/enterprise/fraud-investigator/internal/queue"
	"github.com/enterprise/fraud-investigator/internal/scoring"
	"github.com/enterprise/fraud-investigator/internal/sink"
	"github.com/enterprise/fraud-investigator/internal/worker"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("workers", cfg.Engine.Workers).
		Msg("Starting Fraud Investigation Engine")

	// Historical datastore
	db, err := history.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Investigation queue
	streamClient, err := queue.NewRedisStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	// Scoring layers
	store := history.NewStore(db, cfg.Database)
	extractor := features.NewExtractor(store)
	ensemble := scoring.NewGradientEnsemble()
	graph := scoring.NewGraphAnalyzer(store)

	anomaly, err := scoring.NewAnomalyDetector(cfg.Engine.SequenceCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create anomaly detector")
	}

	reasoner, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create LLM client")
	}

	discovery := scoring.NewPatternDiscovery(cfg.Engine.DiscoveryInterval)

	// Restore learned state from the previous run
	state, err := scoring.LoadState(cfg.State.FilePath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to restore engine state, starting cold")
		state = scoring.NewState()
	}
	discovery.RestorePatterns(state.LearnedPatterns)
	ensemble.RestoreWeights(state.ModelWeights)

	orchestrator := scoring.NewOrchestrator(cfg.Engine, extractor, ensemble, graph, anomaly, reasoner, store, discovery)

	// Verdict sink and worker pool
	publisher := sink.NewPublisher(cfg.Sink)
	registry := prometheus.NewRegistry()
	metrics := worker.NewMetrics(registry)
	perf := worker.NewPerfTracker()

	pool := worker.NewPool(cfg.Engine, cfg.Redis, streamClient, orchestrator, publisher, discovery, perf, metrics)

	// Ops server (health, stats, patterns, metrics)
	opsServer := ops.NewServer(cfg.Server, db, streamClient, perf, discovery, registry)
	go opsServer.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server shutdown failed")
	}

	if err := scoring.SaveState(cfg.State.FilePath, scoring.State{
		LearnedPatterns:  discovery.Discovered(),
		ModelWeights:     ensemble.GroupWeights(),
		PerformanceStats: perf.Stats(),
	}); err != nil {
		log.Error().Err(err).Msg("Failed to save engine state")
	}

	log.Info().Msg("Fraud Investigation Engine stopped")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
