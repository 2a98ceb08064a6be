package cmd

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corvid0/almanac/db"
	"github.com/corvid0/almanac/internal/config"
	"github.com/corvid0/almanac/internal/database"
	"github.com/corvid0/almanac/internal/embed"
	"github.com/corvid0/almanac/internal/index"
	"github.com/corvid0/almanac/internal/log"
	"github.com/corvid0/almanac/internal/memory"
	"github.com/corvid0/almanac/internal/observability"
	"github.com/corvid0/almanac/internal/query"
	"github.com/corvid0/almanac/internal/retrieval"
	"github.com/corvid0/almanac/internal/source"
	"github.com/corvid0/almanac/internal/syncer"
)

// app holds the wired components behind every command.
type app struct {
	cfg    *config.Config
	logger log.Logger
	pool   *pgxpool.Pool

	engine      *syncer.Engine
	coordinator *query.Coordinator
	worker      *memory.ExtractWorker

	shutdownTraces func(context.Context) error
}

// newApp loads configuration, migrates the schema, and wires the full
// component graph. Call close when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.New(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSON: cfg.Log.JSON})

	shutdownTraces, err := observability.Setup(ctx, cfg.Telemetry.Endpoint, AppVersion)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(cfg.Database.URL); err != nil {
		return nil, err
	}
	pool, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: cfg.Model.APIKey}))
	embedder := embed.New(googlegenai.GoogleAIEmbedder(g, cfg.Model.EmbeddingModel), logger)

	client, err := source.NewClient(cfg.Source.BaseURL, cfg.Source.Token)
	if err != nil {
		return nil, fmt.Errorf("configure source client: %w", err)
	}
	fetcherCfg := source.DefaultFetcherConfig()
	if cfg.Source.RequestsPerSecond > 0 {
		fetcherCfg.RequestsPerSecond = cfg.Source.RequestsPerSecond
	}
	if cfg.Source.Burst > 0 {
		fetcherCfg.Burst = cfg.Source.Burst
	}
	if cfg.Source.MaxAttempts > 0 {
		fetcherCfg.MaxAttempts = cfg.Source.MaxAttempts
	}
	fetcher := source.NewFetcher(client, fetcherCfg, logger)

	idx := index.NewPostgres(pool, logger)
	records := syncer.NewPostgresRecords(pool)
	engine := syncer.New(fetcher, embedder, idx, records, syncer.Config{
		Interval:          cfg.Sync.Interval,
		ReconcileInterval: cfg.Sync.ReconcileInterval,
		TokenBudget:       cfg.Sync.TokenBudget,
	}, logger)

	retriever := retrieval.New(idx, embedder, retrieval.Config{
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
	}, logger)

	facts := memory.NewFactStore(idx, embedder, logger)
	extractor := memory.NewGenkitExtractor(g, cfg.Model.GenerateModel, logger)
	worker := memory.NewExtractWorker(extractor, facts,
		cfg.Memory.ExtractWorkers, cfg.Memory.ExtractQueue, logger)
	worker.Start(ctx)

	synthesizer := query.NewGenkitSynthesizer(g, cfg.Model.GenerateModel, logger)
	coordinator := query.New(retriever, facts, synthesizer,
		memory.NewTurnBuffer(cfg.Memory.TurnCapacity), worker,
		query.Config{FactTopK: cfg.Memory.FactTopK}, logger)

	return &app{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		engine:         engine,
		coordinator:    coordinator,
		worker:         worker,
		shutdownTraces: shutdownTraces,
	}, nil
}

func (a *app) close(ctx context.Context) {
	a.worker.Close()
	a.pool.Close()
	if a.shutdownTraces != nil {
		if err := a.shutdownTraces(ctx); err != nil {
			a.logger.Warn("trace shutdown failed", "error", err)
		}
	}
}
