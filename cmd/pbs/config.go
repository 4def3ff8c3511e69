package main

import (
	"context"
	"fmt"

	"github.com/franz/pbs-search/internal/config"
	"github.com/franz/pbs-search/internal/esindex"
	"github.com/franz/pbs-search/internal/ingest"
	"github.com/franz/pbs-search/internal/metrics"
	"github.com/franz/pbs-search/internal/schedule"
	"github.com/franz/pbs-search/internal/search"
	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/store/postgres"
	"github.com/franz/pbs-search/internal/util"
	"github.com/spf13/viper"
)

// app holds everything a command needs. Close releases the repository.
type app struct {
	cfg     *config.Config
	repo    store.Repository
	indexer *esindex.Indexer // nil when Elasticsearch is not configured
	metrics *metrics.Metrics
}

// loadConfig reads the typed configuration from viper
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// openRepository opens the relational store selected by database.driver
func openRepository(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	switch cfg.Database.Driver {
	case config.BackendPostgres:
		util.InfoLog("Opening PostgreSQL database")
		pg, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return pg, nil
	default:
		util.InfoLog("Opening database: %s", cfg.DB)
		db, err := store.Open(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	}
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ix, err := esindex.New(esindex.Config{
		URL:       cfg.Elastic.URL,
		APIKey:    cfg.Elastic.APIKey,
		Username:  cfg.Elastic.Username,
		Password:  cfg.Elastic.Password,
		IndexBase: cfg.Elastic.Index,
	})
	if err != nil {
		repo.Close()
		return nil, err
	}

	return &app{cfg: cfg, repo: repo, indexer: ix, metrics: metrics.New()}, nil
}

func (a *app) Close() error {
	return a.repo.Close()
}

func (a *app) resolver() *schedule.Resolver {
	return schedule.New(schedule.Config{
		DownloadBase:    a.cfg.Download.Base,
		DownloadsPage:   a.cfg.Download.Page,
		Marker:          a.cfg.Download.Marker,
		UserAgent:       a.cfg.Download.UserAgent,
		ProbeTimeout:    a.cfg.Download.ProbeTimeout,
		DownloadTimeout: a.cfg.Download.Timeout,
	})
}

func (a *app) pipeline() *ingest.Pipeline {
	resolver := a.resolver()

	var embedder ingest.Embedder
	if a.cfg.EmbeddingsProvider != "" {
		embedder = ingest.NoopEmbedder{Provider: a.cfg.EmbeddingsProvider}
	}

	pcfg := ingest.Config{
		Resolver:        resolver,
		Downloader:      resolver,
		Store:           a.repo,
		Embedder:        embedder,
		DefaultLookback: a.cfg.Download.LookbackMonths,
		OnFinish:        a.metrics.RecordRun,
	}
	// A typed nil would make the interface non-nil
	if a.indexer != nil {
		pcfg.Indexer = a.indexer
	}
	return ingest.New(pcfg)
}

func (a *app) engine() *search.Engine {
	var external search.ExternalEngine
	if a.indexer != nil && a.cfg.UseExternalSearch() {
		external = a.indexer
	}
	return search.New(a.repo, search.DefaultStages(a.repo, external),
		search.WithLimits(a.cfg.Search.DefaultLimit, a.cfg.Search.MaxLimit),
		search.WithObserver(a.metrics.ObserveStage),
	)
}
