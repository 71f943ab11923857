package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shotleybuilder/sertantai-ingest/internal/cascade"
	"github.com/shotleybuilder/sertantai-ingest/internal/ingest"
	"github.com/shotleybuilder/sertantai-ingest/internal/pipeline"
	"github.com/shotleybuilder/sertantai-ingest/internal/resilience"
	"github.com/shotleybuilder/sertantai-ingest/internal/store"
	"github.com/shotleybuilder/sertantai-ingest/pkg/classifier"
	"github.com/shotleybuilder/sertantai-ingest/pkg/legislation"
)

// ingestEnv holds the store, registry client, ruleset catalog, executor,
// cascade queue, and confirmation gate shared by the serve, ingest, and
// cascade commands.
type ingestEnv struct {
	Store    store.Store
	Client   legislation.Client
	Catalog  *classifier.Catalog
	Executor *pipeline.Executor
	Queue    *cascade.Queue
	Gate     *ingest.Service
}

// Close releases resources held by the environment.
func (e *ingestEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	sqlitePath := cfg.Store.SQLitePath
	if sqlitePath == "" {
		sqlitePath = "sertantai.db"
	}
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(sqlitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "dual":
		pg, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
		if err != nil {
			return nil, err
		}
		sq, err := store.NewSQLite(sqlitePath)
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		return store.NewDual(pg, sq, zap.L()), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, registry client, and pipeline wiring for the
// given command mode. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*ingestEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	catalog, err := classifier.LoadDir(cfg.Classifier.RulesetDir)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load classifier rulesets")
	}

	client := legislation.NewClient(
		legislation.WithBaseURL(cfg.Legislation.BaseURL),
		legislation.WithUserAgent(cfg.Legislation.UserAgent),
		legislation.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Legislation.TimeoutSecs) * time.Second}),
		legislation.WithRateLimit(cfg.Legislation.RatePerSec, cfg.Legislation.Burst),
		legislation.WithRetry(resilience.RetryConfig{MaxAttempts: cfg.Legislation.Retries}),
	)

	exec := pipeline.NewExecutor(client, catalog,
		pipeline.WithStageTimeout(time.Duration(cfg.Pipeline.StageTimeoutSecs)*time.Second))
	queue := cascade.NewQueue(st, cascade.WithMaxDepth(cfg.Cascade.MaxDepth))
	gate := ingest.NewService(st, queue)

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("registry", cfg.Legislation.BaseURL),
		zap.Strings("rulesets", catalog.Versions()))

	return &ingestEnv{
		Store:    st,
		Client:   client,
		Catalog:  catalog,
		Executor: exec,
		Queue:    queue,
		Gate:     gate,
	}, nil
}
