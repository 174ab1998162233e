package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pdfreader/sticker-engine/internal/aiclient"
	"github.com/pdfreader/sticker-engine/internal/contextjob"
	"github.com/pdfreader/sticker-engine/internal/contextretrieval"
	"github.com/pdfreader/sticker-engine/internal/contextworker"
	"github.com/pdfreader/sticker-engine/internal/cost"
	"github.com/pdfreader/sticker-engine/internal/generator"
	"github.com/pdfreader/sticker-engine/internal/httpapi"
	"github.com/pdfreader/sticker-engine/internal/monitoring"
	"github.com/pdfreader/sticker-engine/internal/objectstore"
	"github.com/pdfreader/sticker-engine/internal/pdftext"
	"github.com/pdfreader/sticker-engine/internal/quota"
	"github.com/pdfreader/sticker-engine/internal/resilience"
	"github.com/pdfreader/sticker-engine/internal/scheduler"
	"github.com/pdfreader/sticker-engine/internal/session"
	"github.com/pdfreader/sticker-engine/internal/stickercache"
	"github.com/pdfreader/sticker-engine/internal/store"
	"github.com/pdfreader/sticker-engine/pkg/anthropic"
)

// serviceEnv holds every initialized collaborator the serve and worker
// commands wire together, grounded on the teacher's pipelineEnv.
type serviceEnv struct {
	Store      store.Store
	Cache      *stickercache.Service
	Quota      *quota.Service
	Sessions   *session.Service
	Generator  *generator.Service
	ContextJob *contextjob.Service
	Worker     *contextworker.Service
	Collector  *monitoring.Collector

	SchedulerConfig scheduler.Config
}

// Close releases resources held by the environment.
func (e *serviceEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initServices sets up the store, AI client, and every domain service the
// serve/worker commands need, per spec.md's module list.
func initServices(ctx context.Context) (*serviceEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rawClient := anthropic.NewClient(cfg.Anthropic.Key)
	aiCfg := aiclient.DefaultConfig()
	if cfg.Anthropic.RequestsPerSecond > 0 {
		aiCfg.RequestsPerSecond = cfg.Anthropic.RequestsPerSecond
	}
	aiCfg.Retry = resilience.FromRetryConfig(
		cfg.Anthropic.RetryMaxAttempts,
		cfg.Anthropic.RetryInitialBackoffMs,
		cfg.Anthropic.RetryMaxBackoffMs,
		cfg.Anthropic.RetryMultiplier,
		cfg.Anthropic.RetryJitterFraction,
	)
	aiCfg.Circuit = resilience.FromCircuitConfig(
		cfg.Anthropic.CircuitFailureThreshold,
		cfg.Anthropic.CircuitResetTimeoutSecs,
	)
	ai := aiclient.New(rawClient, aiCfg)

	downloader := objectstore.NewLocalFS(".")
	extractor := pdftext.New()
	costCalc := cost.NewCalculator(cost.DefaultRates())

	q := quota.NewService(st)
	cache := stickercache.New(st, q, stickercache.AlwaysShare{})
	sessions := session.New(st, session.DefaultMaxLifetime)

	retrievalCfg := contextretrieval.DefaultConfig()
	if cfg.Keyword.CacheTTL != "" {
		if d, err := time.ParseDuration(cfg.Keyword.CacheTTL); err == nil {
			retrievalCfg.CacheTTL = d
		}
	}
	if cfg.Keyword.CacheCap > 0 {
		retrievalCfg.CacheCap = cfg.Keyword.CacheCap
	}
	if cfg.Keyword.TokenBudget > 0 {
		retrievalCfg.TokenBudget = cfg.Keyword.TokenBudget
	}
	retrieval := contextretrieval.New(st, ai, retrievalCfg)

	genCfg := generator.DefaultConfig()
	if cfg.Anthropic.Model != "" {
		genCfg.Model = cfg.Anthropic.Model
	}
	if cfg.Anthropic.Temperature > 0 {
		genCfg.Temperature = cfg.Anthropic.Temperature
	}
	if cfg.Anthropic.MaxTokens > 0 {
		genCfg.MaxTokens = int64(cfg.Anthropic.MaxTokens)
	}
	gen := generator.New(downloader, extractor, ai, cache, retrieval, costCalc, genCfg)

	leaseDuration, err := time.ParseDuration(cfg.Worker.LeaseDuration)
	if err != nil {
		leaseDuration = contextjob.DefaultLeaseDuration
	}
	jobs := contextjob.New(st, leaseDuration)

	workerCfg := contextworker.DefaultConfig()
	if cfg.Worker.SamplePages > 0 {
		workerCfg.SamplePages = cfg.Worker.SamplePages
	}
	if cfg.Worker.BatchWordTargetMin > 0 {
		workerCfg.MinBatchWords = cfg.Worker.BatchWordTargetMin
	}
	if cfg.Worker.BatchWordTargetMid > 0 {
		workerCfg.BatchWordTarget = cfg.Worker.BatchWordTargetMid
	}
	if cfg.Worker.BatchWordTargetMax > 0 {
		workerCfg.MaxBatchWords = cfg.Worker.BatchWordTargetMax
	}
	worker := contextworker.New(st, downloader, extractor, ai, jobs, workerCfg)

	collector := monitoring.NewCollector()
	gen = gen.WithCollector(collector)
	jobs = jobs.WithCollector(collector)

	schedCfg := scheduler.DefaultConfig()
	if cfg.Scheduler.ConcurrencyBudgetPPT > 0 {
		schedCfg.ConcurrencyBudgetPPT = cfg.Scheduler.ConcurrencyBudgetPPT
	}
	if cfg.Scheduler.ConcurrencyBudgetText > 0 {
		schedCfg.ConcurrencyBudgetText = cfg.Scheduler.ConcurrencyBudgetText
	}

	return &serviceEnv{
		Store:           st,
		Cache:           cache,
		Quota:           q,
		Sessions:        sessions,
		Generator:       gen,
		ContextJob:      jobs,
		Worker:          worker,
		Collector:       collector,
		SchedulerConfig: schedCfg,
	}, nil
}

func (e *serviceEnv) httpDeps() httpapi.Deps {
	return httpapi.Deps{
		Store:           e.Store,
		Cache:           e.Cache,
		Quota:           e.Quota,
		Sessions:        e.Sessions,
		Generator:       e.Generator,
		ContextJob:      e.ContextJob,
		Collector:       e.Collector,
		SchedulerConfig: e.SchedulerConfig,
	}
}
