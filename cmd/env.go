package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/cache"
	"github.com/sunbelt-data/property-cli/internal/collector"
	"github.com/sunbelt-data/property-cli/internal/integrate"
	"github.com/sunbelt-data/property-cli/internal/monitor"
	"github.com/sunbelt-data/property-cli/internal/pipeline"
	"github.com/sunbelt-data/property-cli/internal/resilience"
	"github.com/sunbelt-data/property-cli/internal/store"
	"github.com/sunbelt-data/property-cli/pkg/ollama"
)

// pipelineEnv holds everything a command needs to process records.
type pipelineEnv struct {
	Store      store.Store
	Client     ollama.Client
	Cache      *cache.Cache
	Monitor    *monitor.Monitor
	Pipeline   *pipeline.Pipeline
	Integrator *integrate.Integrator
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initClient() ollama.Client {
	opts := []ollama.Option{
		ollama.WithBaseURL(cfg.LLM.BaseURL),
		ollama.WithModel(cfg.LLM.Model),
		ollama.WithTimeout(cfg.LLM.Timeout()),
		ollama.WithMaxRetries(cfg.LLM.MaxRetries),
	}
	if cfg.LLM.RequestsPerSec > 0 {
		opts = append(opts, ollama.WithRateLimit(cfg.LLM.RequestsPerSec, 1))
	}
	return ollama.NewClient(opts...)
}

func initCache(st store.Store) *cache.Cache {
	opts := cache.Options{
		Enabled: cfg.Cache.Enabled,
		TTL:     cfg.Cache.TTL(),
		Memory:  cache.NewMemoryBackend(cfg.Cache.MaxBytes),
	}
	if cfg.Cache.Backend == "remote" && st != nil {
		opts.Remote = store.NewCacheBackend(st)
	}
	return cache.New(opts)
}

// initEnv wires the full processing stack. The caller owns Close.
func initEnv(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	sampler, err := monitor.NewSystemSampler()
	if err != nil {
		zap.L().Warn("system sampler unavailable, monitor degraded", zap.Error(err))
		sampler = nil
	}
	mon := monitor.New(cfg.Resource, cfg.Batch, sampler)

	var dlq resilience.DLQ
	if cfg.Errors.DLQEnabled {
		dlq = store.NewDLQ(st)
	}

	client := initClient()
	c := initCache(st)

	p, err := pipeline.New(*cfg, pipeline.Deps{
		Client:  client,
		Cache:   c,
		DLQ:     dlq,
		Monitor: mon,
	})
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "build pipeline")
	}

	if err := p.Initialize(ctx, client); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "initialize pipeline")
	}

	return &pipelineEnv{
		Store:      st,
		Client:     client,
		Cache:      c,
		Monitor:    mon,
		Pipeline:   p,
		Integrator: integrate.New(p, st, cfg.Resource.MaxConcurrent),
	}, nil
}

func (e *pipelineEnv) Close() {
	e.Pipeline.Close()
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}

func collectorFor(source string) (integrate.Collector, error) {
	switch source {
	case "maricopa", "maricopa_county":
		return collector.NewMaricopa(cfg.Collect), nil
	case "phoenix", "phoenix_mls":
		return collector.NewPhoenix(cfg.Collect), nil
	default:
		return nil, eris.Errorf("unknown source %q (want maricopa or phoenix)", source)
	}
}
