// Package pipeline orchestrates extraction, validation and persistence for
// property records: admission control first, then cache-aware LLM extraction
// under the recovery policy, then rule validation.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sunbelt-data/property-cli/internal/cache"
	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/extract"
	"github.com/sunbelt-data/property-cli/internal/metrics"
	"github.com/sunbelt-data/property-cli/internal/model"
	"github.com/sunbelt-data/property-cli/internal/monitor"
	"github.com/sunbelt-data/property-cli/internal/resilience"
	"github.com/sunbelt-data/property-cli/internal/validate"
	"github.com/sunbelt-data/property-cli/pkg/ollama"
)

const breakerName = "ollama"

// Deps are the injectable collaborators of a Pipeline. Cache, DLQ and
// Monitor may be nil; the pipeline then runs without that layer.
type Deps struct {
	Client  ollama.Client
	Cache   *cache.Cache
	DLQ     resilience.DLQ
	Monitor *monitor.Monitor
}

// Pipeline is the per-record processing engine.
type Pipeline struct {
	cfg       config.Config
	extractor *extract.Extractor
	validator *validate.Validator
	recoverer *resilience.Recoverer
	cache     *cache.Cache
	mon       *monitor.Monitor
	optimizer *Optimizer
	log       *zap.Logger
	nowFunc   func() time.Time

	mu       sync.Mutex
	counters Counters
}

// Counters is the pipeline's cumulative processing tally.
type Counters struct {
	Processed int           `json:"processed"`
	Valid     int           `json:"valid"`
	Invalid   int           `json:"invalid"`
	Failed    int           `json:"failed"`
	TotalTime time.Duration `json:"total_time"`
}

// Snapshot is the state returned by Metrics.
type Snapshot struct {
	Counters
	AvgProcessingTime time.Duration        `json:"avg_processing_time"`
	CacheHitRate      float64              `json:"cache_hit_rate"`
	ActiveOperations  int                  `json:"active_operations"`
	BatchSize         int                  `json:"batch_size"`
	ResourceSample    model.ResourceSample `json:"resource_sample"`
}

// New assembles a Pipeline from config and collaborators.
func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	validator, err := validate.New(cfg.Validation)
	if err != nil {
		return nil, err
	}

	recCfg := resilience.FromErrorsConfig(
		cfg.Errors.RetryMax,
		cfg.Errors.CircuitFailureThreshold,
		cfg.Errors.CircuitRecoverySecs,
		cfg.Errors.FallbackEnabled,
		cfg.Errors.DLQEnabled,
	)
	recoverer := resilience.NewRecoverer(recCfg, extract.FallbackFunc, deps.DLQ)

	p := &Pipeline{
		cfg:       cfg,
		extractor: extract.New(deps.Client, deps.Cache, cfg.LLM),
		validator: validator,
		recoverer: recoverer,
		cache:     deps.Cache,
		mon:       deps.Monitor,
		optimizer: NewOptimizer(cfg.Batch, deps.Monitor),
		log:       zap.L().With(zap.String("component", "pipeline")),
		nowFunc:   time.Now,
	}
	return p, nil
}

// Initialize starts the resource monitor loop and verifies the model
// endpoint is reachable and serving the configured model.
func (p *Pipeline) Initialize(ctx context.Context, client ollama.Client) error {
	if p.mon != nil {
		p.mon.Start(ctx)
	}
	if client != nil {
		if err := client.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops background loops. Safe to call more than once.
func (p *Pipeline) Close() {
	if p.mon != nil {
		p.mon.Stop()
	}
}

// Breakers exposes circuit breaker states for health reporting.
func (p *Pipeline) Breakers() *resilience.ServiceBreakers {
	return p.recoverer.Breakers()
}

// Process runs one raw record through extraction and validation. The
// returned result always carries a disposition; errors are folded into it.
func (p *Pipeline) Process(ctx context.Context, raw model.RawRecord) model.ProcessingResult {
	start := p.nowFunc()
	result := model.ProcessingResult{Source: raw.Source}

	opID := uuid.NewString()
	if p.mon != nil && !p.mon.CheckResourceAvailability(opID) {
		result.Errors = append(result.Errors, "resource limits exceeded, admission denied")
		p.finish(&result, start, "failed")
		return result
	}
	if p.mon != nil {
		defer p.mon.ReleaseResources(opID)
	}

	req := model.ExtractionRequest{
		Raw:         raw,
		Source:      raw.Source,
		ContentType: raw.ContentType,
		Operation:   model.OpExtraction,
	}

	var extracted model.ExtractionMethod
	fields, method, err := p.recoverer.Handle(ctx, breakerName, req, func(ctx context.Context) (map[string]any, error) {
		f, m, err := p.extractor.Extract(ctx, req)
		if err != nil {
			return nil, err
		}
		extracted = m
		return f, nil
	})
	if err != nil {
		class := resilience.Classify(err)
		metrics.LLMErrorsTotal.WithLabelValues(string(class)).Inc()
		if class == resilience.ClassRateLimit {
			metrics.RateLimitEventsTotal.Inc()
		}
		result.Errors = append(result.Errors, err.Error())
		p.finish(&result, start, "failed")
		return result
	}
	// The recoverer reports MethodLLM for any successful guarded call; keep
	// the extractor's finer-grained answer (cache vs llm) when it has one.
	if method == model.MethodLLM && extracted != "" {
		method = extracted
	}
	result.ExtractionMethod = method
	metrics.ExtractionMethodTotal.WithLabelValues(string(method)).Inc()

	property, err := buildProperty(fields, raw)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		p.finish(&result, start, "failed")
		return result
	}
	result.Property = property

	validation := p.validator.Validate(fields)
	result.Validation = &validation
	result.Errors = append(result.Errors, validation.Errors...)
	result.Warnings = append(result.Warnings, validation.Warnings...)

	// Validity needs both the combined score and the extraction confidence
	// itself above the floor: high field confidence must not mask a low
	// extraction confidence.
	result.IsValid = validation.IsValid &&
		validation.ConfidenceScore >= p.validator.MinConfidence() &&
		property.ExtractionConfidence >= p.validator.MinConfidence()
	status := "invalid"
	if result.IsValid {
		status = "valid"
	}
	p.finish(&result, start, status)
	return result
}

// ProcessBatch runs records concurrently in adaptively sized chunks.
// Results are returned in input order.
func (p *Pipeline) ProcessBatch(ctx context.Context, records []model.RawRecord) []model.ProcessingResult {
	results := make([]model.ProcessingResult, len(records))

	concurrency := p.cfg.Resource.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 4
	}

	remaining := records
	offset := 0
	for len(remaining) > 0 {
		size := p.optimizer.Next()
		if size > len(remaining) {
			size = len(remaining)
		}
		chunk := remaining[:size]
		metrics.BatchSize.Observe(float64(size))
		if p.mon != nil {
			p.mon.SetQueueDepth(len(remaining) - size)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i := range chunk {
			idx := offset + i
			rec := chunk[i]
			g.Go(func() error {
				results[idx] = p.Process(gctx, rec)
				return nil
			})
		}
		g.Wait() //nolint:errcheck // workers never return errors

		succeeded, failed := 0, 0
		for i := range chunk {
			if results[offset+i].IsValid {
				succeeded++
			} else {
				failed++
			}
		}
		p.optimizer.Record(size, succeeded, failed)

		offset += size
		remaining = remaining[size:]

		if ctx.Err() != nil {
			break
		}
	}
	if p.mon != nil {
		p.mon.SetQueueDepth(0)
	}
	return results
}

// Metrics returns a point-in-time pipeline snapshot.
func (p *Pipeline) Metrics(ctx context.Context) Snapshot {
	p.mu.Lock()
	counters := p.counters
	p.mu.Unlock()

	snap := Snapshot{
		Counters:  counters,
		BatchSize: p.optimizer.Current(),
	}
	if counters.Processed > 0 {
		snap.AvgProcessingTime = counters.TotalTime / time.Duration(counters.Processed)
	}
	if p.cache != nil {
		snap.CacheHitRate = p.cache.Stats(ctx).HitRate
	}
	if p.mon != nil {
		snap.ActiveOperations = p.mon.ActiveOperations()
		snap.ResourceSample = p.mon.Snapshot()
	}
	return snap
}

func (p *Pipeline) finish(result *model.ProcessingResult, start time.Time, status string) {
	result.ProcessingTime = p.nowFunc().Sub(start)

	p.mu.Lock()
	p.counters.Processed++
	p.counters.TotalTime += result.ProcessingTime
	switch status {
	case "valid":
		p.counters.Valid++
	case "invalid":
		p.counters.Invalid++
	default:
		p.counters.Failed++
	}
	p.mu.Unlock()

	metrics.ObserveProcessing(result.Source, status, result.ProcessingTime)
	if p.cache != nil {
		metrics.CacheHitRatio.Set(p.cache.Stats(context.Background()).HitRate)
	}

	if status == "failed" {
		p.log.Warn("record processing failed",
			zap.String("source", string(result.Source)),
			zap.Strings("errors", result.Errors),
		)
	} else {
		p.log.Debug("record processed",
			zap.String("source", string(result.Source)),
			zap.String("status", status),
			zap.Duration("took", result.ProcessingTime),
		)
	}
}
