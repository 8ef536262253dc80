// Package integrate bridges collectors, the processing pipeline and the
// document repository. It offers one-shot, batch and streaming modes.
package integrate

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sunbelt-data/property-cli/internal/metrics"
	"github.com/sunbelt-data/property-cli/internal/model"
	"github.com/sunbelt-data/property-cli/internal/pipeline"
)

// Selector narrows a batch or streaming fetch.
type Selector struct {
	Zips  []string
	Limit int
}

// Collector delivers raw records from one upstream source.
type Collector interface {
	SourceName() model.Source
	FetchOne(ctx context.Context, identifier string) (model.RawRecord, error)
	FetchMany(ctx context.Context, sel Selector) ([]model.RawRecord, error)
}

// Streamer is an optional collector capability: a lazy record sequence.
// The channel closes when the source is exhausted.
type Streamer interface {
	Stream(ctx context.Context, sel Selector) (<-chan model.RawRecord, error)
}

// Repository is the save-one / save-many / find contract the integrator
// persists through. The store package provides the implementations.
type Repository interface {
	SaveProperty(ctx context.Context, p model.PropertyDetails) error
	BulkSaveProperties(ctx context.Context, props []model.PropertyDetails) (int, error)
	FindPropertyByID(ctx context.Context, propertyID string) (*model.PropertyDetails, error)
}

// Integrator wires collectors through the pipeline into the repository.
type Integrator struct {
	pipe        *pipeline.Pipeline
	repo        Repository
	concurrency int
	log         *zap.Logger
}

// New creates an Integrator. repo may be nil for dry runs; results are then
// reported but never persisted.
func New(pipe *pipeline.Pipeline, repo Repository, concurrency int) *Integrator {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Integrator{
		pipe:        pipe,
		repo:        repo,
		concurrency: concurrency,
		log:         zap.L().With(zap.String("component", "integrate")),
	}
}

// ProcessOne fetches a single record by identifier and runs it end to end.
func (in *Integrator) ProcessOne(ctx context.Context, col Collector, identifier string) model.IntegrationResult {
	raw, err := col.FetchOne(ctx, identifier)
	if err != nil {
		return model.IntegrationResult{
			Source: col.SourceName(),
			Error:  err.Error(),
		}
	}
	return in.integrate(ctx, in.pipe.Process(ctx, raw))
}

// ProcessBatch fetches records for the selector, runs the pipeline batch,
// and bulk-saves the valid results.
func (in *Integrator) ProcessBatch(ctx context.Context, col Collector, sel Selector) (model.BatchIntegrationResult, error) {
	records, err := col.FetchMany(ctx, sel)
	if err != nil {
		return model.BatchIntegrationResult{}, err
	}

	processed := in.pipe.ProcessBatch(ctx, records)

	batch := model.BatchIntegrationResult{Total: len(processed)}
	var valid []model.PropertyDetails
	for _, pr := range processed {
		res := in.toResult(pr)
		if pr.IsValid && pr.Property != nil {
			batch.Valid++
			valid = append(valid, *pr.Property)
		} else if res.Error != "" || !res.Success {
			batch.Failed++
		}
		batch.Results = append(batch.Results, res)
	}

	if in.repo != nil && len(valid) > 0 {
		saved, err := in.repo.BulkSaveProperties(ctx, valid)
		if err != nil {
			in.log.Error("bulk save failed", zap.Error(err), zap.Int("records", len(valid)))
			for i := range batch.Results {
				if batch.Results[i].Success {
					batch.Results[i].SavedToDB = false
					batch.Results[i].Error = err.Error()
				}
			}
			return batch, err
		}
		batch.Saved = saved
		for i := range batch.Results {
			if batch.Results[i].Success {
				batch.Results[i].SavedToDB = true
			}
		}
		for _, p := range valid {
			metrics.SavedTotal.WithLabelValues(string(p.Source)).Inc()
		}
	}
	return batch, nil
}

// ProcessStream yields IntegrationResults as records complete, in
// completion order. Collectors implementing Streamer are consumed lazily;
// others are drained through FetchMany first.
func (in *Integrator) ProcessStream(ctx context.Context, col Collector, sel Selector) (<-chan model.IntegrationResult, error) {
	records, err := in.recordSource(ctx, col, sel)
	if err != nil {
		return nil, err
	}

	out := make(chan model.IntegrationResult)
	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(in.concurrency)
		for raw := range records {
			if ctx.Err() != nil {
				break
			}
			raw := raw
			g.Go(func() error {
				res := in.integrate(ctx, in.pipe.Process(ctx, raw))
				select {
				case out <- res:
				case <-ctx.Done():
				}
				return nil
			})
		}
		g.Wait() //nolint:errcheck // workers never return errors
	}()
	return out, nil
}

func (in *Integrator) recordSource(ctx context.Context, col Collector, sel Selector) (<-chan model.RawRecord, error) {
	if s, ok := col.(Streamer); ok {
		return s.Stream(ctx, sel)
	}
	records, err := col.FetchMany(ctx, sel)
	if err != nil {
		return nil, err
	}
	ch := make(chan model.RawRecord, len(records))
	for _, r := range records {
		ch <- r
	}
	close(ch)
	return ch, nil
}

// integrate persists one pipeline result and reports the outcome.
func (in *Integrator) integrate(ctx context.Context, pr model.ProcessingResult) model.IntegrationResult {
	res := in.toResult(pr)
	if !res.Success || in.repo == nil {
		return res
	}

	if err := in.repo.SaveProperty(ctx, *pr.Property); err != nil {
		in.log.Error("save failed", zap.String("property_id", res.PropertyID), zap.Error(err))
		res.SavedToDB = false
		res.Error = err.Error()
		return res
	}
	res.SavedToDB = true
	metrics.SavedTotal.WithLabelValues(string(res.Source)).Inc()
	return res
}

func (in *Integrator) toResult(pr model.ProcessingResult) model.IntegrationResult {
	res := model.IntegrationResult{
		Success: pr.IsValid && pr.Property != nil,
		Source:  pr.Source,
	}
	if pr.Property != nil {
		res.PropertyID = pr.Property.PropertyID
		res.PropertyData = pr.Property
	}
	if !res.Success && len(pr.Errors) > 0 {
		res.Error = pr.Errors[0]
	}
	return res
}
