// Package extract turns raw property records into canonical field mappings,
// either through the generative model or an offline regex fallback.
package extract

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sunbelt-data/property-cli/internal/cache"
	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/metrics"
	"github.com/sunbelt-data/property-cli/internal/model"
	"github.com/sunbelt-data/property-cli/internal/resilience"
	"github.com/sunbelt-data/property-cli/pkg/ollama"
)

// Extractor selects a prompt and schema per source and delegates to the
// model client. A non-nil cache is consulted before any model call.
type Extractor struct {
	client ollama.Client
	cache  *cache.Cache
	cfg    config.LLMConfig
	log    *zap.Logger

	nowFunc func() time.Time
}

// New creates an Extractor. cache may be nil to disable caching.
func New(client ollama.Client, c *cache.Cache, cfg config.LLMConfig) *Extractor {
	return &Extractor{
		client:  client,
		cache:   c,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "extractor")),
		nowFunc: time.Now,
	}
}

// Extract produces the canonical field mapping for one request. The returned
// method is cache or llm; fallback extraction is owned by the recovery layer.
func (e *Extractor) Extract(ctx context.Context, req model.ExtractionRequest) (map[string]any, model.ExtractionMethod, error) {
	schema, ok := SchemaFor(req.Source)
	if !ok {
		return nil, "", resilience.NewClassifiedError(
			eris.Errorf("extract: unknown source %q", req.Source), resilience.ClassPermanent)
	}

	cacheKey := e.cacheKeyData(req)
	if e.cache != nil {
		if hit, ok := e.cache.Get(ctx, cacheKey, model.OpExtraction); ok {
			if fields, ok := hit.(map[string]any); ok {
				return fields, model.MethodCache, nil
			}
		}
	}

	content, err := rawContent(req.Raw)
	if err != nil {
		return nil, "", resilience.NewClassifiedError(err, resilience.ClassDataError)
	}

	fields, err := e.callModel(ctx, schema, req.Raw.ContentType, content)
	if err != nil {
		return nil, "", err
	}

	fields["source"] = string(req.Source)
	fields["extracted_at"] = e.nowFunc().UTC().Format(time.RFC3339)
	if _, ok := fields["extraction_confidence"]; !ok {
		fields["extraction_confidence"] = LLMConfidence
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, cacheKey, model.OpExtraction, fields); err != nil {
			e.log.Warn("cache set failed", zap.Error(err))
		}
	}
	return fields, model.MethodLLM, nil
}

// callModel runs one generate call under the configured deadline and parses
// the sentinel-delimited response.
func (e *Extractor) callModel(ctx context.Context, schema Schema, contentType model.ContentType, content string) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout())
	defer cancel()

	genReq := ollama.GenerateRequest{
		Model:  e.cfg.Model,
		Prompt: BuildPrompt(schema, contentType, content),
		System: systemPrompt,
	}
	if e.cfg.MaxTokens > 0 || e.cfg.Temperature > 0 {
		temp := e.cfg.Temperature
		genReq.Options = &ollama.Options{
			NumPredict:  e.cfg.MaxTokens,
			Temperature: &temp,
		}
	}

	resp, err := e.client.Generate(callCtx, genReq)
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues("failure").Inc()
		return nil, classifyModelError(err)
	}
	metrics.LLMCallsTotal.WithLabelValues("success").Inc()

	fields, err := ollama.ParseStructured(resp.Response, schema.Required)
	if err != nil {
		return nil, resilience.NewClassifiedError(
			eris.Wrap(err, "extract: parse model response"), resilience.ClassDataError)
	}
	return fields, nil
}

// classifyModelError maps client failures onto recovery classes. HTTP status
// errors carry their own class; everything else goes through the generic
// classifier (deadline expiry becomes a network-class timeout).
func classifyModelError(err error) error {
	var se *ollama.StatusError
	if eris.As(err, &se) {
		return resilience.FromHTTPStatus(err, se.StatusCode)
	}
	return resilience.NewClassifiedError(err, resilience.Classify(err))
}

// cacheKeyData returns the value hashed into the cache key. An explicit hint
// wins; otherwise the whole raw record is canonicalized.
func (e *Extractor) cacheKeyData(req model.ExtractionRequest) any {
	if req.CacheKeyHint != "" {
		return req.CacheKeyHint
	}
	return req.Raw
}

// rawContent renders the record payload for prompting: structured records
// are serialized, text-bearing records pass through.
func rawContent(raw model.RawRecord) (string, error) {
	if raw.Text != "" {
		return raw.Text, nil
	}
	if len(raw.Fields) == 0 {
		return "", eris.New("extract: empty raw record")
	}
	data, err := json.Marshal(raw.Fields)
	if err != nil {
		return "", eris.Wrap(err, "extract: marshal raw record")
	}
	return string(data), nil
}

// BatchItem is the per-record outcome of ExtractBatch.
type BatchItem struct {
	Index  int
	Fields map[string]any
	Method model.ExtractionMethod
	Err    error
}

// ExtractBatch runs records concurrently with the given bound. Individual
// failures land in their item; the batch itself always completes.
func (e *Extractor) ExtractBatch(ctx context.Context, records []model.RawRecord, source model.Source, contentType model.ContentType, concurrency int) []BatchItem {
	if concurrency < 1 {
		concurrency = 1
	}

	items := make([]BatchItem, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, raw := range records {
		g.Go(func() error {
			req := model.ExtractionRequest{
				Raw:         raw,
				Source:      source,
				ContentType: contentType,
				Operation:   model.OpExtraction,
			}
			fields, method, err := e.Extract(gctx, req)
			items[i] = BatchItem{Index: i, Fields: fields, Method: method, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items
}
