package extract

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbelt-data/property-cli/internal/cache"
	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/metrics"
	"github.com/sunbelt-data/property-cli/internal/model"
	"github.com/sunbelt-data/property-cli/internal/resilience"
	"github.com/sunbelt-data/property-cli/pkg/ollama"
)

// mockClient scripts Generate responses for the extractor.
type mockClient struct {
	mu       sync.Mutex
	calls    atomic.Int32
	response string
	err      error
	lastReq  ollama.GenerateRequest
}

func (m *mockClient) Generate(_ context.Context, req ollama.GenerateRequest) (*ollama.GenerateResponse, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &ollama.GenerateResponse{Model: req.Model, Response: m.response, Done: true}, nil
}

func (m *mockClient) ListModels(context.Context) ([]ollama.ModelInfo, error) {
	return []ollama.ModelInfo{{Name: "llama3.2"}}, nil
}

func (m *mockClient) HealthCheck(context.Context) error { return nil }

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Model:       "llama3.2",
		TimeoutSecs: 5,
		MaxTokens:   2000,
		Temperature: 0.1,
	}
}

func htmlRequest() model.ExtractionRequest {
	return model.ExtractionRequest{
		Raw: model.RawRecord{
			Source:      model.SourcePhoenixMLS,
			ContentType: model.ContentHTML,
			Text:        listingHTML,
		},
		Source:      model.SourcePhoenixMLS,
		ContentType: model.ContentHTML,
		Operation:   model.OpExtraction,
	}
}

const listingOutput = `<output>{"address": {"street": "123 Main St", "city": "Phoenix", "state": "AZ", "zip": "85031"}, "price": 425000, "bedrooms": 4, "bathrooms": 3.0, "square_feet": 2200, "mls_number": "6754321", "year_built": 2018}</output>`

func TestExtract_HTMLListing(t *testing.T) {
	client := &mockClient{response: listingOutput}
	e := New(client, nil, testLLMConfig())

	fields, method, err := e.Extract(context.Background(), htmlRequest())
	require.NoError(t, err)
	assert.Equal(t, model.MethodLLM, method)

	addr := fields["address"].(map[string]any)
	assert.Equal(t, "123 Main St", addr["street"])
	assert.Equal(t, "85031", addr["zip"])
	assert.Equal(t, 425000.0, fields["price"])
	assert.Equal(t, 4.0, fields["bedrooms"])
	assert.Equal(t, "6754321", fields["mls_number"])

	// Extractor-injected metadata.
	assert.Equal(t, "phoenix_mls", fields["source"])
	extractedAt, ok := fields["extracted_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, extractedAt)
	assert.NoError(t, err)

	// Prompt selection: HTML template, sentinel instructions, field list.
	assert.Contains(t, client.lastReq.Prompt, "HTML fragment")
	assert.Contains(t, client.lastReq.Prompt, "<output>")
	assert.Contains(t, client.lastReq.Prompt, "mls_number")
	assert.Contains(t, client.lastReq.System, "never guess")
	require.NotNil(t, client.lastReq.Options)
	assert.Equal(t, 2000, client.lastReq.Options.NumPredict)
}

func TestExtract_JSONRecord(t *testing.T) {
	client := &mockClient{response: `<output>{"parcel_number": "123-45-678", "address": {"street": "456 Demo Ave", "city": "Phoenix", "zip": "85033"}, "price": 385000, "bedrooms": 3, "bathrooms": 2.5, "square_feet": 1850, "year_built": 2015}</output>`}
	e := New(client, nil, testLLMConfig())

	fields, method, err := e.Extract(context.Background(), model.ExtractionRequest{
		Raw: model.RawRecord{
			Source:      model.SourceMaricopaCounty,
			ContentType: model.ContentJSON,
			Fields: map[string]any{
				"parcel_number":    "123-45-678",
				"property_address": map[string]any{"address": "456 Demo Ave", "city": "Phoenix", "zip": "85033"},
				"property_details": map[string]any{"bedrooms": 3, "bathrooms": 2.5, "living_area": 1850, "year_built": 2015},
				"valuation":        map[string]any{"market_value": 385000},
			},
		},
		Source:      model.SourceMaricopaCounty,
		ContentType: model.ContentJSON,
		Operation:   model.OpExtraction,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MethodLLM, method)
	assert.Equal(t, "123-45-678", fields["parcel_number"])
	assert.Equal(t, 385000.0, fields["price"])

	// JSON records use the normalization template and serialize the payload.
	assert.Contains(t, client.lastReq.Prompt, "living_area")
	assert.Contains(t, client.lastReq.Prompt, "canonical")
}

func TestExtract_UnknownSource(t *testing.T) {
	e := New(&mockClient{}, nil, testLLMConfig())

	_, _, err := e.Extract(context.Background(), model.ExtractionRequest{
		Raw:    model.RawRecord{Text: "x"},
		Source: model.Source("zillow"),
	})
	require.Error(t, err)
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(err))
}

func TestExtract_MissingRequiredKeyIsDataError(t *testing.T) {
	// Maricopa requires parcel_number; the model omitted it.
	client := &mockClient{response: `<output>{"address": {"street": "456 Demo Ave"}}</output>`}
	e := New(client, nil, testLLMConfig())

	_, _, err := e.Extract(context.Background(), model.ExtractionRequest{
		Raw: model.RawRecord{
			Source:      model.SourceMaricopaCounty,
			ContentType: model.ContentJSON,
			Fields:      map[string]any{"parcel_number": "123-45-678"},
		},
		Source:      model.SourceMaricopaCounty,
		ContentType: model.ContentJSON,
	})
	require.Error(t, err)
	assert.Equal(t, resilience.ClassDataError, resilience.Classify(err))
}

func TestExtract_UnparseableResponseIsDataError(t *testing.T) {
	client := &mockClient{response: "I'm sorry, I can't help with that."}
	e := New(client, nil, testLLMConfig())

	_, _, err := e.Extract(context.Background(), htmlRequest())
	require.Error(t, err)
	assert.Equal(t, resilience.ClassDataError, resilience.Classify(err))
}

func TestExtract_StatusErrorsCarryClass(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   resilience.ErrorClass
	}{
		{name: "rate_limited", status: 429, want: resilience.ClassRateLimit},
		{name: "server_error", status: 500, want: resilience.ClassTransientServer},
		{name: "not_found", status: 404, want: resilience.ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClient{err: &ollama.StatusError{StatusCode: tt.status, Body: "nope"}}
			e := New(client, nil, testLLMConfig())

			_, _, err := e.Extract(context.Background(), htmlRequest())
			require.Error(t, err)
			assert.Equal(t, tt.want, resilience.Classify(err))
		})
	}
}

func TestExtract_EmptyRecord(t *testing.T) {
	e := New(&mockClient{}, nil, testLLMConfig())

	_, _, err := e.Extract(context.Background(), model.ExtractionRequest{
		Raw:    model.RawRecord{Source: model.SourcePhoenixMLS},
		Source: model.SourcePhoenixMLS,
	})
	require.Error(t, err)
	assert.Equal(t, resilience.ClassDataError, resilience.Classify(err))
}

func TestExtract_ModelCallCounters(t *testing.T) {
	// Counters live on the default registry, so assert on deltas.
	successBefore := testutil.ToFloat64(metrics.LLMCallsTotal.WithLabelValues("success"))
	failureBefore := testutil.ToFloat64(metrics.LLMCallsTotal.WithLabelValues("failure"))

	e := New(&mockClient{response: listingOutput}, nil, testLLMConfig())
	_, _, err := e.Extract(context.Background(), htmlRequest())
	require.NoError(t, err)

	failing := New(&mockClient{err: errors.New("connection refused")}, nil, testLLMConfig())
	_, _, err = failing.Extract(context.Background(), htmlRequest())
	require.Error(t, err)

	assert.InDelta(t, successBefore+1, testutil.ToFloat64(metrics.LLMCallsTotal.WithLabelValues("success")), 0.001)
	assert.InDelta(t, failureBefore+1, testutil.ToFloat64(metrics.LLMCallsTotal.WithLabelValues("failure")), 0.001)
}

func TestExtract_CacheHitSkipsModel(t *testing.T) {
	client := &mockClient{response: listingOutput}
	c := cache.New(cache.Options{Enabled: true, TTL: time.Hour, Memory: cache.NewMemoryBackend(1 << 20)})
	e := New(client, c, testLLMConfig())

	req := htmlRequest()
	first, method, err := e.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.MethodLLM, method)

	second, method, err := e.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.MethodCache, method)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), client.calls.Load(), "second request must not invoke the model")

	stats := c.Stats(context.Background())
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestExtract_Deterministic(t *testing.T) {
	client := &mockClient{response: listingOutput}
	e := New(client, nil, testLLMConfig())
	e.nowFunc = func() time.Time { return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC) }

	a, _, err := e.Extract(context.Background(), htmlRequest())
	require.NoError(t, err)
	b, _, err := e.Extract(context.Background(), htmlRequest())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExtractBatch_IndividualFailuresDoNotAbort(t *testing.T) {
	client := &mockClient{response: listingOutput}
	e := New(client, nil, testLLMConfig())

	records := []model.RawRecord{
		{Source: model.SourcePhoenixMLS, ContentType: model.ContentHTML, Text: listingHTML},
		{Source: model.SourcePhoenixMLS, ContentType: model.ContentHTML}, // empty: fails
		{Source: model.SourcePhoenixMLS, ContentType: model.ContentHTML, Text: listingHTML},
	}

	items := e.ExtractBatch(context.Background(), records, model.SourcePhoenixMLS, model.ContentHTML, 2)
	require.Len(t, items, 3)

	assert.NoError(t, items[0].Err)
	assert.NotNil(t, items[0].Fields)
	assert.Error(t, items[1].Err)
	assert.NoError(t, items[2].Err)
	assert.Equal(t, 2, items[2].Index)
}

func TestExtractBatch_NetworkErrorDoesNotAbortOthers(t *testing.T) {
	client := &mockClient{err: errors.New("connection refused")}
	e := New(client, nil, testLLMConfig())

	records := []model.RawRecord{
		{Source: model.SourcePhoenixMLS, ContentType: model.ContentHTML, Text: "a"},
		{Source: model.SourcePhoenixMLS, ContentType: model.ContentHTML, Text: "b"},
	}

	items := e.ExtractBatch(context.Background(), records, model.SourcePhoenixMLS, model.ContentHTML, 1)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Error(t, item.Err)
	}
	assert.Equal(t, int32(2), client.calls.Load())
}
