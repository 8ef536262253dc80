package integrate

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbelt-data/property-cli/internal/cache"
	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/model"
	"github.com/sunbelt-data/property-cli/internal/pipeline"
	"github.com/sunbelt-data/property-cli/pkg/ollama"
)

const listingHTML = `<h1>123 Main St, Phoenix, AZ 85031</h1><div>$425,000 · 4 bd · 3 ba · 2200 sqft · MLS# 6754321 · Built 2018</div>`

const listingOutput = `<output>{"address": {"street": "123 Main St", "city": "Phoenix", "state": "AZ", "zip": "85031"}, "price": 425000, "bedrooms": 4, "bathrooms": 3.0, "square_feet": 2200, "mls_number": "6754321", "year_built": 2018}</output>`

type stubModel struct {
	response string
}

func (s stubModel) Generate(ctx context.Context, req ollama.GenerateRequest) (*ollama.GenerateResponse, error) {
	return &ollama.GenerateResponse{Model: req.Model, Response: s.response, Done: true}, nil
}

func (s stubModel) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return []ollama.ModelInfo{{Name: "llama3.2"}}, nil
}

func (s stubModel) HealthCheck(ctx context.Context) error { return nil }

type memRepo struct {
	mu      sync.Mutex
	docs    map[string]model.PropertyDetails
	saveErr error
}

func newMemRepo() *memRepo {
	return &memRepo{docs: map[string]model.PropertyDetails{}}
}

func (r *memRepo) SaveProperty(ctx context.Context, p model.PropertyDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.docs[p.PropertyID] = p
	return nil
}

func (r *memRepo) BulkSaveProperties(ctx context.Context, props []model.PropertyDetails) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return 0, r.saveErr
	}
	for _, p := range props {
		r.docs[p.PropertyID] = p
	}
	return len(props), nil
}

func (r *memRepo) FindPropertyByID(ctx context.Context, id string) (*model.PropertyDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.docs[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type stubCollector struct {
	source    model.Source
	records   []model.RawRecord
	fetchErr  error
	streaming bool
}

func (c *stubCollector) SourceName() model.Source { return c.source }

func (c *stubCollector) FetchOne(ctx context.Context, identifier string) (model.RawRecord, error) {
	if c.fetchErr != nil {
		return model.RawRecord{}, c.fetchErr
	}
	return c.records[0], nil
}

func (c *stubCollector) FetchMany(ctx context.Context, sel Selector) ([]model.RawRecord, error) {
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	if sel.Limit > 0 && sel.Limit < len(c.records) {
		return c.records[:sel.Limit], nil
	}
	return c.records, nil
}

type streamCollector struct {
	stubCollector
}

func (c *streamCollector) Stream(ctx context.Context, sel Selector) (<-chan model.RawRecord, error) {
	ch := make(chan model.RawRecord)
	go func() {
		defer close(ch)
		for _, r := range c.records {
			select {
			case ch <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func listingRecord() model.RawRecord {
	return model.RawRecord{
		Source:      model.SourcePhoenixMLS,
		ContentType: model.ContentHTML,
		Text:        listingHTML,
	}
}

func newTestIntegrator(t *testing.T, repo Repository) *Integrator {
	t.Helper()
	cfg := config.Config{
		LLM:        config.LLMConfig{Model: "llama3.2", TimeoutSecs: 5},
		Validation: config.ValidationConfig{MinConfidence: 0.5},
		Errors:     config.ErrorsConfig{RetryMax: 1, CircuitFailureThreshold: 10, CircuitRecoverySecs: 1},
		Resource:   config.ResourceConfig{MaxConcurrent: 4},
		Batch:      config.BatchConfig{InitialSize: 4, MinSize: 1, MaxSize: 8},
	}
	mem := cache.New(cache.Options{Enabled: true, TTL: 0, Memory: cache.NewMemoryBackend(1 << 20)})
	p, err := pipeline.New(cfg, pipeline.Deps{Client: stubModel{response: listingOutput}, Cache: mem})
	require.NoError(t, err)
	return New(p, repo, 4)
}

func TestProcessOne_SavesValidRecord(t *testing.T) {
	repo := newMemRepo()
	in := newTestIntegrator(t, repo)
	col := &stubCollector{source: model.SourcePhoenixMLS, records: []model.RawRecord{listingRecord()}}

	res := in.ProcessOne(context.Background(), col, "6754321")
	assert.True(t, res.Success)
	assert.True(t, res.SavedToDB)
	assert.Equal(t, "phoenix_mls:6754321:85031", res.PropertyID)
	require.NotNil(t, res.PropertyData)

	stored, err := repo.FindPropertyByID(context.Background(), res.PropertyID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Phoenix", stored.Address.City)
}

func TestProcessOne_FetchError(t *testing.T) {
	in := newTestIntegrator(t, newMemRepo())
	col := &stubCollector{source: model.SourcePhoenixMLS, fetchErr: eris.New("connection reset")}

	res := in.ProcessOne(context.Background(), col, "6754321")
	assert.False(t, res.Success)
	assert.False(t, res.SavedToDB)
	assert.Contains(t, res.Error, "connection reset")
}

func TestProcessOne_SaveFailureReported(t *testing.T) {
	repo := newMemRepo()
	repo.saveErr = eris.New("disk full")
	in := newTestIntegrator(t, repo)
	col := &stubCollector{source: model.SourcePhoenixMLS, records: []model.RawRecord{listingRecord()}}

	res := in.ProcessOne(context.Background(), col, "6754321")
	assert.True(t, res.Success)
	assert.False(t, res.SavedToDB)
	assert.Contains(t, res.Error, "disk full")
}

func TestProcessBatch_BulkSavesValid(t *testing.T) {
	repo := newMemRepo()
	in := newTestIntegrator(t, repo)
	col := &stubCollector{
		source:  model.SourcePhoenixMLS,
		records: []model.RawRecord{listingRecord(), listingRecord(), listingRecord()},
	}

	batch, err := in.ProcessBatch(context.Background(), col, Selector{Zips: []string{"85031"}})
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 3, batch.Valid)
	assert.Equal(t, 3, batch.Saved)
	assert.Equal(t, 0, batch.Failed)
	require.Len(t, batch.Results, 3)
	for _, r := range batch.Results {
		assert.True(t, r.SavedToDB)
	}
	// Identical listings collapse onto one property ID.
	assert.Len(t, repo.docs, 1)
}

func TestProcessBatch_LimitRespected(t *testing.T) {
	in := newTestIntegrator(t, newMemRepo())
	col := &stubCollector{
		source:  model.SourcePhoenixMLS,
		records: []model.RawRecord{listingRecord(), listingRecord(), listingRecord()},
	}

	batch, err := in.ProcessBatch(context.Background(), col, Selector{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Total)
}

func TestProcessStream_YieldsAllResults(t *testing.T) {
	repo := newMemRepo()
	in := newTestIntegrator(t, repo)
	col := &streamCollector{stubCollector{
		source:  model.SourcePhoenixMLS,
		records: []model.RawRecord{listingRecord(), listingRecord(), listingRecord(), listingRecord()},
	}}

	ch, err := in.ProcessStream(context.Background(), col, Selector{})
	require.NoError(t, err)

	count := 0
	for res := range ch {
		count++
		assert.True(t, res.Success)
		assert.True(t, res.SavedToDB)
	}
	assert.Equal(t, 4, count)
}

func TestProcessStream_FallsBackToFetchMany(t *testing.T) {
	in := newTestIntegrator(t, newMemRepo())
	col := &stubCollector{
		source:  model.SourcePhoenixMLS,
		records: []model.RawRecord{listingRecord(), listingRecord()},
	}

	ch, err := in.ProcessStream(context.Background(), col, Selector{})
	require.NoError(t, err)

	count := 0
	for range ch {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestDocument_Shape(t *testing.T) {
	p := model.PropertyDetails{
		PropertyID: "phoenix_mls:6754321:85031",
		Address:    model.Address{Street: "123 Main St", City: "Phoenix", State: "AZ", Zip: "85031"},
		Price:      model.Float64Ptr(425000),
		Bedrooms:   model.IntPtr(4),
		MLSNumber:  "6754321",

		Source:               model.SourcePhoenixMLS,
		ExtractionConfidence: 0.9,
		RawData:              map[string]any{"hoa_fee": "120/mo"},
	}

	doc := Document(p)
	addr := doc["address"].(map[string]any)
	assert.Equal(t, "Phoenix", addr["city"])
	assert.Equal(t, 425000.0, doc["price"])

	md := doc["metadata"].(map[string]any)
	assert.Equal(t, "phoenix_mls", md["source"])
	assert.Equal(t, 0.9, md["extraction_confidence"])

	raw := doc["raw_data"].(map[string]any)
	assert.Equal(t, "120/mo", raw["hoa_fee"])

	// Fields never set stay absent rather than appearing as zero values.
	_, hasYear := doc["year_built"]
	assert.False(t, hasYear)
}
