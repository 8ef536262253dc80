package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// memDLQ is an in-memory DLQ for tests.
type memDLQ struct {
	mu    sync.Mutex
	items []model.DLQItem
}

func (d *memDLQ) Enqueue(_ context.Context, item model.DLQItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item)
	return nil
}

func (d *memDLQ) List(_ context.Context, limit int) ([]model.DLQItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.items) {
		limit = len(d.items)
	}
	return append([]model.DLQItem(nil), d.items[:limit]...), nil
}

func (d *memDLQ) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, it := range d.items {
		if it.ID == id {
			d.items = append(d.items[:i], d.items[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (d *memDLQ) Purge(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	d.items = nil
	return n, nil
}

func (d *memDLQ) Count(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items), nil
}

func testRecovererConfig() RecovererConfig {
	return RecovererConfig{
		Retry: RetryConfig{
			MaxAttempts:    4,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2.0,
		},
		Circuit:     CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute},
		UseFallback: true,
		AddToDLQ:    true,
	}
}

func htmlRequest() model.ExtractionRequest {
	return model.ExtractionRequest{
		Raw: model.RawRecord{
			Source:      model.SourcePhoenixMLS,
			ContentType: model.ContentHTML,
			Text:        "<h1>123 Main St, Phoenix, AZ 85031</h1>",
		},
		Source:      model.SourcePhoenixMLS,
		ContentType: model.ContentHTML,
		Operation:   model.OpExtraction,
	}
}

func TestRecoverer_SuccessPassesThrough(t *testing.T) {
	r := NewRecoverer(testRecovererConfig(), nil, nil)

	out, method, err := r.Handle(context.Background(), "ollama", htmlRequest(), func(_ context.Context) (map[string]any, error) {
		return map[string]any{"price": 425000.0}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != model.MethodLLM {
		t.Errorf("expected llm method, got %s", method)
	}
	if out["price"] != 425000.0 {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestRecoverer_NetworkFailuresThenSuccess(t *testing.T) {
	r := NewRecoverer(testRecovererConfig(), nil, nil)

	var calls int
	out, method, err := r.Handle(context.Background(), "ollama", htmlRequest(), func(_ context.Context) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, NewClassifiedError(errors.New("connection refused"), ClassNetwork)
		}
		return map[string]any{"bedrooms": 4.0}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 model calls, got %d", calls)
	}
	if method != model.MethodLLM {
		t.Errorf("expected llm method, got %s", method)
	}
	if out["bedrooms"] != 4.0 {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestRecoverer_DataErrorFallsBackWithoutRetry(t *testing.T) {
	fallbackCalled := false
	fallback := func(req model.ExtractionRequest) (map[string]any, error) {
		fallbackCalled = true
		return map[string]any{"price": 425000.0}, nil
	}
	r := NewRecoverer(testRecovererConfig(), fallback, nil)

	var calls int
	out, method, err := r.Handle(context.Background(), "ollama", htmlRequest(), func(_ context.Context) (map[string]any, error) {
		calls++
		return nil, NewClassifiedError(errors.New("malformed response"), ClassDataError)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("data errors must not retry: expected 1 call, got %d", calls)
	}
	if !fallbackCalled {
		t.Error("expected fallback to run")
	}
	if method != model.MethodFallback {
		t.Errorf("expected fallback method, got %s", method)
	}
	if out["price"] != 425000.0 {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestRecoverer_NoRawTextSkipsFallback(t *testing.T) {
	fallback := func(req model.ExtractionRequest) (map[string]any, error) {
		t.Error("fallback must not run without raw text")
		return nil, nil
	}
	dlq := &memDLQ{}
	r := NewRecoverer(testRecovererConfig(), fallback, dlq)

	req := htmlRequest()
	req.Raw.Text = ""

	_, _, err := r.Handle(context.Background(), "ollama", req, func(_ context.Context) (map[string]any, error) {
		return nil, NewClassifiedError(errors.New("malformed response"), ClassDataError)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if n, _ := dlq.Count(context.Background()); n != 1 {
		t.Errorf("expected 1 dead-lettered item, got %d", n)
	}
}

func TestRecoverer_PermanentGoesToDLQ(t *testing.T) {
	dlq := &memDLQ{}
	r := NewRecoverer(testRecovererConfig(), nil, dlq)

	var calls int
	_, _, err := r.Handle(context.Background(), "ollama", htmlRequest(), func(_ context.Context) (map[string]any, error) {
		calls++
		return nil, FromHTTPStatus(errors.New("not found"), 404)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent errors must not retry: expected 1 call, got %d", calls)
	}

	items, _ := dlq.List(context.Background(), 10)
	if len(items) != 1 {
		t.Fatalf("expected 1 DLQ item, got %d", len(items))
	}
	if items[0].ErrorType != string(ClassPermanent) {
		t.Errorf("expected permanent error type, got %s", items[0].ErrorType)
	}
	if items[0].Request.Source != model.SourcePhoenixMLS {
		t.Error("DLQ item must carry the original request")
	}
}

func TestRecoverer_DLQDisabled(t *testing.T) {
	dlq := &memDLQ{}
	cfg := testRecovererConfig()
	cfg.AddToDLQ = false
	r := NewRecoverer(cfg, nil, dlq)

	_, _, err := r.Handle(context.Background(), "ollama", htmlRequest(), func(_ context.Context) (map[string]any, error) {
		return nil, FromHTTPStatus(errors.New("not found"), 404)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if n, _ := dlq.Count(context.Background()); n != 0 {
		t.Errorf("expected empty DLQ when disabled, got %d items", n)
	}
}

func TestRecoverer_CircuitOpensUnderSustainedFailure(t *testing.T) {
	cfg := testRecovererConfig()
	cfg.Retry.MaxAttempts = 1 // isolate circuit behavior from retries
	r := NewRecoverer(cfg, nil, nil)

	var invoked int
	op := func(_ context.Context) (map[string]any, error) {
		invoked++
		return nil, NewClassifiedError(errors.New("connection refused"), ClassNetwork)
	}

	for i := 0; i < 10; i++ {
		_, _, err := r.Handle(context.Background(), "ollama", htmlRequest(), op)
		if err == nil {
			t.Fatal("expected error")
		}
		if i >= 3 && !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("request %d: expected ErrCircuitOpen, got %v", i, err)
		}
	}

	// Threshold 3: the model is reached exactly 3 times across 10 requests.
	if invoked != 3 {
		t.Errorf("expected 3 model invocations, got %d", invoked)
	}
}

func TestRecoverer_CircuitOpenNotRetried(t *testing.T) {
	cfg := testRecovererConfig()
	cfg.Circuit.FailureThreshold = 1
	r := NewRecoverer(cfg, nil, nil)

	op := func(_ context.Context) (map[string]any, error) {
		return nil, NewClassifiedError(errors.New("connection refused"), ClassNetwork)
	}

	// Trip the breaker (first call consumes the threshold, retries are
	// rejected by the now-open circuit).
	_, _, _ = r.Handle(context.Background(), "ollama", htmlRequest(), op)

	var invoked int
	_, _, err := r.Handle(context.Background(), "ollama", htmlRequest(), func(_ context.Context) (map[string]any, error) {
		invoked++
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked != 0 {
		t.Errorf("open circuit must not invoke the dependency, got %d calls", invoked)
	}
}

func TestRetryItem_RemovesOnSuccess(t *testing.T) {
	dlq := &memDLQ{}
	item := NewDLQItem(htmlRequest(), errors.New("failed"), 3)
	if err := dlq.Enqueue(context.Background(), item); err != nil {
		t.Fatal(err)
	}

	err := RetryItem(context.Background(), dlq, item, func(_ context.Context, req model.ExtractionRequest) error {
		if req.Source != model.SourcePhoenixMLS {
			t.Error("retry op must receive the stored request")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := dlq.Count(context.Background()); n != 0 {
		t.Errorf("expected item removed after successful retry, %d remain", n)
	}
}

func TestRetryItem_KeepsOnFailure(t *testing.T) {
	dlq := &memDLQ{}
	item := NewDLQItem(htmlRequest(), errors.New("failed"), 3)
	_ = dlq.Enqueue(context.Background(), item)

	err := RetryItem(context.Background(), dlq, item, func(_ context.Context, _ model.ExtractionRequest) error {
		return errors.New("still broken")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if n, _ := dlq.Count(context.Background()); n != 1 {
		t.Errorf("expected item retained after failed retry, got %d", n)
	}
}
