package resilience

import (
	"context"

	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// FallbackFunc produces an offline extraction from the raw request when the
// model cannot. It must be pure and fast.
type FallbackFunc func(req model.ExtractionRequest) (map[string]any, error)

// RecovererConfig controls the layered recovery policy.
type RecovererConfig struct {
	Retry       RetryConfig
	Circuit     CircuitBreakerConfig
	UseFallback bool
	AddToDLQ    bool
}

// Recoverer applies the layered error-recovery policy around model calls:
// classify, retry with a per-class budget, consult the named circuit
// breaker, fall back to offline extraction, and dead-letter terminal
// failures.
type Recoverer struct {
	cfg      RecovererConfig
	breakers *ServiceBreakers
	fallback FallbackFunc
	dlq      DLQ
	log      *zap.Logger
}

// NewRecoverer creates a Recoverer. fallback and dlq may be nil when the
// corresponding config switches are off.
func NewRecoverer(cfg RecovererConfig, fallback FallbackFunc, dlq DLQ) *Recoverer {
	return &Recoverer{
		cfg:      cfg,
		breakers: NewServiceBreakers(cfg.Circuit),
		fallback: fallback,
		dlq:      dlq,
		log:      zap.L().With(zap.String("component", "resilience.recoverer")),
	}
}

// Breakers exposes the breaker registry for health reporting.
func (r *Recoverer) Breakers() *ServiceBreakers {
	return r.breakers
}

// Handle runs op for req under the named circuit breaker with the full
// recovery policy. It returns the extraction mapping and the method that
// produced it. A CircuitOpen error is returned to the caller without retry;
// exhausted retries yield a fallback extraction when possible, otherwise the
// request is dead-lettered and the terminal error returned.
func (r *Recoverer) Handle(ctx context.Context, breakerName string, req model.ExtractionRequest, op func(ctx context.Context) (map[string]any, error)) (map[string]any, model.ExtractionMethod, error) {
	cb := r.breakers.Get(breakerName)

	attempts := 0
	guarded := func(ctx context.Context) (map[string]any, error) {
		attempts++
		return ExecuteVal(ctx, cb, op)
	}

	// The first failure chooses the class-specific retry budget. Circuit
	// rejection is terminal for this call.
	out, err := guarded(ctx)
	if err == nil {
		return out, model.MethodLLM, nil
	}
	if err == ErrCircuitOpen {
		return nil, "", err
	}

	class := Classify(err)
	if Retryable(class) {
		cfg := PolicyFor(class, r.cfg.Retry)
		cfg.MaxAttempts-- // first attempt already spent
		if cfg.OnRetry == nil {
			cfg.OnRetry = RetryLogger(breakerName, string(req.Operation))
		}
		cfg.ShouldRetry = func(e error) bool {
			return e != ErrCircuitOpen && Retryable(Classify(e))
		}
		if cfg.MaxAttempts > 0 {
			out, err = DoVal(ctx, cfg, guarded)
			if err == nil {
				return out, model.MethodLLM, nil
			}
			if err == ErrCircuitOpen {
				return nil, "", err
			}
			class = Classify(err)
		}
	}

	// Retries exhausted. NETWORK, DATA_ERROR and TRANSIENT_SERVER fall back
	// to offline extraction when raw text is available.
	if r.cfg.UseFallback && r.fallback != nil && fallbackEligible(class) && req.Raw.Text != "" {
		fb, fbErr := r.fallback(req)
		if fbErr == nil {
			r.log.Info("recovered via fallback extraction",
				zap.String("breaker", breakerName),
				zap.String("class", string(class)),
				zap.Int("attempts", attempts),
			)
			return fb, model.MethodFallback, nil
		}
		r.log.Warn("fallback extraction failed", zap.Error(fbErr))
	}

	if r.cfg.AddToDLQ && r.dlq != nil {
		item := NewDLQItem(req, err, attempts)
		if dlqErr := r.dlq.Enqueue(ctx, item); dlqErr != nil {
			r.log.Error("failed to dead-letter request", zap.Error(dlqErr))
		} else {
			r.log.Info("request dead-lettered",
				zap.String("dlq_id", item.ID),
				zap.String("class", string(class)),
				zap.Int("attempts", attempts),
			)
		}
	}

	return nil, "", err
}

func fallbackEligible(class ErrorClass) bool {
	switch class {
	case ClassNetwork, ClassDataError, ClassTransientServer:
		return true
	default:
		return false
	}
}
