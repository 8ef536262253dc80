package resilience

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// DLQ is the durable dead-letter store for permanently failed requests.
// The store package provides the backing implementations.
type DLQ interface {
	Enqueue(ctx context.Context, item model.DLQItem) error
	List(ctx context.Context, limit int) ([]model.DLQItem, error)
	Delete(ctx context.Context, id string) error
	Purge(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

// NewDLQItem builds a dead-letter record from a failed request.
func NewDLQItem(req model.ExtractionRequest, err error, attempts int) model.DLQItem {
	return model.DLQItem{
		ID:           uuid.NewString(),
		Request:      req,
		ErrorMessage: err.Error(),
		ErrorType:    string(Classify(err)),
		FailedAt:     time.Now().UTC(),
		Attempts:     attempts,
	}
}

// RetryOp re-runs a stored request. A nil return means the request now
// succeeds and the item may be removed.
type RetryOp func(ctx context.Context, req model.ExtractionRequest) error

// RetryItem invokes op against the stored request of the given item; on
// success the item is removed from the queue.
func RetryItem(ctx context.Context, dlq DLQ, item model.DLQItem, op RetryOp) error {
	if err := op(ctx, item.Request); err != nil {
		return eris.Wrapf(err, "dlq: retry %s", item.ID)
	}
	if err := dlq.Delete(ctx, item.ID); err != nil {
		return eris.Wrapf(err, "dlq: delete %s after successful retry", item.ID)
	}
	return nil
}
