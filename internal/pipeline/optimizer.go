package pipeline

import (
	"sync"

	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/monitor"
)

const (
	// optimizerWindow is how many completed batches inform the next size.
	optimizerWindow = 10
	// maxStepFraction caps size change between consecutive batches.
	maxStepFraction = 0.2
	// successFloor is the batch success rate below which sizes only shrink.
	successFloor = 0.8
)

type batchOutcome struct {
	size      int
	succeeded int
	failed    int
}

// Optimizer chooses batch sizes from recent outcomes and current resource
// pressure. Sizes move by at most 20% between batches so throughput
// adjustments stay smooth.
type Optimizer struct {
	mu      sync.Mutex
	cfg     config.BatchConfig
	mon     *monitor.Monitor
	window  []batchOutcome
	current int
}

// NewOptimizer creates an Optimizer starting at the configured initial size.
func NewOptimizer(cfg config.BatchConfig, mon *monitor.Monitor) *Optimizer {
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = 10
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.InitialSize
	}
	return &Optimizer{cfg: cfg, mon: mon, current: cfg.InitialSize}
}

// Current returns the size the next batch should use.
func (o *Optimizer) Current() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Record feeds one completed batch back into the window.
func (o *Optimizer) Record(size, succeeded, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.window = append(o.window, batchOutcome{size: size, succeeded: succeeded, failed: failed})
	if len(o.window) > optimizerWindow {
		o.window = o.window[len(o.window)-optimizerWindow:]
	}
}

// Next computes the size for the upcoming batch. Non-adaptive configs always
// return the initial size.
func (o *Optimizer) Next() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.cfg.Adaptive {
		o.current = o.cfg.InitialSize
		return o.current
	}

	target := o.current
	if o.mon != nil {
		target = o.mon.RecommendedBatchSize()
	}

	// A struggling window overrides any headroom the monitor sees.
	if rate, ok := o.successRateLocked(); ok && rate < successFloor {
		shrunk := int(float64(o.current) * (1 - maxStepFraction))
		if shrunk < target {
			target = shrunk
		}
	}

	step := int(float64(o.current) * maxStepFraction)
	if step < 1 {
		step = 1
	}
	switch {
	case target > o.current+step:
		target = o.current + step
	case target < o.current-step:
		target = o.current - step
	}

	if target < o.cfg.MinSize {
		target = o.cfg.MinSize
	}
	if target > o.cfg.MaxSize {
		target = o.cfg.MaxSize
	}
	o.current = target
	return o.current
}

func (o *Optimizer) successRateLocked() (float64, bool) {
	total, succeeded := 0, 0
	for _, b := range o.window {
		total += b.succeeded + b.failed
		succeeded += b.succeeded
	}
	if total == 0 {
		return 0, false
	}
	return float64(succeeded) / float64(total), true
}
