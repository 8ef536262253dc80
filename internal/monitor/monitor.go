// Package monitor samples process resource usage on an interval and uses
// it for admission control, threshold alerting and batch sizing.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/metrics"
	"github.com/sunbelt-data/property-cli/internal/model"
)

// AlertLevel orders threshold severities.
type AlertLevel int

const (
	LevelNone AlertLevel = iota
	LevelWarning
	LevelCritical
)

func (l AlertLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "none"
	}
}

// Alert is emitted once per upward threshold crossing of one resource.
type Alert struct {
	Resource     string     `json:"resource"`
	Level        AlertLevel `json:"level"`
	CurrentValue float64    `json:"current_value"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Reservation records an advisory claim on capacity ahead of a batch.
type Reservation struct {
	ID        string
	MemoryMB  float64
	CPUCores  float64
	ExpiresAt time.Time
}

// Monitor owns the sampling loop and the in-process admission counters.
type Monitor struct {
	cfg      config.ResourceConfig
	batchCfg config.BatchConfig
	sampler  Sampler
	degraded bool
	log      *zap.Logger

	mu           sync.Mutex
	latest       model.ResourceSample
	active       map[string]struct{}
	queueDepth   int
	lastLevel    map[string]AlertLevel
	callbacks    []func(Alert)
	reservations map[string]Reservation
	stop         chan struct{}
	done         chan struct{}

	nowFunc func() time.Time
}

// New creates a Monitor. A nil sampler, or a sampler whose first probe
// fails, leaves the monitor degraded: zero usage is reported and only the
// concurrency counter gates admission.
func New(cfg config.ResourceConfig, batchCfg config.BatchConfig, sampler Sampler) *Monitor {
	log := zap.L().With(zap.String("component", "monitor"))

	m := &Monitor{
		cfg:          cfg,
		batchCfg:     batchCfg,
		sampler:      sampler,
		log:          log,
		active:       make(map[string]struct{}),
		lastLevel:    make(map[string]AlertLevel),
		reservations: make(map[string]Reservation),
		nowFunc:      time.Now,
	}

	if sampler == nil {
		m.degraded = true
	} else if _, _, _, err := sampler.Sample(); err != nil {
		log.Warn("system metrics unavailable, monitor degraded", zap.Error(err))
		m.degraded = true
	}
	return m
}

// Status reports "ok" or "degraded".
func (m *Monitor) Status() string {
	if m.degraded {
		return "degraded"
	}
	return "ok"
}

// Degraded reports whether the system metrics API was unavailable.
func (m *Monitor) Degraded() bool { return m.degraded }

// Start launches the background sampling loop. Stop halts it; Start after
// Stop is not supported.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	interval := time.Duration(m.cfg.SampleIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.sampleOnce()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.sampleOnce()
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.mu.Unlock()
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done
}

// OnAlert registers a callback invoked for each upward threshold crossing.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// SetQueueDepth records the pipeline's pending-work depth for sampling.
func (m *Monitor) SetQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = depth
}

// Snapshot returns the most recent sample.
func (m *Monitor) Snapshot() model.ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// sampleOnce reads usage, stores the sample and evaluates alerts. In
// degraded mode the reading is all zeros but counters still update.
func (m *Monitor) sampleOnce() {
	var memMB, memPct, cpuPct float64
	if !m.degraded {
		var err error
		memMB, memPct, cpuPct, err = m.sampler.Sample()
		if err != nil {
			m.log.Warn("resource sample failed", zap.Error(err))
			memMB, memPct, cpuPct = 0, 0, 0
		}
	}

	m.mu.Lock()
	m.latest = model.ResourceSample{
		Timestamp:        m.nowFunc().UTC(),
		MemoryMB:         memMB,
		MemoryPercent:    memPct,
		CPUPercent:       cpuPct,
		ActiveOperations: len(m.active),
		QueueDepth:       m.queueDepth,
	}
	sample := m.latest
	alerts := m.evaluateLocked()
	callbacks := make([]func(Alert), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	metrics.ObserveResourceSample(sample)

	// Callbacks run outside the lock so they may query the monitor.
	for _, alert := range alerts {
		for _, fn := range callbacks {
			fn(alert)
		}
		m.log.Warn("resource alert",
			zap.String("resource", alert.Resource),
			zap.String("level", alert.Level.String()),
			zap.Float64("value", alert.CurrentValue),
		)
	}
}

// evaluateLocked computes upward crossings against the configured
// thresholds. Downward crossings update state silently.
func (m *Monitor) evaluateLocked() []Alert {
	readings := map[string]float64{
		"memory": m.latest.MemoryPercent,
		"cpu":    m.latest.CPUPercent,
	}

	var alerts []Alert
	for resource, value := range readings {
		th, ok := m.cfg.AlertThresholds[resource]
		if !ok {
			continue
		}
		level := LevelNone
		switch {
		case th.Critical > 0 && value >= th.Critical:
			level = LevelCritical
		case th.Warning > 0 && value >= th.Warning:
			level = LevelWarning
		}
		if level > m.lastLevel[resource] {
			alerts = append(alerts, Alert{
				Resource:     resource,
				Level:        level,
				CurrentValue: value,
				Timestamp:    m.latest.Timestamp,
			})
		}
		m.lastLevel[resource] = level
	}
	return alerts
}

// CheckResourceAvailability admits op when the concurrency ceiling and the
// critical thresholds allow it. Admitted ops must be released.
func (m *Monitor) CheckResourceAvailability(opID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxConcurrent > 0 && len(m.active) >= m.cfg.MaxConcurrent {
		return false
	}
	if !m.degraded {
		if th, ok := m.cfg.AlertThresholds["memory"]; ok && th.Critical > 0 && m.latest.MemoryPercent >= th.Critical {
			return false
		}
		if th, ok := m.cfg.AlertThresholds["cpu"]; ok && th.Critical > 0 && m.latest.CPUPercent >= th.Critical {
			return false
		}
		if m.cfg.MaxMemoryMB > 0 && m.latest.MemoryMB+m.reservedMemoryLocked() >= m.cfg.MaxMemoryMB {
			return false
		}
	}

	m.active[opID] = struct{}{}
	m.latest.ActiveOperations = len(m.active)
	metrics.ActiveOperations.Set(float64(len(m.active)))
	return true
}

// ReleaseResources releases an admitted operation.
func (m *Monitor) ReleaseResources(opID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, opID)
	m.latest.ActiveOperations = len(m.active)
	metrics.ActiveOperations.Set(float64(len(m.active)))
}

// ActiveOperations returns the current admission count.
func (m *Monitor) ActiveOperations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ReserveResources records an advisory capacity claim for the given
// duration and returns its id.
func (m *Monitor) ReserveResources(memoryMB, cpuCores float64, duration time.Duration) (string, error) {
	if memoryMB < 0 || cpuCores < 0 || duration <= 0 {
		return "", eris.New("monitor: invalid reservation")
	}
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[id] = Reservation{
		ID:        id,
		MemoryMB:  memoryMB,
		CPUCores:  cpuCores,
		ExpiresAt: m.nowFunc().Add(duration),
	}
	return id, nil
}

// ReleaseReservation clears a reservation; unknown ids are a no-op.
func (m *Monitor) ReleaseReservation(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, id)
}

// reservedMemoryLocked sums unexpired reservations, pruning expired ones.
func (m *Monitor) reservedMemoryLocked() float64 {
	now := m.nowFunc()
	var total float64
	for id, r := range m.reservations {
		if now.After(r.ExpiresAt) {
			delete(m.reservations, id)
			continue
		}
		total += r.MemoryMB
	}
	return total
}

// RecommendedBatchSize maps current pressure onto [min, max]. The result
// is a pure function of the latest sample and the configured thresholds.
func (m *Monitor) RecommendedBatchSize() int {
	m.mu.Lock()
	sample := m.latest
	m.mu.Unlock()

	baseline := m.batchCfg.InitialSize
	if m.degraded || !m.batchCfg.Adaptive {
		return clampBatch(baseline, m.batchCfg.MinSize, m.batchCfg.MaxSize)
	}

	memTh, memOK := m.cfg.AlertThresholds["memory"]
	cpuTh, cpuOK := m.cfg.AlertThresholds["cpu"]
	if !memOK || !cpuOK || memTh.Critical <= 0 || cpuTh.Critical <= 0 {
		return clampBatch(baseline, m.batchCfg.MinSize, m.batchCfg.MaxSize)
	}

	// Pressure is the worse of the two resources, normalized so 1.0 means
	// at-critical.
	pressure := math.Max(sample.MemoryPercent/memTh.Critical, sample.CPUPercent/cpuTh.Critical)
	warnFrac := math.Min(memTh.Warning/memTh.Critical, cpuTh.Warning/cpuTh.Critical)

	var size float64
	switch {
	case pressure >= 1:
		size = float64(m.batchCfg.MinSize)
	case pressure >= warnFrac:
		// Between warning and critical: shrink linearly toward min.
		f := (pressure - warnFrac) / (1 - warnFrac)
		size = float64(baseline) - f*float64(baseline-m.batchCfg.MinSize)
	case pressure <= warnFrac/2:
		// Well below warning: grow linearly toward max.
		f := 1 - pressure/(warnFrac/2)
		size = float64(baseline) + f*float64(m.batchCfg.MaxSize-baseline)
	default:
		size = float64(baseline)
	}

	return clampBatch(int(math.Round(size)), m.batchCfg.MinSize, m.batchCfg.MaxSize)
}

func clampBatch(size, minSize, maxSize int) int {
	if minSize > 0 && size < minSize {
		return minSize
	}
	if maxSize > 0 && size > maxSize {
		return maxSize
	}
	if size < 1 {
		return 1
	}
	return size
}
