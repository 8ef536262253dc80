package resilience

import (
	"time"
)

// FromErrorsConfig converts config knob values to a RecovererConfig.
func FromErrorsConfig(retryMax, circuitFailureThreshold, circuitRecoverySecs int, fallbackEnabled, dlqEnabled bool) RecovererConfig {
	retry := DefaultRetryConfig()
	if retryMax > 0 {
		retry.MaxAttempts = retryMax + 1 // knob counts retries, not attempts
	}

	circuit := DefaultCircuitBreakerConfig()
	if circuitFailureThreshold > 0 {
		circuit.FailureThreshold = circuitFailureThreshold
	}
	if circuitRecoverySecs > 0 {
		circuit.RecoveryTimeout = time.Duration(circuitRecoverySecs) * time.Second
	}

	return RecovererConfig{
		Retry:       retry,
		Circuit:     circuit,
		UseFallback: fallbackEnabled,
		AddToDLQ:    dlqEnabled,
	}
}
