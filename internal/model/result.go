package model

import (
	"time"
)

// ExtractionMethod records how a property record was produced.
type ExtractionMethod string

const (
	MethodLLM      ExtractionMethod = "llm"
	MethodFallback ExtractionMethod = "fallback"
	MethodCache    ExtractionMethod = "cache"
)

// FieldValidation holds the per-field outcome of validation.
type FieldValidation struct {
	IsValid    bool     `json:"is_valid"`
	Confidence float64  `json:"confidence"`
	Value      any      `json:"value,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// QualityMetrics summarizes data quality across one validated record.
type QualityMetrics struct {
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	Accuracy     float64 `json:"accuracy"`
	Timeliness   float64 `json:"timeliness"`
}

// ValidationResult aggregates the validator's verdict on a single record.
type ValidationResult struct {
	IsValid          bool                       `json:"is_valid"`
	ConfidenceScore  float64                    `json:"confidence_score"`
	Errors           []string                   `json:"errors,omitempty"`
	Warnings         []string                   `json:"warnings,omitempty"`
	FieldValidations map[string]FieldValidation `json:"field_validations,omitempty"`
	Quality          QualityMetrics             `json:"quality_metrics"`
}

// ProcessingResult is the pipeline's per-item output.
type ProcessingResult struct {
	IsValid          bool              `json:"is_valid"`
	Property         *PropertyDetails  `json:"property,omitempty"`
	Source           Source            `json:"source"`
	ProcessingTime   time.Duration     `json:"processing_time"`
	Errors           []string          `json:"errors,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	ExtractionMethod ExtractionMethod  `json:"extraction_method,omitempty"`
	Validation       *ValidationResult `json:"validation,omitempty"`
}

// DLQItem is a permanently failed request recorded for later retry.
type DLQItem struct {
	ID           string            `json:"id"`
	Request      ExtractionRequest `json:"original_request"`
	ErrorMessage string            `json:"error_message"`
	ErrorType    string            `json:"error_type"`
	FailedAt     time.Time         `json:"failed_at"`
	Attempts     int               `json:"attempts"`
}

// ResourceSample is one point-in-time reading from the resource monitor.
type ResourceSample struct {
	Timestamp        time.Time `json:"timestamp"`
	MemoryMB         float64   `json:"memory_mb"`
	MemoryPercent    float64   `json:"memory_percent"`
	CPUPercent       float64   `json:"cpu_percent"`
	ActiveOperations int       `json:"active_operations"`
	QueueDepth       int       `json:"queue_depth"`
}

// IntegrationResult is the integrator's per-item outcome: pipeline result
// plus persistence status.
type IntegrationResult struct {
	Success      bool             `json:"success"`
	PropertyID   string           `json:"property_id,omitempty"`
	Source       Source           `json:"source"`
	PropertyData *PropertyDetails `json:"property_data,omitempty"`
	SavedToDB    bool             `json:"saved_to_db"`
	Error        string           `json:"error,omitempty"`
}

// BatchIntegrationResult aggregates a batch run through the integrator.
type BatchIntegrationResult struct {
	Total   int                 `json:"total"`
	Valid   int                 `json:"valid"`
	Saved   int                 `json:"saved"`
	Failed  int                 `json:"failed"`
	Results []IntegrationResult `json:"results"`
}
