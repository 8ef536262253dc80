// Package validate checks extracted property records against declarative
// rules and scores their quality.
package validate

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/config"
	"github.com/sunbelt-data/property-cli/internal/model"
)

// knownFields is the canonical field set used for completeness scoring.
var knownFields = []string{
	"address", "price", "bedrooms", "bathrooms", "square_feet", "lot_size",
	"year_built", "property_type", "listing_status", "parcel_number",
	"mls_number", "description", "features",
}

// Validator applies a rule set to extracted field mappings. Rules may be
// added at runtime; evaluation is read-mostly and mutex-guarded.
type Validator struct {
	mu    sync.RWMutex
	rules []Rule

	cfg config.ValidationConfig
	log *zap.Logger

	nowFunc func() time.Time
}

// New creates a Validator. When cfg.RulesPath is set the declarative rules
// are appended to the defaults; pass extra rules for programmatic additions.
func New(cfg config.ValidationConfig) (*Validator, error) {
	rules := DefaultRules(currentYearUTC())
	if cfg.RulesPath != "" {
		loaded, err := LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
	}

	if cfg.ExtractionWeight <= 0 && cfg.FieldWeight <= 0 {
		cfg.ExtractionWeight = 0.7
		cfg.FieldWeight = 0.3
	}
	if cfg.FreshnessDays <= 0 {
		cfg.FreshnessDays = 7
	}

	return &Validator{
		rules:   rules,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "validator")),
		nowFunc: time.Now,
	}, nil
}

// AddRule appends a rule at runtime.
func (v *Validator) AddRule(r Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules = append(v.rules, r)
}

// Validate evaluates one extracted record. The verdict is returned, never
// raised: error-severity violations of required, type, range and pattern
// rules clear is_valid; warnings do not.
func (v *Validator) Validate(fields map[string]any) model.ValidationResult {
	v.mu.RLock()
	rules := v.rules
	v.mu.RUnlock()

	result := model.ValidationResult{
		IsValid:          true,
		FieldValidations: make(map[string]model.FieldValidation),
	}
	crossViolations := 0
	errorViolations := 0

	for _, rule := range rules {
		msg, applied := evaluate(rule, fields)
		if rule.Field != "" && applied {
			v.recordField(&result, rule, fields, msg)
		}
		if msg == "" {
			continue
		}
		if rule.Type == RuleCrossField {
			crossViolations++
		}
		switch rule.Severity {
		case SeverityWarning:
			result.Warnings = append(result.Warnings, msg)
		default:
			result.Errors = append(result.Errors, msg)
			result.IsValid = false
			errorViolations++
		}
	}

	extraction := extractionConfidence(fields)
	fieldMean := meanFieldConfidence(result.FieldValidations)
	result.ConfidenceScore = clamp01(v.cfg.ExtractionWeight*extraction + v.cfg.FieldWeight*fieldMean)

	result.Quality = model.QualityMetrics{
		Completeness: completeness(fields),
		Consistency:  clamp01(1.0 - 0.2*float64(crossViolations)),
		Accuracy:     clamp01(extraction - 0.1*float64(errorViolations)),
		Timeliness:   v.timeliness(fields),
	}

	return result
}

// recordField folds one applied rule into the per-field outcomes. Field
// confidence is the minimum across failed rules, 1.0 when everything passed.
func (v *Validator) recordField(result *model.ValidationResult, rule Rule, fields map[string]any, msg string) {
	fv, ok := result.FieldValidations[rule.Field]
	if !ok {
		fv = model.FieldValidation{IsValid: true, Confidence: 1.0, Value: fieldValue(fields, rule.Field)}
	}
	if msg != "" {
		fv.Errors = append(fv.Errors, msg)
		if rule.Severity != SeverityWarning {
			fv.IsValid = false
		}
		if rule.Confidence < fv.Confidence {
			fv.Confidence = rule.Confidence
		}
	}
	result.FieldValidations[rule.Field] = fv
}

// evaluate runs one rule. applied reports whether the rule actually examined
// a field value (absent optional fields don't count toward field scoring).
func evaluate(rule Rule, fields map[string]any) (msg string, applied bool) {
	switch rule.Type {
	case RuleRequired:
		if isEmpty(fieldValue(fields, rule.Field)) {
			return fmt.Sprintf("field %s: required but missing", rule.Field), true
		}
		return "", true

	case RuleTypeCheck:
		value := fieldValue(fields, rule.Field)
		if value == nil {
			return "", false
		}
		if !matchesType(value, rule.ValueType) {
			return fmt.Sprintf("field %s: expected %s, got %T", rule.Field, rule.ValueType, value), true
		}
		return "", true

	case RuleRange:
		value := fieldValue(fields, rule.Field)
		if value == nil {
			return "", false
		}
		n, ok := asFloat(value)
		if !ok {
			return fmt.Sprintf("field %s: not numeric", rule.Field), true
		}
		if rule.Min != nil && n < *rule.Min {
			return fmt.Sprintf("field %s: %v below minimum %v", rule.Field, n, *rule.Min), true
		}
		if rule.Max != nil && n > *rule.Max {
			return fmt.Sprintf("field %s: %v above maximum %v", rule.Field, n, *rule.Max), true
		}
		return "", true

	case RulePattern:
		value := fieldValue(fields, rule.Field)
		s, ok := value.(string)
		if !ok || s == "" {
			return "", false
		}
		if !rule.Pattern.MatchString(s) {
			return fmt.Sprintf("field %s: %q does not match %s", rule.Field, s, rule.Pattern), true
		}
		return "", true

	case RuleEnum:
		value := fieldValue(fields, rule.Field)
		s, ok := value.(string)
		if !ok || s == "" {
			return "", false
		}
		for _, allowed := range rule.Allowed {
			if s == allowed {
				return "", true
			}
		}
		return fmt.Sprintf("field %s: %q not in allowed set", rule.Field, s), true

	case RuleCrossField:
		if rule.Check == nil {
			return "", false
		}
		return rule.Check(fields), false

	case RuleGeography:
		zip, _ := fieldValue(fields, "zip").(string)
		if zip == "" {
			return "", false
		}
		for _, target := range rule.TargetZips {
			if zip == target {
				return "", false
			}
		}
		return fmt.Sprintf("zip %s outside target area", zip), false
	}
	return "", false
}

// ValidateBatch evaluates records independently.
func (v *Validator) ValidateBatch(records []map[string]any) []model.ValidationResult {
	results := make([]model.ValidationResult, len(records))
	for i, fields := range records {
		results[i] = v.Validate(fields)
	}
	return results
}

// BatchStatistics summarizes a batch of validation results.
type BatchStatistics struct {
	Total         int     `json:"total"`
	Valid         int     `json:"valid"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// GetBatchStatistics aggregates totals and average confidence.
func GetBatchStatistics(results []model.ValidationResult) BatchStatistics {
	stats := BatchStatistics{Total: len(results)}
	if len(results) == 0 {
		return stats
	}
	var sum float64
	for _, r := range results {
		if r.IsValid {
			stats.Valid++
		}
		sum += r.ConfidenceScore
	}
	stats.AvgConfidence = sum / float64(len(results))
	return stats
}

// MinConfidence exposes the configured acceptance floor.
func (v *Validator) MinConfidence() float64 { return v.cfg.MinConfidence }

// Strict reports whether validation failures should abort processing.
func (v *Validator) Strict() bool { return v.cfg.Strict }

// timeliness scores extracted_at freshness: 1.0 inside the window, decaying
// with age beyond it. Records without a timestamp score 0.
func (v *Validator) timeliness(fields map[string]any) float64 {
	raw, _ := fields["extracted_at"].(string)
	if raw == "" {
		return 0
	}
	extractedAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	age := v.nowFunc().UTC().Sub(extractedAt)
	window := time.Duration(v.cfg.FreshnessDays) * 24 * time.Hour
	if age <= window {
		return 1.0
	}
	return clamp01(float64(window) / float64(age))
}

func completeness(fields map[string]any) float64 {
	filled := 0
	for _, name := range knownFields {
		if !isEmpty(fields[name]) {
			filled++
		}
	}
	return float64(filled) / float64(len(knownFields))
}

func extractionConfidence(fields map[string]any) float64 {
	if c, ok := asFloat(fields["extraction_confidence"]); ok {
		return clamp01(c)
	}
	return 1.0
}

func meanFieldConfidence(fvs map[string]model.FieldValidation) float64 {
	if len(fvs) == 0 {
		return 1.0
	}
	var sum float64
	for _, fv := range fvs {
		sum += fv.Confidence
	}
	return sum / float64(len(fvs))
}

// fieldValue resolves a field name, looking inside the address sub-mapping
// for its components.
func fieldValue(fields map[string]any, name string) any {
	if v, ok := fields[name]; ok {
		return v
	}
	switch name {
	case "street", "city", "state", "zip":
		if addr, ok := fields["address"].(map[string]any); ok {
			return addr[name]
		}
	}
	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

func matchesType(v any, t ValueType) bool {
	switch t {
	case ValueString:
		_, ok := v.(string)
		return ok
	case ValueNumber:
		_, ok := asFloat(v)
		return ok
	case ValueInteger:
		n, ok := asFloat(v)
		return ok && n == math.Trunc(n)
	case ValueBoolean:
		_, ok := v.(bool)
		return ok
	case ValueMapping:
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
