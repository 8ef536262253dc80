package validate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbelt-data/property-cli/internal/config"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(config.ValidationConfig{
		MinConfidence:    0.5,
		ExtractionWeight: 0.7,
		FieldWeight:      0.3,
		FreshnessDays:    7,
	})
	require.NoError(t, err)
	return v
}

func goodRecord() map[string]any {
	return map[string]any{
		"address": map[string]any{
			"street": "123 Main St", "city": "Phoenix", "state": "AZ", "zip": "85031",
		},
		"price":                 425000.0,
		"bedrooms":              4.0,
		"bathrooms":             3.0,
		"square_feet":           2200.0,
		"year_built":            2018.0,
		"mls_number":            "6754321",
		"extraction_confidence": 0.9,
		"extracted_at":          time.Now().UTC().Format(time.RFC3339),
	}
}

func TestValidate_GoodRecord(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(goodRecord())

	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
	assert.Greater(t, result.ConfidenceScore, 0.8)

	price := result.FieldValidations["price"]
	assert.True(t, price.IsValid)
	assert.Equal(t, 1.0, price.Confidence)
}

func TestValidate_MissingAddress(t *testing.T) {
	v := newValidator(t)
	record := goodRecord()
	delete(record, "address")

	result := v.Validate(record)
	assert.False(t, result.IsValid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "address")
}

func TestValidate_ZeroPrice(t *testing.T) {
	v := newValidator(t)
	record := goodRecord()
	record["price"] = 0.0

	result := v.Validate(record)
	assert.False(t, result.IsValid)

	// Zero price is both an error (non-positive) and a warning (implausibly low).
	var priceErrors, priceWarnings int
	for _, e := range result.Errors {
		if strings.Contains(e, "price") {
			priceErrors++
		}
	}
	for _, w := range result.Warnings {
		if strings.Contains(w, "price") {
			priceWarnings++
		}
	}
	assert.GreaterOrEqual(t, priceErrors, 1)
	assert.GreaterOrEqual(t, priceWarnings, 1)

	fv := result.FieldValidations["price"]
	assert.False(t, fv.IsValid)
	assert.Len(t, fv.Errors, 2)
}

func TestValidate_YearBuiltBoundary(t *testing.T) {
	currentYear := time.Now().UTC().Year()
	v := newValidator(t)

	record := goodRecord()
	record["year_built"] = float64(currentYear + 1)
	assert.True(t, v.Validate(record).IsValid, "current_year+1 must validate")

	record["year_built"] = float64(currentYear + 2)
	assert.False(t, v.Validate(record).IsValid, "current_year+2 must not validate")
}

func TestValidate_RangeViolations(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value float64
	}{
		{name: "bedrooms_too_many", field: "bedrooms", value: 25},
		{name: "bathrooms_negative", field: "bathrooms", value: -1},
		{name: "square_feet_too_small", field: "square_feet", value: 50},
		{name: "year_built_too_old", field: "year_built", value: 1750},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newValidator(t)
			record := goodRecord()
			record[tt.field] = tt.value

			result := v.Validate(record)
			assert.False(t, result.IsValid)
			assert.False(t, result.FieldValidations[tt.field].IsValid)
		})
	}
}

func TestValidate_BadZipPattern(t *testing.T) {
	v := newValidator(t)
	record := goodRecord()
	record["address"].(map[string]any)["zip"] = "8503"

	result := v.Validate(record)
	assert.False(t, result.IsValid)
}

func TestValidate_CrossFieldWarningDoesNotInvalidate(t *testing.T) {
	v := newValidator(t)
	record := goodRecord()
	// 12 bedrooms in 2200 sqft: ratio 12/(2200/500) = 2.7, outside [0.5, 2.0].
	record["bedrooms"] = 12.0

	result := v.Validate(record)
	assert.True(t, result.IsValid, "cross-field violations are warnings")
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, strings.Join(result.Warnings, " "), "ratio")
	assert.Less(t, result.Quality.Consistency, 1.0)
}

func TestValidate_ConfidenceFormula(t *testing.T) {
	v := newValidator(t)
	record := goodRecord()
	record["extraction_confidence"] = 0.8

	result := v.Validate(record)
	// All field checks pass, so field mean is 1.0: 0.7*0.8 + 0.3*1.0.
	assert.InDelta(t, 0.86, result.ConfidenceScore, 0.001)
}

func TestValidate_FallbackScoresLowerThanLLM(t *testing.T) {
	v := newValidator(t)

	llm := goodRecord()
	llm["extraction_confidence"] = 0.9
	fallback := goodRecord()
	fallback["extraction_confidence"] = 0.5

	assert.Greater(t, v.Validate(llm).ConfidenceScore, v.Validate(fallback).ConfidenceScore)
}

func TestValidate_QualityMetrics(t *testing.T) {
	v := newValidator(t)
	v.nowFunc = func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }

	record := goodRecord()
	record["extracted_at"] = "2026-01-15T10:00:00Z"

	result := v.Validate(record)
	// 7 of the 13 canonical fields are filled.
	assert.InDelta(t, 7.0/13.0, result.Quality.Completeness, 0.001)
	assert.Equal(t, 1.0, result.Quality.Consistency)
	assert.InDelta(t, 0.9, result.Quality.Accuracy, 0.001)
	assert.Equal(t, 1.0, result.Quality.Timeliness, "two hours old is fresh")
}

func TestValidate_StaleTimeliness(t *testing.T) {
	v := newValidator(t)
	v.nowFunc = func() time.Time { return time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC) }

	record := goodRecord()
	record["extracted_at"] = "2026-01-01T00:00:00Z" // 28 days old, window is 7
	result := v.Validate(record)
	assert.InDelta(t, 0.25, result.Quality.Timeliness, 0.001)

	record["extracted_at"] = ""
	assert.Zero(t, v.Validate(record).Quality.Timeliness)
}

func TestValidate_Idempotent(t *testing.T) {
	v := newValidator(t)
	record := goodRecord()

	first := v.Validate(record)
	second := v.Validate(record)
	assert.Equal(t, first, second)
}

func TestAddRule_Runtime(t *testing.T) {
	v := newValidator(t)
	record := goodRecord()
	require.True(t, v.Validate(record).IsValid)

	min := 500000.0
	v.AddRule(Rule{
		Name: "luxury_floor", Type: RuleRange, Field: "price",
		Min: &min, Severity: SeverityError, Confidence: 0.2,
	})
	assert.False(t, v.Validate(record).IsValid)
}

func TestValidateBatch_Statistics(t *testing.T) {
	v := newValidator(t)

	bad := goodRecord()
	bad["price"] = 0.0
	results := v.ValidateBatch([]map[string]any{goodRecord(), bad, goodRecord()})
	require.Len(t, results, 3)

	stats := GetBatchStatistics(results)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Valid)
	assert.Greater(t, stats.AvgConfidence, 0.0)

	assert.Zero(t, GetBatchStatistics(nil).Total)
}

func TestLoadRules_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	doc := `
required_fields: [parcel_number]
field_ranges:
  lot_size: {min: 500, max: 500000, severity: warning}
field_patterns:
  mls_number: '^\d{5,10}$'
field_enums:
  property_type: [single_family, condo, townhouse]
cross_field:
  - formula: bedrooms_per_area
    severity: warning
target_zips: ["85031", "85033", "85035"]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Len(t, rules, 6)

	v, err := New(config.ValidationConfig{RulesPath: path})
	require.NoError(t, err)

	// parcel_number is now required.
	result := v.Validate(goodRecord())
	assert.False(t, result.IsValid)

	record := goodRecord()
	record["parcel_number"] = "123-45-678"
	assert.True(t, v.Validate(record).IsValid)
}

func TestLoadRules_UnknownFormula(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cross_field:\n  - formula: nonsense\n"), 0o644))

	_, err := LoadRules(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cross-field formula")
}

func TestLoadRules_MissingFile(t *testing.T) {
	_, err := LoadRules("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestValidate_GeographyWarning(t *testing.T) {
	v := newValidator(t)
	v.AddRule(Rule{
		Name: "target_zips", Type: RuleGeography,
		TargetZips: []string{"85031"}, Severity: SeverityWarning, Confidence: 0.6,
	})

	inArea := goodRecord()
	result := v.Validate(inArea)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Warnings)

	outOfArea := goodRecord()
	outOfArea["address"].(map[string]any)["zip"] = "90210"
	result = v.Validate(outOfArea)
	assert.True(t, result.IsValid, "geography is advisory")
	assert.Contains(t, strings.Join(result.Warnings, " "), "90210")
}
