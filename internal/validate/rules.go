package validate

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// RuleType enumerates the supported validation rule kinds.
type RuleType string

const (
	RuleRequired   RuleType = "required"
	RuleTypeCheck  RuleType = "type"
	RuleRange      RuleType = "range"
	RulePattern    RuleType = "pattern"
	RuleEnum       RuleType = "enum"
	RuleCrossField RuleType = "cross_field"
	RuleGeography  RuleType = "geography"
)

// Severity controls whether a violation invalidates the record.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValueType names the primitive a type rule expects.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueInteger ValueType = "integer"
	ValueBoolean ValueType = "boolean"
	ValueMapping ValueType = "mapping"
)

// CrossFieldFunc evaluates a whole record and returns a violation message,
// or "" when the record passes.
type CrossFieldFunc func(fields map[string]any) string

// Rule is one declarative validation constraint. Field rules name a single
// field; cross-field and geography rules see the whole record.
type Rule struct {
	Name     string
	Type     RuleType
	Field    string
	Severity Severity

	// Type rules.
	ValueType ValueType

	// Range rules.
	Min *float64
	Max *float64

	// Pattern rules.
	Pattern *regexp.Regexp

	// Enum rules.
	Allowed []string

	// Cross-field rules.
	Check CrossFieldFunc

	// Geography rules.
	TargetZips []string

	// Confidence is the per-field confidence assigned when this rule
	// fails; field confidence is the minimum across failed rules.
	Confidence float64
}

// bedroomsPerArea flags records whose bedroom count is implausible for the
// living area: bedrooms / (square_feet/500) outside [0.5, 2.0].
func bedroomsPerArea(fields map[string]any) string {
	beds, bedsOK := asFloat(fields["bedrooms"])
	sqft, sqftOK := asFloat(fields["square_feet"])
	if !bedsOK || !sqftOK || sqft <= 0 || beds <= 0 {
		return ""
	}
	ratio := beds / (sqft / 500)
	if ratio < 0.5 || ratio > 2.0 {
		return fmt.Sprintf("unusual bedrooms-to-area ratio %.2f", ratio)
	}
	return ""
}

// namedFormulas maps declarative formula names onto their evaluators.
var namedFormulas = map[string]CrossFieldFunc{
	"bedrooms_per_area": bedroomsPerArea,
}

// DefaultRules returns the built-in rule set for canonical property records.
// currentYear anchors the year_built upper bound.
func DefaultRules(currentYear int) []Rule {
	f := func(v float64) *float64 { return &v }
	maxYear := float64(currentYear + 1)

	return []Rule{
		{Name: "address_required", Type: RuleRequired, Field: "address", Severity: SeverityError, Confidence: 0},
		{Name: "address_mapping", Type: RuleTypeCheck, Field: "address", ValueType: ValueMapping, Severity: SeverityError, Confidence: 0.1},
		{Name: "price_number", Type: RuleTypeCheck, Field: "price", ValueType: ValueNumber, Severity: SeverityError, Confidence: 0.1},
		{Name: "price_positive", Type: RuleRange, Field: "price", Min: f(1), Severity: SeverityError, Confidence: 0.2},
		{Name: "price_plausible", Type: RuleRange, Field: "price", Min: f(10000), Max: f(50_000_000), Severity: SeverityWarning, Confidence: 0.6},
		{Name: "bedrooms_range", Type: RuleRange, Field: "bedrooms", Min: f(0), Max: f(20), Severity: SeverityError, Confidence: 0.2},
		{Name: "bathrooms_range", Type: RuleRange, Field: "bathrooms", Min: f(0), Max: f(20), Severity: SeverityError, Confidence: 0.2},
		{Name: "square_feet_range", Type: RuleRange, Field: "square_feet", Min: f(100), Max: f(50000), Severity: SeverityError, Confidence: 0.2},
		{Name: "year_built_range", Type: RuleRange, Field: "year_built", Min: f(1800), Max: &maxYear, Severity: SeverityError, Confidence: 0.2},
		{Name: "zip_pattern", Type: RulePattern, Field: "zip", Pattern: regexp.MustCompile(`^\d{5}$`), Severity: SeverityError, Confidence: 0.3},
		{Name: "parcel_pattern", Type: RulePattern, Field: "parcel_number", Pattern: regexp.MustCompile(`^\d{3}-\d{2}-\d{3}[A-Z]?$`), Severity: SeverityWarning, Confidence: 0.6},
		{Name: "listing_status_enum", Type: RuleEnum, Field: "listing_status", Allowed: []string{"active", "pending", "sold", "off_market"}, Severity: SeverityWarning, Confidence: 0.6},
		{Name: "bedrooms_per_area", Type: RuleCrossField, Check: bedroomsPerArea, Severity: SeverityWarning, Confidence: 0.7},
	}
}

// rulesFile is the YAML shape of a declarative rules document.
type rulesFile struct {
	RequiredFields []string `yaml:"required_fields"`
	FieldRanges    map[string]struct {
		Min      *float64 `yaml:"min"`
		Max      *float64 `yaml:"max"`
		Severity string   `yaml:"severity"`
	} `yaml:"field_ranges"`
	FieldPatterns map[string]string   `yaml:"field_patterns"`
	FieldEnums    map[string][]string `yaml:"field_enums"`
	CrossField    []struct {
		Formula  string `yaml:"formula"`
		Severity string `yaml:"severity"`
	} `yaml:"cross_field"`
	TargetZips []string `yaml:"target_zips"`
}

// LoadRules reads a declarative YAML rules document. Cross-field entries
// reference named formulas; unknown names are an error.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "validate: read rules %s", path)
	}

	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "validate: parse rules %s", path)
	}

	var rules []Rule
	for _, field := range doc.RequiredFields {
		rules = append(rules, Rule{
			Name: field + "_required", Type: RuleRequired, Field: field,
			Severity: SeverityError,
		})
	}
	for field, r := range doc.FieldRanges {
		rules = append(rules, Rule{
			Name: field + "_range", Type: RuleRange, Field: field,
			Min: r.Min, Max: r.Max,
			Severity: severityOrDefault(r.Severity), Confidence: 0.2,
		})
	}
	for field, pattern := range doc.FieldPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "validate: pattern for %s", field)
		}
		rules = append(rules, Rule{
			Name: field + "_pattern", Type: RulePattern, Field: field,
			Pattern: re, Severity: SeverityError, Confidence: 0.3,
		})
	}
	for field, allowed := range doc.FieldEnums {
		rules = append(rules, Rule{
			Name: field + "_enum", Type: RuleEnum, Field: field,
			Allowed: allowed, Severity: SeverityWarning, Confidence: 0.6,
		})
	}
	for _, cf := range doc.CrossField {
		check, ok := namedFormulas[cf.Formula]
		if !ok {
			return nil, eris.Errorf("validate: unknown cross-field formula %q", cf.Formula)
		}
		rules = append(rules, Rule{
			Name: cf.Formula, Type: RuleCrossField, Check: check,
			Severity: severityOrDefault(cf.Severity), Confidence: 0.7,
		})
	}
	if len(doc.TargetZips) > 0 {
		rules = append(rules, Rule{
			Name: "target_zips", Type: RuleGeography, TargetZips: doc.TargetZips,
			Severity: SeverityWarning, Confidence: 0.6,
		})
	}
	return rules, nil
}

func severityOrDefault(s string) Severity {
	if s == string(SeverityWarning) {
		return SeverityWarning
	}
	return SeverityError
}

// currentYearUTC is split out for the default rule set's year bound.
func currentYearUTC() int {
	return time.Now().UTC().Year()
}
