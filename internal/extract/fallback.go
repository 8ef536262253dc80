package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// Extraction confidences by method. Regex recovery sits below any
// model-sourced extraction so downstream consumers can rank them.
const (
	LLMConfidence      = 0.9
	FallbackConfidence = 0.5
)

var (
	// "123 Main St, Phoenix, AZ 85031"
	addressRe = regexp.MustCompile(`(\d+\s+[A-Za-z0-9.' -]+?),\s*([A-Za-z.' -]+?),\s*([A-Z]{2})\s+(\d{5})`)
	priceRe   = regexp.MustCompile(`\$\s?([\d,]+)(?:\.\d{2})?`)
	bedsRe    = regexp.MustCompile(`(?i)(\d{1,2})\s*(?:bd|br|beds?|bedrooms?)\b`)
	bathsRe   = regexp.MustCompile(`(?i)(\d{1,2}(?:\.\d)?)\s*(?:ba|baths?|bathrooms?)\b`)
	sqftRe    = regexp.MustCompile(`(?i)([\d,]{3,6})\s*(?:sq\.?\s?ft|sqft|square feet)`)
	yearRe    = regexp.MustCompile(`(?i)(?:built|year built|yr built)[:\s]*(?:in\s+)?((?:18|19|20)\d{2})`)
	parcelRe  = regexp.MustCompile(`\b(\d{3}-\d{2}-\d{3}[A-Z]?)\b`)
	mlsRe     = regexp.MustCompile(`(?i)MLS\s*#?\s*(\d{5,10})`)
)

// Fallback recovers property fields from raw text with regexes only. It is
// pure and deterministic; fields the text does not state stay absent.
func Fallback(text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, eris.New("extract: no text for fallback extraction")
	}

	fields := map[string]any{
		"extraction_method":     string(model.MethodFallback),
		"extraction_confidence": FallbackConfidence,
	}

	if m := addressRe.FindStringSubmatch(text); m != nil {
		fields["address"] = map[string]any{
			"street": strings.TrimSpace(m[1]),
			"city":   strings.TrimSpace(m[2]),
			"state":  m[3],
			"zip":    m[4],
		}
	}
	if m := priceRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			fields["price"] = v
		}
	}
	if m := bedsRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			fields["bedrooms"] = v
		}
	}
	if m := bathsRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			fields["bathrooms"] = v
		}
	}
	if m := sqftRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			fields["square_feet"] = v
		}
	}
	if m := yearRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			fields["year_built"] = v
		}
	}
	if m := parcelRe.FindStringSubmatch(text); m != nil {
		fields["parcel_number"] = m[1]
	}
	if m := mlsRe.FindStringSubmatch(text); m != nil {
		fields["mls_number"] = m[1]
	}

	fields["extracted_at"] = time.Now().UTC().Format(time.RFC3339)
	return fields, nil
}

// FallbackFunc adapts Fallback to the recovery layer's signature.
func FallbackFunc(req model.ExtractionRequest) (map[string]any, error) {
	fields, err := Fallback(req.Raw.Text)
	if err != nil {
		return nil, err
	}
	fields["source"] = string(req.Source)
	return fields, nil
}
