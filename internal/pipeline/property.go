package pipeline

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// canonicalFields are the extraction keys with a dedicated slot on
// PropertyDetails. Anything else the model returns is preserved under
// RawData rather than dropped.
var canonicalFields = map[string]bool{
	"address":               true,
	"price":                 true,
	"bedrooms":              true,
	"bathrooms":             true,
	"square_feet":           true,
	"lot_size":              true,
	"year_built":            true,
	"property_type":         true,
	"listing_status":        true,
	"parcel_number":         true,
	"mls_number":            true,
	"description":           true,
	"features":              true,
	"source":                true,
	"extraction_confidence": true,
	"extracted_at":          true,
	"extraction_method":     true,
}

// buildProperty converts an extraction mapping into the canonical property
// record, deriving the stable property ID from the source's natural key.
func buildProperty(fields map[string]any, raw model.RawRecord) (*model.PropertyDetails, error) {
	p := &model.PropertyDetails{Source: raw.Source}

	if addr, ok := fields["address"].(map[string]any); ok {
		p.Address = model.Address{
			Street: stringField(addr, "street"),
			City:   stringField(addr, "city"),
			State:  stringField(addr, "state"),
			Zip:    stringField(addr, "zip"),
		}
	}

	if v, ok := floatField(fields, "price"); ok {
		p.Price = model.Float64Ptr(v)
	}
	if v, ok := floatField(fields, "bedrooms"); ok {
		p.Bedrooms = model.IntPtr(int(v))
	}
	if v, ok := floatField(fields, "bathrooms"); ok {
		p.Bathrooms = model.Float64Ptr(v)
	}
	if v, ok := floatField(fields, "square_feet"); ok {
		p.SquareFeet = model.IntPtr(int(v))
	}
	if v, ok := floatField(fields, "lot_size"); ok {
		p.LotSize = model.Float64Ptr(v)
	}
	if v, ok := floatField(fields, "year_built"); ok {
		p.YearBuilt = model.IntPtr(int(v))
	}

	p.PropertyType = stringField(fields, "property_type")
	p.ListingStatus = stringField(fields, "listing_status")
	p.ParcelNumber = stringField(fields, "parcel_number")
	p.MLSNumber = stringField(fields, "mls_number")
	p.Description = stringField(fields, "description")

	if feats, ok := fields["features"].([]any); ok {
		for _, f := range feats {
			if s, ok := f.(string); ok {
				p.Features = append(p.Features, s)
			}
		}
	}

	if v, ok := floatField(fields, "extraction_confidence"); ok {
		p.ExtractionConfidence = v
	}
	if s := stringField(fields, "extracted_at"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			p.ExtractedAt = t
		}
	}
	p.LastUpdated = time.Now().UTC()

	for k, v := range fields {
		if canonicalFields[k] {
			continue
		}
		if p.RawData == nil {
			p.RawData = map[string]any{}
		}
		p.RawData[k] = v
	}

	id, err := model.DerivePropertyID(raw.Source, p.NaturalKey(), p.Address.Zip, raw)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: derive property id")
	}
	p.PropertyID = id
	return p, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]any, key string) (float64, bool) {
	switch n := m[key].(type) {
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
