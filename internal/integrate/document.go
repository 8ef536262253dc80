package integrate

import (
	"time"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// Document flattens a property record into the repository document shape:
// address as a sub-mapping, extraction metadata under "metadata", and
// source-specific leftovers preserved under "raw_data".
func Document(p model.PropertyDetails) map[string]any {
	doc := map[string]any{
		"property_id": p.PropertyID,
		"address": map[string]any{
			"street": p.Address.Street,
			"city":   p.Address.City,
			"state":  p.Address.State,
			"zip":    p.Address.Zip,
		},
	}

	if p.Price != nil {
		doc["price"] = *p.Price
	}
	if p.Bedrooms != nil {
		doc["bedrooms"] = *p.Bedrooms
	}
	if p.Bathrooms != nil {
		doc["bathrooms"] = *p.Bathrooms
	}
	if p.SquareFeet != nil {
		doc["square_feet"] = *p.SquareFeet
	}
	if p.LotSize != nil {
		doc["lot_size"] = *p.LotSize
	}
	if p.YearBuilt != nil {
		doc["year_built"] = *p.YearBuilt
	}
	if p.PropertyType != "" {
		doc["property_type"] = p.PropertyType
	}
	if p.ListingStatus != "" {
		doc["listing_status"] = p.ListingStatus
	}
	if p.ParcelNumber != "" {
		doc["parcel_number"] = p.ParcelNumber
	}
	if p.MLSNumber != "" {
		doc["mls_number"] = p.MLSNumber
	}
	if p.Description != "" {
		doc["description"] = p.Description
	}
	if len(p.Features) > 0 {
		doc["features"] = p.Features
	}

	metadata := map[string]any{
		"source":                string(p.Source),
		"extraction_confidence": p.ExtractionConfidence,
	}
	if !p.ExtractedAt.IsZero() {
		metadata["extracted_at"] = p.ExtractedAt.UTC().Format(time.RFC3339)
	}
	if !p.LastUpdated.IsZero() {
		metadata["last_updated"] = p.LastUpdated.UTC().Format(time.RFC3339)
	}
	doc["metadata"] = metadata

	if len(p.RawData) > 0 {
		doc["raw_data"] = p.RawData
	}
	return doc
}
