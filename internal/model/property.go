package model

import (
	"time"
)

// Address is the canonical address block of a property record.
type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// PropertyDetails is the canonical post-extraction property record. Only
// PropertyID and Address are required; everything else is best-effort and
// omitted when the source did not carry it.
type PropertyDetails struct {
	PropertyID string  `json:"property_id"`
	Address    Address `json:"address"`

	Price         *float64 `json:"price,omitempty"`
	Bedrooms      *int     `json:"bedrooms,omitempty"`
	Bathrooms     *float64 `json:"bathrooms,omitempty"`
	SquareFeet    *int     `json:"square_feet,omitempty"`
	LotSize       *float64 `json:"lot_size,omitempty"`
	YearBuilt     *int     `json:"year_built,omitempty"`
	PropertyType  string   `json:"property_type,omitempty"`
	ListingStatus string   `json:"listing_status,omitempty"`
	ParcelNumber  string   `json:"parcel_number,omitempty"`
	MLSNumber     string   `json:"mls_number,omitempty"`
	Description   string   `json:"description,omitempty"`
	Features      []string `json:"features,omitempty"`

	Source               Source    `json:"source,omitempty"`
	ExtractionConfidence float64   `json:"extraction_confidence,omitempty"`
	ExtractedAt          time.Time `json:"extracted_at,omitempty"`
	LastUpdated          time.Time `json:"last_updated,omitempty"`

	// RawData carries source fields that have no canonical slot. Conversion
	// to the repository document must not drop them.
	RawData map[string]any `json:"raw_data,omitempty"`
}

// NaturalKey returns the source-native identifier used for property ID
// derivation: parcel number for county records, MLS number for listings.
func (p *PropertyDetails) NaturalKey() string {
	if p.ParcelNumber != "" {
		return p.ParcelNumber
	}
	return p.MLSNumber
}

// Float64Ptr returns a pointer to v. Convenience for optional numeric fields.
func Float64Ptr(v float64) *float64 { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
