package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbelt-data/property-cli/internal/model"
)

func TestRenderResult_DocumentShape(t *testing.T) {
	price := 425000.0
	beds := 4
	res := model.IntegrationResult{
		Success:    true,
		PropertyID: "phoenix_mls_6754321",
		Source:     model.SourcePhoenixMLS,
		SavedToDB:  true,
		PropertyData: &model.PropertyDetails{
			PropertyID: "phoenix_mls_6754321",
			Address: model.Address{
				Street: "123 Main St",
				City:   "Phoenix",
				State:  "AZ",
				Zip:    "85031",
			},
			Price:                &price,
			Bedrooms:             &beds,
			MLSNumber:            "6754321",
			Source:               model.SourcePhoenixMLS,
			ExtractionConfidence: 0.9,
			ExtractedAt:          time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		},
	}

	out := renderResult(res)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "phoenix_mls", out["source"])
	assert.Equal(t, true, out["saved_to_db"])

	doc, ok := out["property"].(map[string]any)
	require.True(t, ok, "property must carry the repository document")
	addr := doc["address"].(map[string]any)
	assert.Equal(t, "123 Main St", addr["street"])
	assert.Equal(t, "85031", addr["zip"])
	assert.Equal(t, 425000.0, doc["price"])

	meta := doc["metadata"].(map[string]any)
	assert.Equal(t, "phoenix_mls", meta["source"])
	assert.Equal(t, 0.9, meta["extraction_confidence"])
	assert.Equal(t, "2026-01-15T10:00:00Z", meta["extracted_at"])
}

func TestRenderResult_FailureOmitsProperty(t *testing.T) {
	out := renderResult(model.IntegrationResult{
		Source: model.SourceMaricopaCounty,
		Error:  "record not found",
	})

	assert.Equal(t, false, out["success"])
	assert.Equal(t, "record not found", out["error"])
	assert.NotContains(t, out, "property")
	assert.NotContains(t, out, "property_id")
}
