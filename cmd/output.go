package main

import (
	"github.com/sunbelt-data/property-cli/internal/integrate"
	"github.com/sunbelt-data/property-cli/internal/model"
)

// renderResult shapes one integration outcome for stdout: the run metadata
// plus the property flattened into the repository document layout.
func renderResult(res model.IntegrationResult) map[string]any {
	out := map[string]any{
		"success":     res.Success,
		"source":      string(res.Source),
		"saved_to_db": res.SavedToDB,
	}
	if res.PropertyID != "" {
		out["property_id"] = res.PropertyID
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	if res.PropertyData != nil {
		out["property"] = integrate.Document(*res.PropertyData)
	}
	return out
}
