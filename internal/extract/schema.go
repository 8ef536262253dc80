package extract

import (
	"sort"
	"strings"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// FieldType enumerates the primitive types a schema field may declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeMapping FieldType = "mapping"
	TypeList    FieldType = "list"
)

// Schema describes the fields an extraction must produce.
type Schema struct {
	Fields   map[string]FieldType
	Required []string
}

// FieldList renders "name (type)" lines in sorted order for prompt text.
func (s Schema) FieldList() string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString(" (")
		sb.WriteString(string(s.Fields[name]))
		if required[name] {
			sb.WriteString(", required")
		}
		sb.WriteString(")\n")
	}
	return sb.String()
}

// phoenixMLSSchema covers listing pages scraped from the MLS portal.
var phoenixMLSSchema = Schema{
	Fields: map[string]FieldType{
		"address":        TypeMapping,
		"price":          TypeNumber,
		"bedrooms":       TypeInteger,
		"bathrooms":      TypeNumber,
		"square_feet":    TypeInteger,
		"lot_size":       TypeNumber,
		"year_built":     TypeInteger,
		"property_type":  TypeString,
		"listing_status": TypeString,
		"mls_number":     TypeString,
		"description":    TypeString,
		"features":       TypeList,
	},
	Required: []string{"address"},
}

// maricopaSchema covers assessor API records for Maricopa County.
var maricopaSchema = Schema{
	Fields: map[string]FieldType{
		"parcel_number": TypeString,
		"address":       TypeMapping,
		"price":         TypeNumber,
		"bedrooms":      TypeInteger,
		"bathrooms":     TypeNumber,
		"square_feet":   TypeInteger,
		"lot_size":      TypeNumber,
		"year_built":    TypeInteger,
		"property_type": TypeString,
	},
	Required: []string{"parcel_number", "address"},
}

// SchemaFor returns the extraction schema for a source.
func SchemaFor(source model.Source) (Schema, bool) {
	switch source {
	case model.SourcePhoenixMLS:
		return phoenixMLSSchema, true
	case model.SourceMaricopaCounty:
		return maricopaSchema, true
	default:
		return Schema{}, false
	}
}
