package extract

import (
	"fmt"

	"github.com/sunbelt-data/property-cli/internal/model"
)

const systemPrompt = `You are a data-entry specialist converting residential property records into structured JSON.

Rules:
- Extract ONLY values present in the provided content; never guess or invent
- Omit a field entirely when the content does not state it
- For numerical values, use raw numbers without formatting (e.g., 425000 not "$425,000")
- The address field is an object: {"street", "city", "state", "zip"}
- Return the JSON object between <output> and </output> markers with nothing else inside them`

const htmlPrompt = `Extract the property listing fields from this HTML fragment.

Fields to extract:
%s
HTML content:
%s

Return the extracted fields as a single JSON object wrapped in <output></output> markers. Omit any field the page does not state.`

const jsonPrompt = `Normalize this raw property record into the canonical field set.

Fields to extract:
%s
Raw record:
%s

Map source keys onto the canonical names (e.g., living_area becomes square_feet, market_value becomes price). Return a single JSON object wrapped in <output></output> markers. Omit any field the record does not contain.`

const textPrompt = `Extract the property fields mentioned in this text.

Fields to extract:
%s
Text:
%s

Return a single JSON object wrapped in <output></output> markers. Omit any field the text does not state.`

// BuildPrompt renders the extraction prompt for a request's content type.
func BuildPrompt(schema Schema, contentType model.ContentType, content string) string {
	switch contentType {
	case model.ContentHTML:
		return fmt.Sprintf(htmlPrompt, schema.FieldList(), content)
	case model.ContentJSON:
		return fmt.Sprintf(jsonPrompt, schema.FieldList(), content)
	default:
		return fmt.Sprintf(textPrompt, schema.FieldList(), content)
	}
}
