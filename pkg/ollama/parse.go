package ollama

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

const (
	outputStart = "<output>"
	outputEnd   = "</output>"
)

// ParseStructured extracts the JSON object a model was instructed to emit
// between <output> sentinels. Text outside the sentinels is ignored; the
// content inside must be valid JSON. When the sentinels are missing the
// outermost brace pair is tried instead, since smaller models drop the
// markers under load.
func ParseStructured(text string, required []string) (map[string]any, error) {
	payload, err := extractPayload(text)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, eris.Wrap(err, "ollama: parse structured output")
	}

	var missing []string
	for _, key := range required {
		if _, ok := out[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("ollama: structured output missing keys: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func extractPayload(text string) (string, error) {
	if start := strings.Index(text, outputStart); start >= 0 {
		rest := text[start+len(outputStart):]
		end := strings.Index(rest, outputEnd)
		if end < 0 {
			return "", eris.New("ollama: unterminated output sentinel")
		}
		return strings.TrimSpace(rest[:end]), nil
	}

	// Fallback: outermost braces.
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first < 0 || last <= first {
		return "", eris.New("ollama: no structured output found")
	}
	return text[first : last+1], nil
}
