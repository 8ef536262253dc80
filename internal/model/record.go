package model

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Source identifies where a raw record came from.
type Source string

const (
	SourcePhoenixMLS     Source = "phoenix_mls"
	SourceMaricopaCounty Source = "maricopa_county"
)

// ContentType describes the shape of a raw payload.
type ContentType string

const (
	ContentHTML ContentType = "html"
	ContentJSON ContentType = "json"
	ContentText ContentType = "text"
)

// Operation labels what an extraction request is asking the model to do.
// It participates in cache key derivation, so identical data under different
// operations never collide.
type Operation string

const (
	OpExtraction Operation = "extraction"
	OpValidation Operation = "validation"
)

// RawRecord is any input accepted by the pipeline before extraction: an HTML
// fragment from the listings site or a structured mapping from the county
// assessor API.
type RawRecord struct {
	Source      Source         `json:"source"`
	ContentType ContentType    `json:"content_type"`
	Text        string         `json:"text,omitempty"`   // unstructured payload (HTML/text)
	Fields      map[string]any `json:"fields,omitempty"` // structured payload (JSON)
	Identifier  string         `json:"identifier,omitempty"`
}

// ExtractionRequest pairs a raw record with the operation to perform on it.
type ExtractionRequest struct {
	Raw          RawRecord   `json:"raw"`
	Source       Source      `json:"source"`
	ContentType  ContentType `json:"content_type"`
	Operation    Operation   `json:"operation"`
	CacheKeyHint string      `json:"cache_key_hint,omitempty"`
}

// CanonicalJSON serializes v with sorted object keys and no incidental
// whitespace. Identical inputs always produce identical bytes, which is what
// makes cache keys and derived property IDs deterministic.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through encoding/json so that structs, maps and
// primitives all reduce to the same representation before key sorting.
// encoding/json already emits object keys in sorted order for map[string]any,
// so the reduction alone is enough.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CanonicalHash returns the hex MD5 of the canonical JSON of v.
func CanonicalHash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// DerivePropertyID builds the stable property identifier for a record:
// source, natural key (parcel number for county records, MLS number for
// listings), and zip. When no natural key is present the canonical hash of
// the raw payload stands in, so repeat extractions of the same input still
// agree.
func DerivePropertyID(source Source, naturalKey, zip string, raw RawRecord) (string, error) {
	key := strings.TrimSpace(naturalKey)
	if key == "" {
		h, err := CanonicalHash(raw)
		if err != nil {
			return "", err
		}
		key = h
	}
	return fmt.Sprintf("%s:%s:%s", source, key, strings.TrimSpace(zip)), nil
}

// SortedKeys returns the keys of m in sorted order. Used where deterministic
// iteration matters (prompt rendering, schema listings).
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
