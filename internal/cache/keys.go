package cache

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// Key derives the deterministic cache key for one input under one operation:
// canonical-JSON the data, MD5 it, prefix with the operation label. Identical
// inputs and operation always produce identical keys.
func Key(data any, op model.Operation) (string, error) {
	hash, err := model.CanonicalHash(data)
	if err != nil {
		return "", eris.Wrap(err, "cache: canonicalize key data")
	}
	return fmt.Sprintf("llm:%s:%s", op, hash), nil
}

// knownOperations lists every operation label a key may carry. Pattern
// invalidation clears each variant for the given input data.
var knownOperations = []model.Operation{model.OpExtraction, model.OpValidation}
