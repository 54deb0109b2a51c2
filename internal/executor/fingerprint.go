package executor

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint derives the cache key of a call: the query name, a colon, and the
// xxhash64 of the JSON form of params. Map keys are sorted by encoding/json, so
// equal parameter sets produce equal keys.
func Fingerprint(name string, params any) (string, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("fingerprinting %s params: %w", name, err)
	}
	return fmt.Sprintf("%s:%016x", name, xxhash.Sum64(b)), nil
}
