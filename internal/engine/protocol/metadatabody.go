package protocol

import (
	"encoding/json"
	"fmt"
)

// decodeMetadataBody parses a <metadata> tag's body, which must be a JSON
// object of partial field updates (spec §4.7 step 1: non-object payload is
// a soft error and the whole update is discarded).
func decodeMetadataBody(raw string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("malformed metadata JSON: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata payload must be a JSON object")
	}
	return obj, nil
}
