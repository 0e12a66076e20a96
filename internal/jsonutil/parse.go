// Package jsonutil provides strict JSON parsing helpers that attach a
// truncated preview of the offending text to decode errors, so stream and
// payload failures can be diagnosed from logs alone.
package jsonutil

import (
	"encoding/json"
	"fmt"
)

// previewLimit caps how much raw text is embedded in a decode error.
const previewLimit = 200

// Preview returns text truncated to previewLimit bytes with an ellipsis marker.
func Preview(text string) string {
	if len(text) > previewLimit {
		return text[:previewLimit] + "..."
	}
	return text
}

// Parse unmarshals raw into T, returning an error that includes a truncated
// preview of the input when the bytes are not valid JSON for T.
func Parse[T any](raw []byte) (T, error) {
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		var zero T
		return zero, fmt.Errorf("invalid JSON: %w (text: %s)", err, Preview(string(raw)))
	}
	return result, nil
}
