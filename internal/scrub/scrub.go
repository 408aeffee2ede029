// Package scrub removes sensitive values from payloads before they are
// persisted in OrderEvent.raw_payload_json.
package scrub

import (
	"encoding/json"
	"strings"
)

const ellipsisMarker = "...[truncated]"

const maxStringLen = 2048

var sensitiveKeys = map[string]bool{
	"token":         true,
	"secret":        true,
	"signature":     true,
	"api_key":       true,
	"password":      true,
	"authorization": true,
}

// Payload recursively redacts keys in the sensitive set and truncates
// string values longer than 2048 characters, returning the scrubbed
// JSON encoding of raw. raw may be any JSON-marshalable value (a map,
// struct, or already-decoded interface{} tree).
func Payload(raw interface{}) (string, error) {
	normalized, err := normalize(raw)
	if err != nil {
		return "", err
	}
	scrubbed := scrubValue(normalized)
	out, err := json.Marshal(scrubbed)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func normalize(raw interface{}) (interface{}, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func scrubValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = scrubValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = scrubValue(val)
		}
		return out
	case string:
		if len(t) > maxStringLen {
			return t[:maxStringLen] + ellipsisMarker
		}
		return t
	default:
		return v
	}
}
