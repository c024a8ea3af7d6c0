// Package logging provides helpers for keeping credentials and signing
// secrets out of log output.
package logging

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Redacted replaces values that must never be logged, even partially.
const Redacted = "[REDACTED]"

// SensitiveFields are the JSON keys masked by default: embed tokens, API keys
// and webhook signing secrets all travel in bodies under these names.
var SensitiveFields = []string{"token", "secret", "callbackSecret", "key", "apiKey", "bootstrapKey"}

// MaskHeader redacts sensitive header values based on header name.
//
// Rules:
//   - Secret headers: "[REDACTED]" (no partial reveal)
//   - Credential and signature headers: "****" + last 4 chars
//   - Other headers: returned unchanged
func MaskHeader(name, value string) string {
	lowerName := strings.ToLower(name)

	if strings.Contains(lowerName, "secret") ||
		strings.Contains(lowerName, "password") ||
		strings.Contains(lowerName, "private-key") {
		return Redacted
	}

	switch lowerName {
	case "authorization", "x-api-key", "x-empathy-signature", "x-webhook-signature", "cookie":
		return MaskSecret(value)
	}
	return value
}

// MaskSecret keeps only the last four characters of value.
func MaskSecret(value string) string {
	if len(value) < 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

// MaskJSONBody replaces the values of the given keys, at any depth, with
// "[REDACTED]". Key matching is case-insensitive. A nil fields slice uses
// SensitiveFields. Bodies that are not JSON are returned unchanged.
func MaskJSONBody(body []byte, fields []string) []byte {
	if len(body) == 0 {
		return body
	}
	if fields == nil {
		fields = SensitiveFields
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}

	deny := make(map[string]bool, len(fields))
	for _, f := range fields {
		deny[strings.ToLower(f)] = true
	}

	result, err := json.Marshal(maskJSONValue(data, deny))
	if err != nil {
		return body
	}
	return result
}

func maskJSONValue(value any, deny map[string]bool) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if deny[strings.ToLower(key)] {
				out[key] = Redacted
				continue
			}
			out[key] = maskJSONValue(val, deny)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = maskJSONValue(item, deny)
		}
		return out
	default:
		return value
	}
}

// FormatBinaryData formats binary data for logging.
func FormatBinaryData(data []byte) string {
	return fmt.Sprintf("[BINARY: %d bytes]", len(data))
}
