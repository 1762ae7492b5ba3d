// Package redact masks credentials before they reach the audit trail.
// Masking is one-way: the original values are not kept anywhere.
package redact

import (
	"strings"
)

// Mask replaces a masked value in text.
const Mask = "***"

// SecretKeys are map keys whose values are always masked.
var SecretKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"access_key", "secret_key", "private_key", "credentials", "authorization",
}

// String masks every secret Scan finds in text.
func String(text string) string {
	matches := Scan(text)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		b.WriteString(Mask)
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// MaskValue replaces a value with "***". Numbers and bools are preserved.
func MaskValue(v any) any {
	switch v.(type) {
	case int, int64, float64, bool:
		return v
	case nil:
		return nil
	default:
		return Mask
	}
}

// Map returns a copy of data with SecretKeys masked and every other string
// value scanned. Nested maps and slices are walked. The input is not
// modified; a nil map stays nil.
func Map(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	keySet := make(map[string]bool, len(SecretKeys))
	for _, k := range SecretKeys {
		keySet[k] = true
	}
	return redactMap(data, keySet)
}

func redactMap(data map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if keys[strings.ToLower(k)] {
			out[k] = MaskValue(v)
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch x := v.(type) {
	case string:
		return String(x)
	case map[string]any:
		return redactMap(x, keys)
	case map[string]string:
		out := make(map[string]string, len(x))
		for k, s := range x {
			if keys[strings.ToLower(k)] {
				out[k] = Mask
			} else {
				out[k] = String(s)
			}
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = redactValue(e, keys)
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i, s := range x {
			out[i] = String(s)
		}
		return out
	default:
		return v
	}
}
