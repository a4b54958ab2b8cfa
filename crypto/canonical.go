package crypto

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonicalize serializes payload into a deterministic string: object
// keys are sorted recursively, array order is preserved. The result is
// the exact byte range that is signed, so for any two structurally equal
// payloads the output is identical regardless of field insertion order.
func Canonicalize(payload any) (string, error) {
	// Round-trip through encoding/json so structs, maps and raw JSON all
	// normalize to the same generic representation.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber() // keep numeric literals byte-exact
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, generic); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canonicalize: %w", err)
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil

	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil

	case json.Number:
		b.WriteString(val.String())
		return nil

	default:
		// string, bool, nil
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonicalize: %w", err)
		}
		b.Write(raw)
		return nil
	}
}
