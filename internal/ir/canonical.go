package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces deterministic JSON for hashing.
// This is the only serialization used for content-addressed identity.
//
// Differences from json.Marshal:
//  1. Object keys are sorted
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. Floats use the shortest round-trip form; NaN and Inf are errors
//  5. Change rows are sorted, so batches that differ only in row order hash
//     the same
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null is forbidden in canonical JSON")
	case Bool:
		return writeCanonicalBool(buf, bool(val))
	case bool:
		return writeCanonicalBool(buf, val)
	case String:
		return writeCanonicalString(buf, string(val))
	case string:
		return writeCanonicalString(buf, val)
	case Float:
		return writeCanonicalFloat(buf, float64(val))
	case float64:
		return writeCanonicalFloat(buf, val)
	case int64:
		fmt.Fprintf(buf, "%d", val)
		return nil
	case int:
		fmt.Fprintf(buf, "%d", val)
		return nil
	case Tuple:
		return writeCanonicalArray(buf, len(val), func(i int) any { return val[i] })
	case Relation:
		buf.WriteString(`{"relation":`)
		if err := writeCanonicalArray(buf, len(val), func(i int) any { return val[i] }); err != nil {
			return err
		}
		buf.WriteByte('}')
		return nil
	case []Tuple:
		sorted := slices.Clone(val)
		sortTuples(sorted)
		return writeCanonicalArray(buf, len(sorted), func(i int) any { return sorted[i] })
	case []string:
		return writeCanonicalArray(buf, len(val), func(i int) any { return val[i] })
	case [][]string:
		return writeCanonicalArray(buf, len(val), func(i int) any { return val[i] })
	case EventChange:
		return writeCanonicalArray(buf, 4, func(i int) any {
			switch i {
			case 0:
				return val.View
			case 1:
				return nonNilStrings(val.Fields)
			case 2:
				return nonNilTuples(val.Inserted)
			default:
				return nonNilTuples(val.Removed)
			}
		})
	case []EventChange:
		return writeCanonicalArray(buf, len(val), func(i int) any { return val[i] })
	case []any:
		return writeCanonicalArray(buf, len(val), func(i int) any { return val[i] })
	case Event:
		return writeCanonicalObject(buf, map[string]any{
			"changes":  nonNilChanges(val.Changes),
			"commands": nonNilCommands(val.Commands),
			"session":  val.Session,
		})
	case map[string]any:
		return writeCanonicalObject(buf, val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func writeCanonicalBool(buf *bytes.Buffer, b bool) error {
	if b {
		buf.WriteString("true")
	} else {
		buf.WriteString("false")
	}
	return nil
}

func writeCanonicalFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("float %v is forbidden in canonical JSON", f)
	}
	if f == 0 {
		// -0 and 0 compare equal, so they must hash equal
		f = 0
	}
	buf.WriteString(formatFloat(f))
	return nil
}

// writeCanonicalString writes a JSON string with NFC normalization.
// Only control characters, backslash and quote are escaped; U+2028 and
// U+2029 are written literally.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	normalized := norm.NFC.String(s)

	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return err
	}

	// json.Encoder adds a trailing newline
	result := bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'})
	buf.Write(unescapeLineSeparators(result))
	return nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes emitted by
// encoding/json back into literal characters. An escape preceded by an odd
// number of backslashes is literal text and is left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+6 <= len(data) && bytes.HasPrefix(data[i:], []byte(`\u202`)) &&
			(data[i+5] == '8' || data[i+5] == '9') {
			backslashes := 0
			for j := len(out) - 1; j >= 0 && out[j] == '\\'; j-- {
				backslashes++
			}
			if backslashes%2 == 0 {
				if data[i+5] == '8' {
					out = append(out, "\u2028"...)
				} else {
					out = append(out, "\u2029"...)
				}
				i += 5
				continue
			}
		}
		out = append(out, data[i])
	}
	return out
}

func writeCanonicalArray(buf *bytes.Buffer, n int, elem func(int) any) error {
	buf.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, elem(i)); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func nonNilChanges(cs []EventChange) []EventChange {
	if cs == nil {
		return []EventChange{}
	}
	return cs
}

func nonNilCommands(cmds [][]string) [][]string {
	if cmds == nil {
		return [][]string{}
	}
	return cmds
}
