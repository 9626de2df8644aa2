package ir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrNaN is returned when a NaN float crosses the construction boundary.
// NaN has no place in the total order, so it is rejected rather than stored.
var ErrNaN = errors.New("NaN is not a valid value")

// Value is a sealed interface over the value variants stored in relations.
// Only Bool, String, Float, Tuple and Relation implement it.
type Value interface {
	value() // Sealed - only these types implement it
	Kind() Kind
}

// Kind identifies a Value variant. The numeric order of kinds is the
// variant rank used by Compare.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindFloat
	KindString
	KindTuple
	KindRelation
)

// String returns the kind name used in diagnostics.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTuple:
		return "tuple"
	case KindRelation:
		return "relation"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Bool is a boolean value.
type Bool bool

func (Bool) value()     {}
func (Bool) Kind() Kind { return KindBool }

// String is a text value. Use NewString to get NFC normalization.
type String string

func (String) value()     {}
func (String) Kind() Kind { return KindString }

// Float is a 64-bit float value. Use NewFloat to reject NaN.
type Float float64

func (Float) value()     {}
func (Float) Kind() Kind { return KindFloat }

// Tuple is a fixed-arity ordered sequence of values.
// Tuples are immutable once stored in an index.
type Tuple []Value

func (Tuple) value()     {}
func (Tuple) Kind() Kind { return KindTuple }

// Relation is a set of tuples in ascending order, as bound by a
// relation-scan clause.
type Relation []Tuple

func (Relation) value()     {}
func (Relation) Kind() Kind { return KindRelation }

// NewString creates an NFC-normalized String.
func NewString(s string) String {
	return String(norm.NFC.String(s))
}

// NewFloat creates a Float, rejecting NaN.
func NewFloat(f float64) (Float, error) {
	if math.IsNaN(f) {
		return 0, ErrNaN
	}
	return Float(f), nil
}

// MustFloat is like NewFloat but panics on NaN.
// Use only in tests or with known-valid inputs.
func MustFloat(f float64) Float {
	v, err := NewFloat(f)
	if err != nil {
		panic(err)
	}
	return v
}

// NewTuple creates a Tuple from values.
func NewTuple(vals ...Value) Tuple {
	return Tuple(vals)
}

// Compare defines the total order over values.
//
// Variants are ranked Bool < Float < String < Tuple < Relation. Within a
// variant: false < true, numeric order, byte-wise string order, and
// lexicographic order for tuples and relations (a proper prefix sorts first).
//
// NaN never passes NewFloat, but a Float converted directly from NaN still
// gets a deterministic place: it equals itself and sorts below every other
// float.
func Compare(a, b Value) int {
	ka, kb := a.Kind(), b.Kind()
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}

	switch av := a.(type) {
	case Bool:
		bv := b.(Bool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case Float:
		return compareFloat(float64(av), float64(b.(Float)))
	case String:
		return strings.Compare(string(av), string(b.(String)))
	case Tuple:
		return CompareTuples(av, b.(Tuple))
	case Relation:
		bv := b.(Relation)
		n := min(len(av), len(bv))
		for i := 0; i < n; i++ {
			if c := CompareTuples(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return compareInt(len(av), len(bv))
	default:
		panic(fmt.Sprintf("ir: unknown value type %T", a))
	}
}

// CompareTuples compares two tuples lexicographically.
func CompareTuples(a, b Tuple) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInt(len(a), len(b))
}

// Equal reports structural equality.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

func compareFloat(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Format renders a value for logs and CLI output.
// Strings are quoted, floats use the shortest representation.
func Format(v Value) string {
	var b strings.Builder
	writeValue(&b, v)
	return b.String()
}

func writeValue(b *strings.Builder, v Value) {
	switch val := v.(type) {
	case Bool:
		b.WriteString(strconv.FormatBool(bool(val)))
	case Float:
		b.WriteString(formatFloat(float64(val)))
	case String:
		b.WriteString(strconv.Quote(string(val)))
	case Tuple:
		b.WriteByte('(')
		for i, elem := range val {
			if i > 0 {
				b.WriteString(", ")
			}
			writeValue(b, elem)
		}
		b.WriteByte(')')
	case Relation:
		b.WriteByte('{')
		for i, t := range val {
			if i > 0 {
				b.WriteString(", ")
			}
			writeValue(b, t)
		}
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "%v", v)
	}
}

// String implements fmt.Stringer for tuples.
func (t Tuple) String() string {
	return Format(t)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// MarshalJSON encodes a Relation as {"relation": [...]}.
func (r Relation) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"relation":`)
	rows, err := json.Marshal([]Tuple(r))
	if err != nil {
		return nil, err
	}
	buf.Write(rows)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON encodes a Float, refusing NaN and infinities which JSON
// cannot represent.
func (f Float) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return nil, fmt.Errorf("float %v is not representable in JSON", float64(f))
	}
	return []byte(formatFloat(float64(f))), nil
}

// UnmarshalJSON decodes a Tuple from a JSON array of values.
func (t *Tuple) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = make(Tuple, len(raw))
	for i, elem := range raw {
		v, err := UnmarshalValue(elem)
		if err != nil {
			return fmt.Errorf("tuple[%d]: %w", i, err)
		}
		(*t)[i] = v
	}
	return nil
}

// UnmarshalValue decodes a single JSON value.
//
// Mapping: bool → Bool, number → Float, string → String (NFC),
// array → Tuple, {"relation": [...]} → Relation. null and any other object
// shape are rejected.
func UnmarshalValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return NewString(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case 'n':
		return nil, fmt.Errorf("null is not a valid value")

	case '[':
		var t Tuple
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return t, nil

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		rows, ok := obj["relation"]
		if !ok || len(obj) != 1 {
			return nil, fmt.Errorf("object values must have the form {\"relation\": [...]}")
		}
		var tuples []Tuple
		if err := json.Unmarshal(rows, &tuples); err != nil {
			return nil, fmt.Errorf("relation: %w", err)
		}
		return NewRelation(tuples), nil

	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return NewFloat(f)
	}
}

// NewRelation builds a Relation from tuples, sorting and removing duplicates.
func NewRelation(tuples []Tuple) Relation {
	rel := make(Relation, 0, len(tuples))
	rel = append(rel, tuples...)
	sortTuples(rel)
	out := rel[:0]
	for i, t := range rel {
		if i > 0 && CompareTuples(out[len(out)-1], t) == 0 {
			continue
		}
		out = append(out, t)
	}
	return out
}

// FromGo converts plain Go values into a Value.
// Accepted: bool, string, float64, float32, int, int64, []any, Value.
// Used when reading values from YAML, CUE or command-line arguments.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a valid value")
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return NewString(val), nil
	case float64:
		return NewFloat(val)
	case float32:
		return NewFloat(float64(val))
	case int:
		return Float(val), nil
	case int64:
		return Float(val), nil
	case uint64:
		return Float(val), nil
	case []any:
		t := make(Tuple, len(val))
		for i, elem := range val {
			ev, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			t[i] = ev
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// TupleFromGo converts a slice of plain Go values into a Tuple.
func TupleFromGo(vals []any) (Tuple, error) {
	t := make(Tuple, len(vals))
	for i, v := range vals {
		ev, err := FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		t[i] = ev
	}
	return t, nil
}
