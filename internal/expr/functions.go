package expr

import (
	"errors"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/montanaflynn/stats"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/roach88/tarn/internal/ir"
)

// signature keys the function table: a name plus one kind letter per
// argument (b=bool f=float s=string t=tuple r=relation).
type signature struct {
	name  string
	kinds string
}

type impl func(args []ir.Value) (ir.Value, error)

var functions = map[signature]impl{}

func register(name, kinds string, fn impl) {
	functions[signature{name: name, kinds: kinds}] = fn
}

func kindLetter(k ir.Kind) byte {
	switch k {
	case ir.KindBool:
		return 'b'
	case ir.KindFloat:
		return 'f'
	case ir.KindString:
		return 's'
	case ir.KindTuple:
		return 't'
	case ir.KindRelation:
		return 'r'
	default:
		return '?'
	}
}

func shapeOf(args []ir.Value) string {
	b := make([]byte, len(args))
	for i, a := range args {
		b[i] = kindLetter(a.Kind())
	}
	return string(b)
}

// Apply calls fn on args. A (name, argument shape) pair missing from the
// function table is a *TypeError.
func Apply(fn string, args []ir.Value) (ir.Value, error) {
	call, ok := functions[signature{name: fn, kinds: shapeOf(args)}]
	if !ok {
		return nil, typeError(fn, args)
	}
	return call(args)
}

// Defined reports whether fn accepts the given argument shape.
func Defined(fn string, kinds ...ir.Kind) bool {
	b := make([]byte, len(kinds))
	for i, k := range kinds {
		b[i] = kindLetter(k)
	}
	_, ok := functions[signature{name: fn, kinds: string(b)}]
	return ok
}

// Names returns every function name in the table, sorted.
func Names() []string {
	seen := make(map[string]bool)
	var names []string
	for sig := range functions {
		if !seen[sig.name] {
			seen[sig.name] = true
			names = append(names, sig.name)
		}
	}
	slices.Sort(names)
	return names
}

func checkedFloat(name string, f float64) (ir.Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, domainError(name, "%v", f)
	}
	return ir.Float(f), nil
}

func unary(name string, fn func(float64) float64) {
	register(name, "f", func(args []ir.Value) (ir.Value, error) {
		return checkedFloat(name, fn(float64(args[0].(ir.Float))))
	})
}

func binary(name string, fn func(a, b float64) float64) {
	register(name, "ff", func(args []ir.Value) (ir.Value, error) {
		return checkedFloat(name, fn(float64(args[0].(ir.Float)), float64(args[1].(ir.Float))))
	})
}

// floatColumn extracts a column vector of floats for the aggregates.
func floatColumn(name string, v ir.Value) (stats.Float64Data, error) {
	t := v.(ir.Tuple)
	data := make(stats.Float64Data, len(t))
	for i, elem := range t {
		f, ok := elem.(ir.Float)
		if !ok {
			return nil, &TypeError{Fn: name, Kinds: []ir.Kind{ir.KindTuple, elem.Kind()}}
		}
		data[i] = float64(f)
	}
	return data, nil
}

func aggregate(name string, fn func(stats.Float64Data) (float64, error)) {
	register(name, "t", func(args []ir.Value) (ir.Value, error) {
		data, err := floatColumn(name, args[0])
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, domainError(name, "empty column")
		}
		result, err := fn(data)
		if err != nil {
			return nil, domainError(name, "%v", err)
		}
		return checkedFloat(name, result)
	})
}

var kindLetters = []string{"b", "f", "s", "t", "r"}

func init() {
	// arithmetic
	binary("+", func(a, b float64) float64 { return a + b })
	binary("-", func(a, b float64) float64 { return a - b })
	binary("*", func(a, b float64) float64 { return a * b })
	binary("/", func(a, b float64) float64 { return a / b })
	binary("mod", math.Mod)
	binary("pow", math.Pow)
	binary("min", math.Min)
	binary("max", math.Max)
	unary("neg", func(a float64) float64 { return -a })
	unary("abs", math.Abs)
	unary("sqrt", math.Sqrt)
	unary("sin", math.Sin)
	unary("cos", math.Cos)
	unary("tan", math.Tan)
	unary("floor", math.Floor)
	unary("ceil", math.Ceil)
	unary("round", math.Round)

	// comparison
	for _, op := range []Op{OpLT, OpLE, OpEQ, OpNE, OpGT, OpGE} {
		fn := func(args []ir.Value) (ir.Value, error) {
			ok, err := op.Test(args[0], args[1])
			if err != nil {
				return nil, err
			}
			return ir.Bool(ok), nil
		}
		if op == OpEQ || op == OpNE {
			for _, a := range kindLetters {
				for _, b := range kindLetters {
					register(string(op), a+b, fn)
				}
			}
			continue
		}
		for _, k := range kindLetters {
			register(string(op), k+k, fn)
		}
	}

	// logic
	register("and", "bb", func(args []ir.Value) (ir.Value, error) {
		return args[0].(ir.Bool) && args[1].(ir.Bool), nil
	})
	register("or", "bb", func(args []ir.Value) (ir.Value, error) {
		return args[0].(ir.Bool) || args[1].(ir.Bool), nil
	})
	register("not", "b", func(args []ir.Value) (ir.Value, error) {
		return !args[0].(ir.Bool), nil
	})

	// strings
	register("concat", "ss", func(args []ir.Value) (ir.Value, error) {
		return ir.NewString(string(args[0].(ir.String)) + string(args[1].(ir.String))), nil
	})
	register("len", "s", func(args []ir.Value) (ir.Value, error) {
		return ir.Float(utf8.RuneCountInString(string(args[0].(ir.String)))), nil
	})
	register("len", "t", func(args []ir.Value) (ir.Value, error) {
		return ir.Float(len(args[0].(ir.Tuple))), nil
	})
	register("upper", "s", func(args []ir.Value) (ir.Value, error) {
		return ir.NewString(cases.Upper(language.Und).String(string(args[0].(ir.String)))), nil
	})
	register("lower", "s", func(args []ir.Value) (ir.Value, error) {
		return ir.NewString(cases.Lower(language.Und).String(string(args[0].(ir.String)))), nil
	})
	register("contains", "ss", func(args []ir.Value) (ir.Value, error) {
		return ir.Bool(strings.Contains(string(args[0].(ir.String)), string(args[1].(ir.String)))), nil
	})
	register("to-string", "s", func(args []ir.Value) (ir.Value, error) {
		return args[0], nil
	})
	register("to-string", "f", func(args []ir.Value) (ir.Value, error) {
		return ir.String(strconv.FormatFloat(float64(args[0].(ir.Float)), 'g', -1, 64)), nil
	})
	register("to-string", "b", func(args []ir.Value) (ir.Value, error) {
		return ir.String(strconv.FormatBool(bool(args[0].(ir.Bool)))), nil
	})
	register("parse-float", "s", func(args []ir.Value) (ir.Value, error) {
		s := strings.TrimSpace(string(args[0].(ir.String)))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			var numErr *strconv.NumError
			if errors.As(err, &numErr) {
				err = numErr.Err
			}
			return nil, domainError("parse-float", "%q: %v", s, err)
		}
		return checkedFloat("parse-float", f)
	})

	// column aggregates
	register("sum", "t", func(args []ir.Value) (ir.Value, error) {
		data, err := floatColumn("sum", args[0])
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return ir.Float(0), nil
		}
		total, err := stats.Sum(data)
		if err != nil {
			return nil, domainError("sum", "%v", err)
		}
		return checkedFloat("sum", total)
	})
	aggregate("mean", stats.Mean)
	aggregate("median", stats.Median)
	aggregate("stddev", stats.StandardDeviation)
	aggregate("min-of", stats.Min)
	aggregate("max-of", stats.Max)
	register("count", "t", func(args []ir.Value) (ir.Value, error) {
		return ir.Float(len(args[0].(ir.Tuple))), nil
	})
	register("count", "r", func(args []ir.Value) (ir.Value, error) {
		return ir.Float(len(args[0].(ir.Relation))), nil
	})
}
