// Package tabular defines the fixed contract at the evaluator boundary: a
// row-oriented, column-name-to-typed-value result shape. Evaluators consume
// an external tabular data source and hand the engine a Result; the engine
// never sees or parses query language.
package tabular

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Kind enumerates the value types a column may carry.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	}
	return "unknown"
}

// Value is a typed cell. Accessors fail loudly on kind mismatch instead of
// coercing; ad hoc dynamic field access is exactly what this contract
// replaces.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	t    time.Time
}

func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value     { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }

// Kind returns the value's type.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string value or an error on kind mismatch.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", fmt.Errorf("tabular: value is %s, not string", v.kind)
	}
	return v.s, nil
}

// AsInt returns the int value or an error on kind mismatch.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, fmt.Errorf("tabular: value is %s, not int", v.kind)
	}
	return v.i, nil
}

// AsFloat returns the float value. Int values widen; anything else errors.
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	}
	return 0, fmt.Errorf("tabular: value is %s, not float", v.kind)
}

// AsBool returns the bool value or an error on kind mismatch.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, fmt.Errorf("tabular: value is %s, not bool", v.kind)
	}
	return v.b, nil
}

// AsTime returns the time value or an error on kind mismatch.
func (v Value) AsTime() (time.Time, error) {
	if v.kind != KindTime {
		return time.Time{}, fmt.Errorf("tabular: value is %s, not time", v.kind)
	}
	return v.t, nil
}

// canonical renders a value deterministically for checksumming.
func (v Value) canonical() string {
	switch v.kind {
	case KindString:
		return "s:" + v.s
	case KindInt:
		return "i:" + strconv.FormatInt(v.i, 10)
	case KindFloat:
		return "f:" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return "b:" + strconv.FormatBool(v.b)
	case KindTime:
		return "t:" + v.t.UTC().Format(time.RFC3339Nano)
	}
	return ""
}

// Row maps column names to typed values.
type Row map[string]Value

// Provider is the external tabular data source the engine computes against.
// Implementations wrap whatever actually answers queries (a SQL view layer,
// a warehouse export, a fixture file); the engine only sees rows.
type Provider interface {
	Rows(ctx context.Context, table string) ([]Row, error)
}

// StaticProvider serves fixed rows per table. Used in tests and local
// development; real deployments wrap the SQL view layer instead.
type StaticProvider map[string][]Row

func (p StaticProvider) Rows(_ context.Context, table string) ([]Row, error) {
	rows, ok := p[table]
	if !ok {
		return nil, fmt.Errorf("tabular: unknown table %q", table)
	}
	return rows, nil
}

// Step describes one transformation an evaluator applied, with a checksum
// over its inputs. Steps become the snapshot's lineage chain.
type Step struct {
	Name           string
	InputTable     string
	Transformation string
	Checksum       string
}

// Result is what an evaluator hands back: the computed value, the source
// table it was derived from, and the ordered transformation steps.
type Result struct {
	Value       float64
	SourceTable string
	Steps       []Step
}

// Validate checks structural completeness of a result: at least one step,
// and every step fully described. Numeric sanity is the engine's job.
func (r *Result) Validate() error {
	if len(r.Steps) == 0 {
		return fmt.Errorf("tabular: result has no lineage steps")
	}
	for i, s := range r.Steps {
		if s.Name == "" || s.Checksum == "" {
			return fmt.Errorf("tabular: step %d missing name or checksum", i+1)
		}
	}
	return nil
}

// RowsChecksum computes a deterministic hex checksum over a set of rows.
// Column order within a row does not matter; row order does. Evaluators use
// this to checksum the inputs of a transformation step.
func RowsChecksum(rows []Row) string {
	h := sha256.New()
	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for name := range row {
			cols = append(cols, name)
		}
		sort.Strings(cols)
		for _, name := range cols {
			h.Write([]byte(name))
			h.Write([]byte{0})
			h.Write([]byte(row[name].canonical()))
			h.Write([]byte{0})
		}
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil))
}
