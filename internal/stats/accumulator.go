package stats

import (
	"github.com/tidwall/gjson"
)

// Accumulator is the running statistic of one key path. The concrete kind
// is chosen by the first value observed at that path.
type Accumulator interface {
	// Observe folds v in and reports whether it matched the accumulator kind.
	Observe(v gjson.Result) bool
	// Value is the population variance for numbers and the distinct value
	// count for strings and booleans.
	Value() float64
	Count() int
}

// newAccumulator picks the accumulator kind for v. Nulls and containers
// return nil.
func newAccumulator(v gjson.Result) Accumulator {
	switch v.Type {
	case gjson.Number:
		return &Numeric{}
	case gjson.String:
		return &Categorical{kind: gjson.String, seen: make(map[string]struct{})}
	case gjson.True, gjson.False:
		return &Categorical{kind: gjson.True, seen: make(map[string]struct{})}
	default:
		return nil
	}
}

// Numeric keeps Welford's running mean and sum of squared deviations.
type Numeric struct {
	n    int
	mean float64
	m2   float64
}

func (a *Numeric) Observe(v gjson.Result) bool {
	if v.Type != gjson.Number {
		return false
	}
	a.Add(v.Num)
	return true
}

// Add folds x into the running moments.
func (a *Numeric) Add(x float64) {
	a.n++
	delta := x - a.mean
	a.mean += delta / float64(a.n)
	a.m2 += delta * (x - a.mean)
}

// Value returns the population variance, 0 when empty.
func (a *Numeric) Value() float64 {
	if a.n == 0 {
		return 0
	}
	return a.m2 / float64(a.n)
}

func (a *Numeric) Count() int    { return a.n }
func (a *Numeric) Mean() float64 { return a.mean }

// Categorical counts distinct string or boolean values.
type Categorical struct {
	kind gjson.Type // gjson.String, or gjson.True for booleans
	n    int
	seen map[string]struct{}
}

func (a *Categorical) Observe(v gjson.Result) bool {
	var key string
	switch {
	case a.kind == gjson.String && v.Type == gjson.String:
		key = v.Str
	case a.kind == gjson.True && (v.Type == gjson.True || v.Type == gjson.False):
		key = v.Raw
	default:
		return false
	}
	a.n++
	a.seen[key] = struct{}{}
	return true
}

func (a *Categorical) Value() float64 { return float64(len(a.seen)) }
func (a *Categorical) Count() int     { return a.n }
