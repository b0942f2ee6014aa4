package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Value is a single parameter value. Text values are categorical, all others numeric.
type Value struct {
	Num  float64
	Text string
}

// Num returns a numeric value.
func Num(v float64) Value { return Value{Num: v} }

// Text returns a categorical value.
func Text(s string) Value { return Value{Text: s} }

// IsText reports whether v is categorical.
func (v Value) IsText() bool { return v.Text != "" }

func (v Value) String() string {
	if v.IsText() {
		return v.Text
	}
	return strconv.FormatFloat(v.Num, 'g', -1, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsText() {
		return json.Marshal(v.Text)
	}
	return json.Marshal(v.Num)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Text(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parameter value must be a number or string: %w", err)
	}
	*v = Num(f)
	return nil
}

// ParameterSet maps parameter names to concrete values. Treat it as immutable
// once handed to an evaluation; use Clone or With to derive new sets.
type ParameterSet map[string]Value

// Clone returns a copy of p.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// With returns a copy of p with name set to v.
func (p ParameterSet) With(name string, v Value) ParameterSet {
	out := p.Clone()
	out[name] = v
	return out
}

// Has reports whether name is present.
func (p ParameterSet) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Names returns the parameter names in sorted order.
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key is a canonical representation used for de-duplication and ordering.
func (p ParameterSet) Key() string {
	var sb strings.Builder
	for i, name := range p.Names() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(p[name].String())
	}
	return sb.String()
}

// Float returns a numeric parameter.
func (p ParameterSet) Float(name string) (float64, error) {
	v, ok := p[name]
	if !ok {
		return 0, NewConfigurationError(name, "missing")
	}
	if v.IsText() {
		return 0, NewConfigurationError(name, "expected number, got %q", v.Text)
	}
	return v.Num, nil
}

// FloatOr returns a numeric parameter or def when absent.
func (p ParameterSet) FloatOr(name string, def float64) (float64, error) {
	if !p.Has(name) {
		return def, nil
	}
	return p.Float(name)
}

// Int returns an integral parameter.
func (p ParameterSet) Int(name string) (int, error) {
	f, err := p.Float(name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, NewConfigurationError(name, "expected integer, got %v", f)
	}
	return int(f), nil
}

// IntOr returns an integral parameter or def when absent.
func (p ParameterSet) IntOr(name string, def int) (int, error) {
	if !p.Has(name) {
		return def, nil
	}
	return p.Int(name)
}

// String returns a categorical parameter.
func (p ParameterSet) String(name string) (string, error) {
	v, ok := p[name]
	if !ok {
		return "", NewConfigurationError(name, "missing")
	}
	if !v.IsText() {
		return "", NewConfigurationError(name, "expected text, got %v", v.Num)
	}
	return v.Text, nil
}

// Mode returns the execution mode, defaulting to DELIVERY when absent.
func (p ParameterSet) Mode() (Mode, error) {
	if !p.Has(ParamMode) {
		return ModeDelivery, nil
	}
	s, err := p.String(ParamMode)
	if err != nil {
		return "", err
	}
	m := Mode(strings.ToUpper(s))
	if !m.Valid() {
		return "", NewConfigurationError(ParamMode, "unknown mode %q", s)
	}
	return m, nil
}

// Well-known parameter names shared by the simulator and signal generators.
const (
	ParamMode               = "mode"
	ParamPositionSizePct    = "position_size_pct"
	ParamStopLossPct        = "stop_loss_pct"
	ParamTakeProfitPct      = "take_profit_pct"
	ParamMaxHoldingBars     = "max_holding_bars"
	ParamBorrowCostPctDaily = "borrow_cost_pct_per_day"
	ParamAllowShort         = "allow_short"
)

// ParameterRange declares the admissible values of one parameter: either an
// explicit ordered list or an inclusive (min, max, step) progression.
type ParameterRange struct {
	Name    string  `json:"name" yaml:"name"`
	Values  []Value `json:"values,omitempty" yaml:"-"`
	Min     float64 `json:"min,omitempty" yaml:"min"`
	Max     float64 `json:"max,omitempty" yaml:"max"`
	Step    float64 `json:"step,omitempty" yaml:"step"`
	Integer bool    `json:"integer,omitempty" yaml:"integer"`
}

// Validate checks the range declaration.
func (r ParameterRange) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("parameter range: empty name")
	}
	if len(r.Values) > 0 {
		return nil
	}
	if r.Step <= 0 {
		return fmt.Errorf("parameter %s: step must be positive", r.Name)
	}
	if r.Max < r.Min {
		return fmt.Errorf("parameter %s: max %v below min %v", r.Name, r.Max, r.Min)
	}
	return nil
}

// Expand returns the ordered admissible values.
func (r ParameterRange) Expand() []Value {
	if len(r.Values) > 0 {
		out := make([]Value, len(r.Values))
		copy(out, r.Values)
		return out
	}
	if r.Step <= 0 || r.Max < r.Min {
		return nil
	}
	count := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
	return lo.Times(count, func(i int) Value {
		v := r.Min + float64(i)*r.Step
		if r.Integer {
			return Num(math.Round(v))
		}
		return Num(roundTo(v, 10))
	})
}

// Cardinality is the number of admissible values.
func (r ParameterRange) Cardinality() int {
	if len(r.Values) > 0 {
		return len(r.Values)
	}
	return len(r.Expand())
}

// Lowest returns the smallest numeric value, or the first value for lists.
func (r ParameterRange) Lowest() Value {
	vals := r.Expand()
	if len(vals) == 0 {
		return Value{}
	}
	numeric := lo.Filter(vals, func(v Value, _ int) bool { return !v.IsText() })
	if len(numeric) == 0 {
		return vals[0]
	}
	return lo.MinBy(numeric, func(a, b Value) bool { return a.Num < b.Num })
}

func roundTo(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}
