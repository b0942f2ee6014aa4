package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/optimization"
	"github.com/atlas-desktop/paramsearch/internal/strategy"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// SpaceFile is a decoded parameter-space declaration:
//
//	strategy: SMA
//	symbol: RELIANCE
//	interval: 1d
//	fixed:
//	  mode: DELIVERY
//	  position_size_pct: 10
//	parameters:
//	  short_window: {values: [5, 10, 20]}
//	  long_window: {min: 20, max: 200, step: 10, type: int}
//	constraints:
//	  - long_window > short_window
//	cross_assets: [TCS, INFY]
//
// Parameters keep their declaration order. REBALANCE spaces also carry an
// events calendar. CrossAssets lists symbols the winners are replayed on.
type SpaceFile struct {
	Strategy    strategy.Kind
	Symbol      string
	Interval    types.Interval
	Start       time.Time
	End         time.Time
	Parameters  []types.ParameterRange
	Fixed       types.ParameterSet
	Constraints []string
	Events      []strategy.RebalanceEvent
	CrossAssets []string
}

type spaceDoc struct {
	Strategy    string                 `yaml:"strategy"`
	Symbol      string                 `yaml:"symbol"`
	Interval    string                 `yaml:"interval"`
	Start       string                 `yaml:"start"`
	End         string                 `yaml:"end"`
	Parameters  yaml.Node              `yaml:"parameters"`
	Fixed       map[string]interface{} `yaml:"fixed"`
	Constraints []string               `yaml:"constraints"`
	Events      []eventDoc             `yaml:"events"`
	CrossAssets []string               `yaml:"cross_assets"`
}

type rangeDoc struct {
	Values []interface{} `yaml:"values"`
	Min    *float64      `yaml:"min"`
	Max    *float64      `yaml:"max"`
	Step   *float64      `yaml:"step"`
	Type   string        `yaml:"type"` // int or float
}

type eventDoc struct {
	Symbol          string  `yaml:"symbol"`
	Announcement    string  `yaml:"announcement"`
	Effective       string  `yaml:"effective"`
	Direction       string  `yaml:"direction"`
	EstimatedFlowCr float64 `yaml:"estimated_flow_cr"`
}

// LoadSpaceFile reads and parses a YAML space file.
func LoadSpaceFile(path string) (*SpaceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading space file: %w", err)
	}
	sf, err := ParseSpace(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sf, nil
}

// ParseSpace decodes a space declaration. JSON input is accepted too.
func ParseSpace(data []byte) (*SpaceFile, error) {
	var doc spaceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding space: %w", err)
	}

	kind, err := strategy.ParseKind(doc.Strategy)
	if err != nil {
		return nil, err
	}
	sf := &SpaceFile{
		Strategy:    kind,
		Symbol:      doc.Symbol,
		Interval:    types.Interval(doc.Interval),
		Constraints: doc.Constraints,
		Fixed:       types.ParameterSet{},
		CrossAssets: CleanSymbols(doc.CrossAssets),
	}
	if sf.Interval == "" {
		sf.Interval = types.Interval1d
	}
	if sf.Start, err = parseDate("start", doc.Start); err != nil {
		return nil, err
	}
	if sf.End, err = parseDate("end", doc.End); err != nil {
		return nil, err
	}

	if sf.Parameters, err = decodeRanges(&doc.Parameters); err != nil {
		return nil, err
	}
	for name, raw := range doc.Fixed {
		v, err := toValue(raw)
		if err != nil {
			return nil, fmt.Errorf("fixed %s: %w", name, err)
		}
		sf.Fixed[name] = v
	}

	for i, e := range doc.Events {
		announced, err := parseDate("announcement", e.Announcement)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		effective, err := parseDate("effective", e.Effective)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		dir := strategy.RebalanceDirection(strings.ToLower(e.Direction))
		if dir != strategy.RebalanceAdd && dir != strategy.RebalanceRemove {
			return nil, fmt.Errorf("event %d: direction must be add or remove, got %q", i, e.Direction)
		}
		sf.Events = append(sf.Events, strategy.RebalanceEvent{
			Symbol:          e.Symbol,
			Announcement:    announced,
			Effective:       effective,
			Direction:       dir,
			EstimatedFlowCr: e.EstimatedFlowCr,
		})
	}

	return sf, nil
}

// CleanSymbols trims symbols and drops blanks and repeats, keeping order.
func CleanSymbols(symbols []string) []string {
	trimmed := lo.Map(symbols, func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Uniq(lo.Compact(trimmed))
}

// decodeRanges walks the parameters mapping in document order.
func decodeRanges(node *yaml.Node) ([]types.ParameterRange, error) {
	if node.Kind == 0 {
		return nil, fmt.Errorf("space declares no parameters")
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parameters must be a mapping of name to range (line %d)", node.Line)
	}

	var ranges []types.ParameterRange
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var rd rangeDoc
		if err := node.Content[i+1].Decode(&rd); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}

		r := types.ParameterRange{Name: name}
		switch {
		case len(rd.Values) > 0:
			for _, raw := range rd.Values {
				v, err := toValue(raw)
				if err != nil {
					return nil, fmt.Errorf("parameter %s: %w", name, err)
				}
				r.Values = append(r.Values, v)
			}
		case rd.Min != nil && rd.Max != nil && rd.Step != nil:
			r.Min, r.Max, r.Step = *rd.Min, *rd.Max, *rd.Step
			switch strings.ToLower(rd.Type) {
			case "int", "integer":
				r.Integer = true
			case "", "float":
			default:
				return nil, fmt.Errorf("parameter %s: unknown type %q", name, rd.Type)
			}
		default:
			return nil, fmt.Errorf("parameter %s: declare values or min, max and step", name)
		}

		if err := r.Validate(); err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// Build turns the declaration into a ParameterSpace. The strategy's own
// ordering constraints are added when their parameters are searched.
func (sf *SpaceFile) Build() (*optimization.ParameterSpace, error) {
	constraints, err := ParseConstraints(sf.Constraints)
	if err != nil {
		return nil, err
	}

	searched := make(map[string]bool, len(sf.Parameters))
	for _, r := range sf.Parameters {
		searched[r.Name] = true
	}
	declared := make(map[string]bool, len(constraints))
	for _, c := range constraints {
		declared[c.Name] = true
	}
	for _, c := range defaultConstraints(sf.Strategy, searched) {
		if !declared[c.Name] {
			constraints = append(constraints, c)
		}
	}

	return optimization.NewParameterSpace(sf.Parameters, sf.Fixed, constraints...)
}

// ParseConstraints parses "a > b" and "a < b" expressions.
func ParseConstraints(exprs []string) ([]optimization.Constraint, error) {
	var out []optimization.Constraint
	for _, expr := range exprs {
		fields := strings.Fields(expr)
		if len(fields) != 3 {
			return nil, fmt.Errorf("constraint %q: want \"a > b\" or \"a < b\"", expr)
		}
		switch fields[1] {
		case ">":
			out = append(out, optimization.GreaterThan(fields[0], fields[2]))
		case "<":
			out = append(out, optimization.LessThan(fields[0], fields[2]))
		default:
			return nil, fmt.Errorf("constraint %q: unsupported operator %q", expr, fields[1])
		}
	}
	return out, nil
}

func defaultConstraints(kind strategy.Kind, searched map[string]bool) []optimization.Constraint {
	pair := func(slow, fast string) []optimization.Constraint {
		if searched[slow] || searched[fast] {
			return []optimization.Constraint{optimization.GreaterThan(slow, fast)}
		}
		return nil
	}
	switch kind {
	case strategy.KindSMA:
		return pair(strategy.ParamLongWindow, strategy.ParamShortWindow)
	case strategy.KindMACD:
		return pair(strategy.ParamSlowPeriod, strategy.ParamFastPeriod)
	}
	return nil
}

func toValue(raw interface{}) (types.Value, error) {
	switch v := raw.(type) {
	case int:
		return types.Num(float64(v)), nil
	case int64:
		return types.Num(float64(v)), nil
	case uint64:
		return types.Num(float64(v)), nil
	case float64:
		return types.Num(v), nil
	case bool:
		if v {
			return types.Num(1), nil
		}
		return types.Num(0), nil
	case string:
		if v == "" {
			return types.Value{}, fmt.Errorf("empty value")
		}
		return types.Text(v), nil
	}
	return types.Value{}, fmt.Errorf("unsupported value %v (%T)", raw, raw)
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: cannot parse date %q", field, s)
}
