package optimization

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/samber/lo"
)

// Constraint rejects parameter combinations that cannot form a valid
// strategy. Checks must be pure.
type Constraint struct {
	Name  string
	Check func(p types.ParameterSet) bool
}

// GreaterThan requires a > b. Sets missing either parameter pass.
func GreaterThan(a, b string) Constraint {
	return Constraint{
		Name: fmt.Sprintf("%s > %s", a, b),
		Check: func(p types.ParameterSet) bool {
			x, errA := p.Float(a)
			y, errB := p.Float(b)
			if errA != nil || errB != nil {
				return true
			}
			return x > y
		},
	}
}

// LessThan requires a < b. Sets missing either parameter pass.
func LessThan(a, b string) Constraint {
	c := GreaterThan(b, a)
	c.Name = fmt.Sprintf("%s < %s", a, b)
	return c
}

// ParameterSpace is the cartesian product of parameter ranges, filtered by
// constraints. Fixed parameters are merged into every set.
type ParameterSpace struct {
	Params      []types.ParameterRange
	Constraints []Constraint
	Fixed       types.ParameterSet

	values [][]types.Value
	size   int
}

// NewParameterSpace validates the ranges and expands their values.
func NewParameterSpace(params []types.ParameterRange, fixed types.ParameterSet, constraints ...Constraint) (*ParameterSpace, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("parameter space has no ranges")
	}

	seen := make(map[string]bool, len(params))
	values := make([][]types.Value, len(params))
	size := 1
	for i, r := range params {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("parameter %s declared twice", r.Name)
		}
		if fixed.Has(r.Name) {
			return nil, fmt.Errorf("parameter %s is both fixed and searched", r.Name)
		}
		seen[r.Name] = true

		values[i] = r.Expand()
		if len(values[i]) == 0 {
			return nil, fmt.Errorf("parameter %s has no values", r.Name)
		}
		size = mulSaturating(size, len(values[i]))
	}

	return &ParameterSpace{
		Params:      params,
		Constraints: constraints,
		Fixed:       fixed.Clone(),
		values:      values,
		size:        size,
	}, nil
}

func mulSaturating(a, b int) int {
	if a != 0 && b > math.MaxInt/a {
		return math.MaxInt
	}
	return a * b
}

// Size is the number of raw combinations before constraints.
func (s *ParameterSpace) Size() int { return s.size }

// Names returns the searched parameter names in declared order.
func (s *ParameterSpace) Names() []string {
	return lo.Map(s.Params, func(r types.ParameterRange, _ int) string { return r.Name })
}

// Values returns the expanded values of the i-th range.
func (s *ParameterSpace) Values(i int) []types.Value { return s.values[i] }

// At decodes a mixed-radix index into a parameter set. The last declared
// range varies fastest.
func (s *ParameterSpace) At(idx int) types.ParameterSet {
	p := s.base()
	for i := len(s.values) - 1; i >= 0; i-- {
		n := len(s.values[i])
		p[s.Params[i].Name] = s.values[i][idx%n]
		idx /= n
	}
	return p
}

func (s *ParameterSpace) base() types.ParameterSet {
	p := make(types.ParameterSet, len(s.Params)+len(s.Fixed))
	for k, v := range s.Fixed {
		p[k] = v
	}
	return p
}

// Satisfies reports whether p passes every constraint.
func (s *ParameterSpace) Satisfies(p types.ParameterSet) bool {
	for _, c := range s.Constraints {
		if !c.Check(p) {
			return false
		}
	}
	return true
}

// Enumerate returns every constraint-satisfying set in index order along
// with the number of combinations the constraints removed.
func (s *ParameterSpace) Enumerate() (sets []types.ParameterSet, filtered int) {
	sets = make([]types.ParameterSet, 0, s.size)
	for i := 0; i < s.size; i++ {
		p := s.At(i)
		if !s.Satisfies(p) {
			filtered++
			continue
		}
		sets = append(sets, p)
	}
	return sets, filtered
}

// Sample draws combinations uniformly without replacement until n of them
// satisfy the constraints or the space runs out. drawn counts every index
// taken, including filtered ones.
func (s *ParameterSpace) Sample(rng *rand.Rand, n int) (sets []types.ParameterSet, drawn, filtered int) {
	// sparse Fisher-Yates: only displaced slots are stored
	swapped := make(map[int]int)
	slot := func(i int) int {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}

	for k := 0; k < s.size && len(sets) < n; k++ {
		j := k + int(rng.Int63n(int64(s.size-k)))
		pick := slot(j)
		swapped[j] = slot(k)
		drawn++

		p := s.At(pick)
		if !s.Satisfies(p) {
			filtered++
			continue
		}
		sets = append(sets, p)
	}
	return sets, drawn, filtered
}

// Random returns one combination drawn uniformly per range. It may violate
// constraints.
func (s *ParameterSpace) Random(rng *rand.Rand) types.ParameterSet {
	p := s.base()
	for i, vals := range s.values {
		p[s.Params[i].Name] = vals[rng.Intn(len(vals))]
	}
	return p
}

// RandomValid draws up to attempts random combinations and returns the first
// that satisfies the constraints.
func (s *ParameterSpace) RandomValid(rng *rand.Rand, attempts int) (types.ParameterSet, bool) {
	for i := 0; i < attempts; i++ {
		if p := s.Random(rng); s.Satisfies(p) {
			return p, true
		}
	}
	return nil, false
}

// MinSet places every range at its lowest value. It is the set with the
// shortest indicator windows and bounds the data a search needs.
func (s *ParameterSpace) MinSet() types.ParameterSet {
	p := s.base()
	for _, r := range s.Params {
		p[r.Name] = r.Lowest()
	}
	return p
}
