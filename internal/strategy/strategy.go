// Package strategy provides signal generators for the supported strategy kinds.
//
// Generators are pure: they read a price series and a parameter set and
// return one signal per bar. The signal at bar t never depends on bars after t.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

// Kind identifies a signal generator variant.
type Kind string

const (
	KindSMA       Kind = "SMA"
	KindMACD      Kind = "MACD"
	KindATR       Kind = "ATR"
	KindRebalance Kind = "REBALANCE"
)

// ParseKind normalizes a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindSMA, KindMACD, KindATR, KindRebalance:
		return k, nil
	}
	return "", fmt.Errorf("unknown strategy kind %q", s)
}

// Generator turns a price series into an aligned signal series.
type Generator interface {
	Kind() Kind
	// Required lists the parameter names Compute reads.
	Required() []string
	// Validate checks structural constraints without touching any data.
	Validate(p types.ParameterSet) error
	// Lookback is the longest indicator window p needs.
	Lookback(p types.ParameterSet) (int, error)
	Compute(series *types.PriceSeries, p types.ParameterSet) ([]types.Signal, error)
}

// Registry maps kinds to generators.
type Registry struct {
	logger     *zap.Logger
	generators map[Kind]Generator
	mu         sync.RWMutex
}

// NewRegistry creates a registry with the indicator generators registered.
// Event-driven generators need their calendars and are registered by the caller.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:     logger,
		generators: make(map[Kind]Generator),
	}

	r.Register(&SMACrossover{})
	r.Register(&MACDCrossover{})
	r.Register(&ATRBreakout{})

	return r
}

// Register adds or replaces a generator.
func (r *Registry) Register(g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[g.Kind()] = g
	r.logger.Debug("Registered signal generator", zap.String("kind", string(g.Kind())))
}

// Get returns the generator for kind.
func (r *Registry) Get(kind Kind) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.generators[kind]
	if !ok {
		return nil, fmt.Errorf("no generator registered for %s", kind)
	}
	return g, nil
}

// List returns the registered kinds in sorted order.
func (r *Registry) List() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.generators))
	for k := range r.generators {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// tieTolerance treats relative differences below this as equality so that
// rolling-sum rounding never manufactures a crossover.
const tieTolerance = 1e-9

// crossovers emits ENTER_LONG when fast-slow moves from <=0 to >0 and EXIT
// (or ENTER_SHORT when shorting is allowed) when it moves from >=0 to <0.
func crossovers(fast, slow []float64, allowShort bool) []types.Signal {
	signals := make([]types.Signal, len(fast))
	for t := 1; t < len(fast); t++ {
		if math.IsNaN(fast[t]) || math.IsNaN(slow[t]) || math.IsNaN(fast[t-1]) || math.IsNaN(slow[t-1]) {
			continue
		}
		prev := spread(fast[t-1], slow[t-1])
		cur := spread(fast[t], slow[t])

		switch {
		case prev <= 0 && cur > 0:
			signals[t] = types.SignalEnterLong
		case prev >= 0 && cur < 0:
			signals[t] = bearish(allowShort)
		}
	}
	return signals
}

func spread(a, b float64) float64 {
	d := a - b
	if math.Abs(d) <= tieTolerance*math.Max(math.Abs(a), math.Abs(b)) {
		return 0
	}
	return d
}

func bearish(allowShort bool) types.Signal {
	if allowShort {
		return types.SignalEnterShort
	}
	return types.SignalExit
}

func allowShort(p types.ParameterSet) (bool, error) {
	v, err := p.IntOr(types.ParamAllowShort, 0)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func positiveInt(p types.ParameterSet, name string) (int, error) {
	v, err := p.Int(name)
	if err != nil {
		return 0, err
	}
	if v < 1 {
		return 0, types.NewConfigurationError(name, "must be >= 1, got %d", v)
	}
	return v, nil
}

// checkLength rejects parameter sets whose window exceeds the series.
func checkLength(g Generator, series *types.PriceSeries, p types.ParameterSet) error {
	window, err := g.Lookback(p)
	if err != nil {
		return err
	}
	if window > series.Len() {
		return types.NewConfigurationError("", "%s window %d exceeds series length %d", g.Kind(), window, series.Len())
	}
	return nil
}
