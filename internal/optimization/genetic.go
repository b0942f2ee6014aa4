package optimization

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

// GeneticConfig tunes the genetic search.
type GeneticConfig struct {
	PopulationSize int     `json:"populationSize" mapstructure:"population_size"`
	Generations    int     `json:"generations" mapstructure:"generations"`
	EliteFraction  float64 `json:"eliteFraction" mapstructure:"elite_fraction"`
	TournamentSize int     `json:"tournamentSize" mapstructure:"tournament_size"`
	CrossoverRate  float64 `json:"crossoverRate" mapstructure:"crossover_rate"`
	MutationRate   float64 `json:"mutationRate" mapstructure:"mutation_rate"` // per gene
	Patience       int     `json:"patience" mapstructure:"patience"`          // generations without improvement
	RepairAttempts int     `json:"repairAttempts" mapstructure:"repair_attempts"`
}

// DefaultGeneticConfig returns sensible defaults
func DefaultGeneticConfig() GeneticConfig {
	return GeneticConfig{
		PopulationSize: 50,
		Generations:    50,
		EliteFraction:  0.1,
		TournamentSize: 3,
		CrossoverRate:  0.8,
		MutationRate:   0.1,
		Patience:       5,
		RepairAttempts: 20,
	}
}

func (c GeneticConfig) withDefaults() GeneticConfig {
	d := DefaultGeneticConfig()
	if c.PopulationSize <= 0 {
		c.PopulationSize = d.PopulationSize
	}
	if c.Generations <= 0 {
		c.Generations = d.Generations
	}
	if c.EliteFraction <= 0 || c.EliteFraction >= 1 {
		c.EliteFraction = d.EliteFraction
	}
	if c.TournamentSize <= 0 {
		c.TournamentSize = d.TournamentSize
	}
	if c.CrossoverRate <= 0 {
		c.CrossoverRate = d.CrossoverRate
	}
	if c.MutationRate <= 0 {
		c.MutationRate = d.MutationRate
	}
	if c.Patience <= 0 {
		c.Patience = d.Patience
	}
	if c.RepairAttempts <= 0 {
		c.RepairAttempts = d.RepairAttempts
	}
	return c
}

// memoEntry caches the outcome of one parameter set. ok is false for
// excluded sets.
type memoEntry struct {
	result types.CandidateResult
	ok     bool
}

// geneticSearch evolves a population of parameter sets. Every set is
// evaluated at most once.
func (o *Optimizer) geneticSearch(ctx context.Context, series *types.PriceSeries, space *ParameterSpace, budget Budget, report *types.SearchReport, short *shortfall) ([]types.CandidateResult, error) {
	cfg := o.config.Genetic
	rng := o.rng()

	population, err := o.initializePopulation(space, rng, cfg)
	if err != nil {
		return nil, err
	}

	o.logger.Info("starting genetic algorithm",
		zap.Int("population_size", len(population)),
		zap.Int("generations", cfg.Generations),
	)

	memo := make(map[string]memoEntry)
	var all []types.CandidateResult
	bestScore := math.Inf(-1)
	stale := 0

	for gen := 0; gen < cfg.Generations; gen++ {
		fresh := unseen(population, memo)
		if budget.MaxEvaluations > 0 {
			remaining := budget.MaxEvaluations - report.Evaluated - report.Excluded
			if remaining <= 0 {
				report.BudgetExhausted = true
				break
			}
			if len(fresh) > remaining {
				fresh = fresh[:remaining]
				report.BudgetExhausted = true
			}
		}

		batch, err := o.evaluateAll(ctx, series, fresh)
		report.Evaluated += batch.evaluated
		report.Excluded += batch.excluded
		short.add(batch)
		if err != nil {
			return nil, err
		}
		for _, r := range batch.results {
			memo[r.Params.Key()] = memoEntry{result: r, ok: true}
			all = append(all, r)
		}
		report.Generations = gen + 1
		if batch.interrupted {
			report.BudgetExhausted = true
			break
		}
		for _, p := range fresh {
			if _, ok := memo[p.Key()]; !ok {
				memo[p.Key()] = memoEntry{}
			}
		}

		scores := fitness(population, memo)
		genBest := math.Inf(-1)
		for _, s := range scores {
			genBest = math.Max(genBest, s)
		}
		if genBest > bestScore {
			bestScore = genBest
			stale = 0
		} else {
			stale++
		}

		o.logger.Debug("generation complete",
			zap.Int("generation", gen+1),
			zap.Int("evaluated", len(fresh)),
			zap.Float64("best", bestScore),
		)

		if stale >= cfg.Patience || report.BudgetExhausted {
			break
		}
		population = o.evolvePopulation(space, population, scores, rng, cfg)
	}

	return all, nil
}

// unseen returns the distinct sets of population that have no memo entry.
func unseen(population []types.ParameterSet, memo map[string]memoEntry) []types.ParameterSet {
	seen := make(map[string]bool, len(population))
	var out []types.ParameterSet
	for _, p := range population {
		k := p.Key()
		if _, ok := memo[k]; ok || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

// fitness maps each individual to its objective. Excluded, unevaluated and
// undefined objectives score -Inf.
func fitness(population []types.ParameterSet, memo map[string]memoEntry) []float64 {
	scores := make([]float64, len(population))
	for i, p := range population {
		scores[i] = math.Inf(-1)
		if e, ok := memo[p.Key()]; ok && e.ok && e.result.Objective.Defined() {
			scores[i] = float64(e.result.Objective)
		}
	}
	return scores
}

// initializePopulation creates initial random population
func (o *Optimizer) initializePopulation(space *ParameterSpace, rng *rand.Rand, cfg GeneticConfig) ([]types.ParameterSet, error) {
	population := make([]types.ParameterSet, 0, cfg.PopulationSize)
	for i := 0; i < cfg.PopulationSize; i++ {
		p, ok := o.randomValid(space, rng, cfg)
		if !ok {
			return nil, fmt.Errorf("no parameter set satisfies the space constraints")
		}
		population = append(population, p)
	}
	return population, nil
}

// randomValid tries cheap random draws first, then walks the space in a
// random order until it finds a valid set.
func (o *Optimizer) randomValid(space *ParameterSpace, rng *rand.Rand, cfg GeneticConfig) (types.ParameterSet, bool) {
	if p, ok := space.RandomValid(rng, cfg.RepairAttempts); ok {
		return p, true
	}
	sets, _, _ := space.Sample(rng, 1)
	if len(sets) == 0 {
		return nil, false
	}
	return sets[0], true
}

// evolvePopulation creates next generation
func (o *Optimizer) evolvePopulation(space *ParameterSpace, population []types.ParameterSet, scores []float64, rng *rand.Rand, cfg GeneticConfig) []types.ParameterSet {
	indices := make([]int, len(population))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		a, b := indices[i], indices[j]
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		return population[a].Key() < population[b].Key()
	})

	eliteCount := int(math.Round(cfg.EliteFraction * float64(cfg.PopulationSize)))
	if eliteCount < 1 {
		eliteCount = 1
	}

	next := make([]types.ParameterSet, 0, cfg.PopulationSize)
	for i := 0; i < eliteCount && i < len(indices); i++ {
		next = append(next, population[indices[i]].Clone())
	}

	for len(next) < cfg.PopulationSize {
		var child types.ParameterSet
		for attempt := 0; attempt < cfg.RepairAttempts; attempt++ {
			parent1 := o.tournamentSelect(population, scores, rng, cfg.TournamentSize)
			parent2 := o.tournamentSelect(population, scores, rng, cfg.TournamentSize)

			candidate := parent1.Clone()
			if rng.Float64() < cfg.CrossoverRate {
				candidate = o.crossover(space, parent1, parent2, rng)
			}
			candidate = o.mutate(space, candidate, rng, cfg.MutationRate)

			if space.Satisfies(candidate) {
				child = candidate
				break
			}
		}
		if child == nil {
			p, ok := o.randomValid(space, rng, cfg)
			if !ok {
				break
			}
			child = p
		}
		next = append(next, child)
	}

	return next
}

// tournamentSelect performs tournament selection
func (o *Optimizer) tournamentSelect(population []types.ParameterSet, scores []float64, rng *rand.Rand, size int) types.ParameterSet {
	bestIdx := rng.Intn(len(population))
	for i := 1; i < size; i++ {
		idx := rng.Intn(len(population))
		if scores[idx] > scores[bestIdx] {
			bestIdx = idx
		}
	}
	return population[bestIdx]
}

// crossover performs uniform crossover over the searched parameters
func (o *Optimizer) crossover(space *ParameterSpace, parent1, parent2 types.ParameterSet, rng *rand.Rand) types.ParameterSet {
	child := parent1.Clone()
	for _, name := range space.Names() {
		if rng.Float64() < 0.5 {
			child[name] = parent2[name]
		}
	}
	return child
}

// mutate re-draws each gene from its range with probability rate
func (o *Optimizer) mutate(space *ParameterSpace, individual types.ParameterSet, rng *rand.Rand, rate float64) types.ParameterSet {
	mutated := individual.Clone()
	for i, r := range space.Params {
		if rng.Float64() < rate {
			vals := space.Values(i)
			mutated[r.Name] = vals[rng.Intn(len(vals))]
		}
	}
	return mutated
}
