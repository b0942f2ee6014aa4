package data

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

var _ Source = (*Store)(nil)

// Store provides access to historical bars kept as JSON files, one file per
// symbol and interval, with an in-memory cache.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Bar
	symbols  []string
	metadata map[string]*SymbolMetadata

	// GenerateSample synthesizes a seeded random walk for symbols with no
	// file instead of failing.
	GenerateSample bool
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Interval  string    `json:"interval"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.Bar),
		symbols:  make([]string, 0),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadBars loads bars for a symbol, sorted by timestamp.
func (s *Store) LoadBars(ctx context.Context, symbol string, start, end time.Time, interval types.Interval) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := fmt.Sprintf("%s_%s", fileSymbol(symbol), interval)

	if cached, ok := s.cache[cacheKey]; ok {
		return filterByTimeRange(cached, start, end), nil
	}

	data, err := os.ReadFile(s.path(symbol, interval))
	if err != nil {
		if os.IsNotExist(err) && s.GenerateSample {
			s.logger.Info("Generating sample data", zap.String("symbol", symbol))
			if end.IsZero() {
				end = time.Now().UTC().Truncate(24 * time.Hour)
			}
			if start.IsZero() {
				start = end.AddDate(-2, 0, 0)
			}
			return GenerateSampleBars(symbol, interval, start, end), nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Bar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}
	sortBars(bars)

	s.cache[cacheKey] = bars

	return filterByTimeRange(bars, start, end), nil
}

// Symbols returns all symbols with saved data.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, len(s.symbols))
	copy(symbols, s.symbols)
	return symbols
}

// DataRange returns the available data range for a symbol
func (s *Store) DataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}

	return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
}

// SaveBars writes bars to disk, replacing any previous file for the symbol
// and interval.
func (s *Store) SaveBars(symbol string, interval types.Interval, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sortBars(sorted)

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := os.WriteFile(s.path(symbol, interval), data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[fmt.Sprintf("%s_%s", fileSymbol(symbol), interval)] = sorted

	if len(sorted) > 0 {
		if _, known := s.metadata[symbol]; !known {
			s.symbols = append(s.symbols, symbol)
			sort.Strings(s.symbols)
		}
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: sorted[0].Timestamp,
			EndDate:   sorted[len(sorted)-1].Timestamp,
			BarCount:  len(sorted),
			Interval:  string(interval),
		}
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}

	return nil
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]types.Bar)
}

// CacheSize returns the number of cached datasets
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}

func (s *Store) path(symbol string, interval types.Interval) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", fileSymbol(symbol), interval))
}

func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}

	s.metadata = metadata
	s.symbols = make([]string, 0, len(metadata))
	for symbol := range metadata {
		s.symbols = append(s.symbols, symbol)
	}
	sort.Strings(s.symbols)

	return nil
}

func (s *Store) saveMetadata() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), data, 0644)
}

// GenerateSampleBars generates a random walk from start to end inclusive.
// The walk is seeded from the symbol, so the same arguments always give the
// same bars. Daily series skip weekends.
func GenerateSampleBars(symbol string, interval types.Interval, start, end time.Time) []types.Bar {
	step := interval.Duration()
	if step == 0 {
		step = 24 * time.Hour
	}

	h := fnv.New64a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	price := 100.0
	var bars []types.Bar
	for current := start; !current.After(end); current = current.Add(step) {
		if step >= 24*time.Hour {
			if wd := current.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
		}

		open := price
		price *= math.Exp(rng.NormFloat64() * 0.015)
		close := price

		high := math.Max(open, close) * (1 + rng.Float64()*0.005)
		low := math.Min(open, close) * (1 - rng.Float64()*0.005)

		bars = append(bars, types.Bar{
			Timestamp: current,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    math.Round(100000 + rng.Float64()*900000),
		})
	}

	return bars
}
