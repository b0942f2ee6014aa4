package data

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
)

var _ Source = (*ParquetSource)(nil)

// BarRecord is the on-disk parquet schema for bars.
type BarRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// ParquetSource reads and writes bars as parquet files laid out as
//
//	<DataDir>/<interval>/<SYMBOL>/<YYYY>.parquet
type ParquetSource struct {
	logger  *zap.Logger
	dataDir string
}

// NewParquetSource creates a parquet source rooted at dataDir.
func NewParquetSource(logger *zap.Logger, dataDir string) *ParquetSource {
	return &ParquetSource{logger: logger, dataDir: dataDir}
}

// LoadBars reads the year files overlapping [start, end]. Missing years are
// skipped.
func (s *ParquetSource) LoadBars(ctx context.Context, symbol string, start, end time.Time, interval types.Interval) ([]types.Bar, error) {
	years, err := s.years(symbol, interval)
	if err != nil {
		return nil, err
	}

	var bars []types.Bar
	for _, year := range years {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if (!start.IsZero() && year < start.UTC().Year()) || (!end.IsZero() && year > end.UTC().Year()) {
			continue
		}

		records, err := parquet.ReadFile[BarRecord](s.path(symbol, interval, year))
		if err != nil {
			return nil, fmt.Errorf("reading %s %d: %w", symbol, year, err)
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if !inRange(ts, start, end) {
				continue
			}
			bars = append(bars, types.Bar{
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			})
		}
	}

	sortBars(bars)
	s.logger.Debug("Loaded parquet bars",
		zap.String("symbol", symbol),
		zap.Int("years", len(years)),
		zap.Int("bars", len(bars)),
	)
	return bars, nil
}

// WriteBars merges bars into the year files, replacing stored bars with the
// same timestamp.
func (s *ParquetSource) WriteBars(symbol string, interval types.Interval, bars []types.Bar) error {
	groups := make(map[int][]BarRecord)
	for _, b := range bars {
		year := b.Timestamp.UTC().Year()
		groups[year] = append(groups[year], BarRecord{
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for year, records := range groups {
		path := s.path(symbol, interval, year)
		existing, _ := parquet.ReadFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := parquet.WriteFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", symbol, year, err)
		}
	}
	return nil
}

func (s *ParquetSource) dir(symbol string, interval types.Interval) string {
	return filepath.Join(s.dataDir, string(interval), fileSymbol(symbol))
}

func (s *ParquetSource) path(symbol string, interval types.Interval, year int) string {
	return filepath.Join(s.dir(symbol, interval), fmt.Sprintf("%d.parquet", year))
}

// years lists the year files present for a symbol in ascending order.
func (s *ParquetSource) years(symbol string, interval types.Interval) ([]int, error) {
	entries, err := os.ReadDir(s.dir(symbol, interval))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", symbol, err)
	}

	var years []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		year, err := strconv.Atoi(strings.TrimSuffix(name, ".parquet"))
		if err != nil {
			continue
		}
		years = append(years, year)
	}
	return years, nil
}

// mergeBarRecords deduplicates by timestamp, preferring incoming records, and
// returns them in time order.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
