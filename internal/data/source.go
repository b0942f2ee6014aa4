// Package data loads historical bars from files, brokers and warehouses and
// screens them before they become a PriceSeries.
package data

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

// Source provides historical bars for one symbol. A zero start or end leaves
// that side of the range open. Returning fewer bars than requested is not an
// error.
type Source interface {
	LoadBars(ctx context.Context, symbol string, start, end time.Time, interval types.Interval) ([]types.Bar, error)
}

// OpenSource builds the Source named by cfg.Source. The caller closes the
// returned source when it implements io.Closer.
func OpenSource(ctx context.Context, logger *zap.Logger, cfg *types.DataConfig) (Source, error) {
	switch strings.ToLower(cfg.Source) {
	case "", "json":
		store, err := NewStore(logger, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		store.GenerateSample = cfg.GenerateSample
		return store, nil
	case "parquet":
		return NewParquetSource(logger, cfg.DataDir), nil
	case "csv":
		return NewCSVSource(logger, cfg.DataDir), nil
	case "alpaca":
		return NewAlpacaSource(logger, cfg.AlpacaKey, cfg.AlpacaSecret, cfg.AlpacaDataURL, cfg.AlpacaFeed), nil
	case "clickhouse":
		src, err := NewClickHouseSource(ctx, logger, ClickHouseOptions{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Table:    cfg.ClickHouseTable,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown data source %q", cfg.Source)
	}
}

// Loader pulls bars from a Source, screens them with a QualityValidator and
// builds the series.
type Loader struct {
	logger    *zap.Logger
	source    Source
	validator *QualityValidator
	clean     bool
}

// NewLoader creates a loader. When clean is set, unusable data is repaired
// with CleanData and re-validated instead of rejected.
func NewLoader(logger *zap.Logger, source Source, validator *QualityValidator, clean bool) *Loader {
	if validator == nil {
		validator = NewQualityValidator(logger)
	}
	return &Loader{
		logger:    logger,
		source:    source,
		validator: validator,
		clean:     clean,
	}
}

// Load returns the screened series and the quality report it passed.
func (l *Loader) Load(ctx context.Context, symbol string, start, end time.Time, interval types.Interval) (*types.PriceSeries, *QualityReport, error) {
	bars, err := l.source.LoadBars(ctx, symbol, start, end, interval)
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s bars: %w", symbol, err)
	}

	report := l.validator.Validate(bars, symbol)
	if !report.IsUsable {
		if !l.clean {
			return nil, report, fmt.Errorf("data for %s is not usable (quality score %d, %d issues)", symbol, report.QualityScore, len(report.Issues))
		}
		bars = l.validator.CleanData(bars)
		report = l.validator.Validate(bars, symbol)
		if len(bars) == 0 {
			return nil, report, fmt.Errorf("no usable bars for %s after cleaning", symbol)
		}
	}

	series, err := types.NewPriceSeries(symbol, interval, bars)
	if err != nil {
		return nil, report, fmt.Errorf("building %s series: %w", symbol, err)
	}

	l.logger.Info("Series loaded",
		zap.String("symbol", symbol),
		zap.String("interval", string(interval)),
		zap.Int("bars", series.Len()),
		zap.Int("qualityScore", report.QualityScore),
		zap.Int("issues", len(report.Issues)),
	)
	return series, report, nil
}

// inRange reports whether ts lies in [start, end], treating zero bounds as open.
func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}

func filterByTimeRange(bars []types.Bar, start, end time.Time) []types.Bar {
	filtered := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		if inRange(bar.Timestamp, start, end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

func sortBars(bars []types.Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
}

// fileSymbol makes a symbol safe to use in a file name.
func fileSymbol(symbol string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return strings.ToUpper(r.Replace(symbol))
}
