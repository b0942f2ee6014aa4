package data

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"go.uber.org/zap"
)

var _ Source = (*ClickHouseSource)(nil)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseOptions locates the candle table. The table is expected to carry
// the columns symbol, interval, open_time_ms, open, high, low, close and
// volume.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Table    string
	Username string
	Password string
}

// ClickHouseSource reads bars from a ClickHouse candle warehouse.
type ClickHouseSource struct {
	logger *zap.Logger
	conn   clickhouse.Conn
	table  string
}

// NewClickHouseSource connects and pings the server.
func NewClickHouseSource(ctx context.Context, logger *zap.Logger, opts ClickHouseOptions) (*ClickHouseSource, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Table == "" {
		opts.Table = "candles"
	}
	if !identifier.MatchString(opts.Database) || !identifier.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid clickhouse database or table name %q.%q", opts.Database, opts.Table)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	return &ClickHouseSource{
		logger: logger,
		conn:   conn,
		table:  fmt.Sprintf("%s.%s", opts.Database, opts.Table),
	}, nil
}

// LoadBars selects the symbol's candles in [start, end] ordered by open time.
func (s *ClickHouseSource) LoadBars(ctx context.Context, symbol string, start, end time.Time, interval types.Interval) ([]types.Bar, error) {
	from := uint64(0)
	if !start.IsZero() {
		from = uint64(start.UnixMilli())
	}
	to := uint64(1<<63 - 1)
	if !end.IsZero() {
		to = uint64(end.UnixMilli())
	}

	query := fmt.Sprintf(`
		SELECT open_time_ms, open, high, low, close, volume
		FROM %s FINAL
		WHERE symbol = ? AND interval = ? AND open_time_ms BETWEEN ? AND ?
		ORDER BY open_time_ms`, s.table)

	rows, err := s.conn.Query(ctx, query, symbol, string(interval), from, to)
	if err != nil {
		return nil, fmt.Errorf("querying candles: %w", err)
	}
	defer rows.Close()

	var bars []types.Bar
	for rows.Next() {
		var (
			openTime               uint64
			open, high, low, close float64
			volume                 float64
		)
		if err := rows.Scan(&openTime, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("scanning candle: %w", err)
		}
		bars = append(bars, types.Bar{
			Timestamp: time.UnixMilli(int64(openTime)).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading candles: %w", err)
	}

	s.logger.Debug("Loaded clickhouse bars",
		zap.String("symbol", symbol),
		zap.String("interval", string(interval)),
		zap.Int("bars", len(bars)),
	)
	return bars, nil
}

// Close releases the connection.
func (s *ClickHouseSource) Close() error {
	return s.conn.Close()
}
