// Package types provides configuration types for the parameter search backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SimulationConfig holds account-level settings for the position simulator.
type SimulationConfig struct {
	InitialCapital decimal.Decimal `json:"initialCapital" mapstructure:"initial_capital"`
	// SquareOffTime is the HH:MM session clock at which INTRADAY positions are closed.
	SquareOffTime string `json:"squareOffTime" mapstructure:"square_off_time"`
	// Location is the IANA zone used to split bars into sessions.
	Location string `json:"location" mapstructure:"location"`
	// KeepTrades retains the trade ledger on candidate results.
	KeepTrades bool `json:"keepTrades" mapstructure:"keep_trades"`
}

// DefaultSimulationConfig returns settings for an NSE equity account.
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		InitialCapital: decimal.NewFromInt(100000),
		SquareOffTime:  "15:20",
		Location:       "Asia/Kolkata",
		KeepTrades:     true,
	}
}

// MetricsConfig parameterizes metric computation.
type MetricsConfig struct {
	PeriodsPerYear int     `json:"periodsPerYear" mapstructure:"periods_per_year"`
	RiskFreeRate   float64 `json:"riskFreeRate" mapstructure:"risk_free_rate"`
}

// DefaultMetricsConfig returns daily-bar defaults with a 6.5% risk-free rate.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		PeriodsPerYear: 252,
		RiskFreeRate:   0.065,
	}
}

// CostConfig selects and parameterizes the cost model.
type CostConfig struct {
	Model      string          `json:"model" mapstructure:"model"` // "zero", "percent", "zerodha"
	PercentBps decimal.Decimal `json:"percentBps,omitempty" mapstructure:"percent_bps"`
	FixedFee   decimal.Decimal `json:"fixedFee,omitempty" mapstructure:"fixed_fee"`
}

// WalkForwardConfig is the rolling window policy, measured in bars.
type WalkForwardConfig struct {
	InSampleBars    int  `json:"inSampleBars" mapstructure:"in_sample_bars"`
	OutOfSampleBars int  `json:"outOfSampleBars" mapstructure:"out_of_sample_bars"`
	StepBars        int  `json:"stepBars" mapstructure:"step_bars"`
	Anchored        bool `json:"anchored" mapstructure:"anchored"`
	Parallelism     int  `json:"parallelism" mapstructure:"parallelism"`
	// AcceptableReturnGap is the largest in-sample minus out-of-sample
	// annualized return, in percentage points, still considered robust.
	AcceptableReturnGap float64 `json:"acceptableReturnGap" mapstructure:"acceptable_return_gap"`
}

// DefaultWalkForwardConfig returns one trading year in-sample, one quarter out.
func DefaultWalkForwardConfig() *WalkForwardConfig {
	return &WalkForwardConfig{
		InSampleBars:        252,
		OutOfSampleBars:     63,
		StepBars:            63,
		Parallelism:         2,
		AcceptableReturnGap: 3,
	}
}

// MonteCarloConfig parameterizes the trade-ledger bootstrap.
type MonteCarloConfig struct {
	Iterations    int     `json:"iterations" mapstructure:"iterations"`
	RuinThreshold float64 `json:"ruinThreshold" mapstructure:"ruin_threshold"`
	Seed          int64   `json:"seed" mapstructure:"seed"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}

// DataConfig represents price data source configuration
type DataConfig struct {
	Source  string `json:"source" mapstructure:"source"` // "json", "parquet", "csv", "alpaca", "clickhouse"
	DataDir string `json:"dataDir" mapstructure:"data_dir"`
	// GenerateSample makes the JSON store synthesize a random walk for
	// symbols it has no file for.
	GenerateSample bool `json:"generateSample" mapstructure:"generate_sample"`
	// Clean repairs unusable data (sorting, dedup, OHLC bounds) instead of
	// rejecting it.
	Clean bool `json:"clean" mapstructure:"clean"`

	AlpacaKey     string `json:"-" mapstructure:"alpaca_key"`
	AlpacaSecret  string `json:"-" mapstructure:"alpaca_secret"`
	AlpacaDataURL string `json:"alpacaDataUrl,omitempty" mapstructure:"alpaca_data_url"`
	AlpacaFeed    string `json:"alpacaFeed,omitempty" mapstructure:"alpaca_feed"` // "sip" or "iex"

	ClickHouseAddr     string `json:"clickhouseAddr,omitempty" mapstructure:"clickhouse_addr"`
	ClickHouseDatabase string `json:"clickhouseDatabase,omitempty" mapstructure:"clickhouse_database"`
	ClickHouseTable    string `json:"clickhouseTable,omitempty" mapstructure:"clickhouse_table"`
	ClickHouseUser     string `json:"-" mapstructure:"clickhouse_user"`
	ClickHousePassword string `json:"-" mapstructure:"clickhouse_password"`
}

// StorageConfig locates the result database.
type StorageConfig struct {
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlite_path"`
}
