// Package config loads service configuration and parameter-space files.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/backtester"
	"github.com/atlas-desktop/paramsearch/internal/optimization"
	"github.com/atlas-desktop/paramsearch/internal/regime"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PARAMSEARCH_SERVER_PORT.
const EnvPrefix = "PARAMSEARCH"

// Config is the full service configuration.
type Config struct {
	Server      types.ServerConfig             `mapstructure:"server"`
	Data        types.DataConfig               `mapstructure:"data"`
	Search      SearchConfig                   `mapstructure:"search"`
	WalkForward types.WalkForwardConfig        `mapstructure:"walkforward"`
	Simulation  types.SimulationConfig         `mapstructure:"simulation"`
	Costs       types.CostConfig               `mapstructure:"costs"`
	Storage     types.StorageConfig            `mapstructure:"storage"`
	Metrics     types.MetricsConfig            `mapstructure:"metrics"`
	MonteCarlo  types.MonteCarloConfig         `mapstructure:"montecarlo"`
	Viability   backtester.ViabilityThresholds `mapstructure:"viability"`
	Robustness  RobustnessConfig               `mapstructure:"robustness"`
	Log         LogConfig                      `mapstructure:"log"`
}

// RobustnessConfig tunes the regime and cross-asset checks run on search
// winners.
type RobustnessConfig struct {
	Regime         regime.Config `mapstructure:"regime"`
	CrossAssetTopN int           `mapstructure:"cross_asset_top_n"` // top-ranked sets replayed per symbol
}

// SearchConfig holds optimizer settings, the default budget and the size of
// the shared evaluation pool.
type SearchConfig struct {
	optimization.OptimizerConfig `mapstructure:",squash"`
	optimization.Budget          `mapstructure:",squash"`

	Workers   int `mapstructure:"workers"`    // 0 uses every CPU
	QueueSize int `mapstructure:"queue_size"` // 0 is four tasks per worker
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// Load reads path (or paramsearch.yaml from the working directory, ./config
// or $HOME/.paramsearch when path is empty) and applies PARAMSEARCH_*
// environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("paramsearch")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.paramsearch")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hooks); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() *Config {
	genetic := optimization.DefaultGeneticConfig()
	return &Config{
		Server: types.ServerConfig{
			Host:          "localhost",
			Port:          8080,
			WebSocketPath: "/ws",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
			EnableMetrics: true,
		},
		Data: types.DataConfig{
			Source:             "json",
			DataDir:            "./data",
			AlpacaFeed:         "sip",
			ClickHouseAddr:     "localhost:9000",
			ClickHouseDatabase: "default",
			ClickHouseTable:    "candles",
			ClickHouseUser:     "default",
		},
		Search: SearchConfig{
			OptimizerConfig: optimization.OptimizerConfig{
				Mode:      types.SearchGrid,
				Objective: optimization.ObjectiveAnnualizedReturn,
				TopN:      20,
				Genetic:   genetic,
			},
		},
		WalkForward: *types.DefaultWalkForwardConfig(),
		Simulation:  *types.DefaultSimulationConfig(),
		Costs: types.CostConfig{
			Model:      "zerodha",
			PercentBps: decimal.NewFromInt(10),
			FixedFee:   decimal.Zero,
		},
		Storage: types.StorageConfig{SQLitePath: "./paramsearch.db"},
		Metrics: *types.DefaultMetricsConfig(),
		MonteCarlo: types.MonteCarloConfig{
			Iterations:    1000,
			RuinThreshold: 0.5,
		},
		Viability: *backtester.DefaultViabilityThresholds(),
		Robustness: RobustnessConfig{
			Regime:         *regime.DefaultConfig(),
			CrossAssetTopN: 3,
		},
		Log: LogConfig{Level: "info"},
	}
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.websocket_path", d.Server.WebSocketPath)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.enable_metrics", d.Server.EnableMetrics)

	v.SetDefault("data.source", d.Data.Source)
	v.SetDefault("data.data_dir", d.Data.DataDir)
	v.SetDefault("data.generate_sample", d.Data.GenerateSample)
	v.SetDefault("data.clean", d.Data.Clean)
	v.SetDefault("data.alpaca_key", "")
	v.SetDefault("data.alpaca_secret", "")
	v.SetDefault("data.alpaca_data_url", "")
	v.SetDefault("data.alpaca_feed", d.Data.AlpacaFeed)
	v.SetDefault("data.clickhouse_addr", d.Data.ClickHouseAddr)
	v.SetDefault("data.clickhouse_database", d.Data.ClickHouseDatabase)
	v.SetDefault("data.clickhouse_table", d.Data.ClickHouseTable)
	v.SetDefault("data.clickhouse_user", d.Data.ClickHouseUser)
	v.SetDefault("data.clickhouse_password", "")

	v.SetDefault("search.mode", string(d.Search.Mode))
	v.SetDefault("search.objective", string(d.Search.Objective))
	v.SetDefault("search.top_n", d.Search.TopN)
	v.SetDefault("search.keep_trades", d.Search.KeepTrades)
	v.SetDefault("search.seed", d.Search.Seed)
	v.SetDefault("search.max_evaluations", d.Search.MaxEvaluations)
	v.SetDefault("search.max_duration", d.Search.MaxDuration)
	v.SetDefault("search.workers", d.Search.Workers)
	v.SetDefault("search.queue_size", d.Search.QueueSize)
	g := d.Search.Genetic
	v.SetDefault("search.genetic.population_size", g.PopulationSize)
	v.SetDefault("search.genetic.generations", g.Generations)
	v.SetDefault("search.genetic.elite_fraction", g.EliteFraction)
	v.SetDefault("search.genetic.tournament_size", g.TournamentSize)
	v.SetDefault("search.genetic.crossover_rate", g.CrossoverRate)
	v.SetDefault("search.genetic.mutation_rate", g.MutationRate)
	v.SetDefault("search.genetic.patience", g.Patience)
	v.SetDefault("search.genetic.repair_attempts", g.RepairAttempts)

	v.SetDefault("walkforward.in_sample_bars", d.WalkForward.InSampleBars)
	v.SetDefault("walkforward.out_of_sample_bars", d.WalkForward.OutOfSampleBars)
	v.SetDefault("walkforward.step_bars", d.WalkForward.StepBars)
	v.SetDefault("walkforward.anchored", d.WalkForward.Anchored)
	v.SetDefault("walkforward.parallelism", d.WalkForward.Parallelism)
	v.SetDefault("walkforward.acceptable_return_gap", d.WalkForward.AcceptableReturnGap)

	v.SetDefault("simulation.initial_capital", d.Simulation.InitialCapital.String())
	v.SetDefault("simulation.square_off_time", d.Simulation.SquareOffTime)
	v.SetDefault("simulation.location", d.Simulation.Location)
	v.SetDefault("simulation.keep_trades", d.Simulation.KeepTrades)

	v.SetDefault("costs.model", d.Costs.Model)
	v.SetDefault("costs.percent_bps", d.Costs.PercentBps.String())
	v.SetDefault("costs.fixed_fee", d.Costs.FixedFee.String())

	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)

	v.SetDefault("metrics.periods_per_year", d.Metrics.PeriodsPerYear)
	v.SetDefault("metrics.risk_free_rate", d.Metrics.RiskFreeRate)

	v.SetDefault("montecarlo.iterations", d.MonteCarlo.Iterations)
	v.SetDefault("montecarlo.ruin_threshold", d.MonteCarlo.RuinThreshold)
	v.SetDefault("montecarlo.seed", d.MonteCarlo.Seed)

	vt := d.Viability
	v.SetDefault("viability.min_sharpe_ratio", vt.MinSharpeRatio)
	v.SetDefault("viability.max_drawdown", vt.MaxDrawdown)
	v.SetDefault("viability.min_profit_factor", vt.MinProfitFactor)
	v.SetDefault("viability.min_win_rate", vt.MinWinRate)
	v.SetDefault("viability.min_trades", vt.MinTrades)
	v.SetDefault("viability.max_var95", vt.MaxVaR95)
	v.SetDefault("viability.min_sortino_ratio", vt.MinSortinoRatio)
	v.SetDefault("viability.min_calmar_ratio", vt.MinCalmarRatio)
	v.SetDefault("viability.min_expectancy", vt.MinExpectancy)
	v.SetDefault("viability.min_recovery_factor", vt.MinRecoveryFactor)
	v.SetDefault("viability.min_wf_consistency", vt.MinWFConsistency)
	v.SetDefault("viability.min_wf_sharpe", vt.MinWFSharpe)
	v.SetDefault("viability.max_ruin_probability", vt.MaxRuinProbability)

	rc := d.Robustness
	v.SetDefault("robustness.regime.window_bars", rc.Regime.WindowBars)
	v.SetDefault("robustness.regime.min_bars", rc.Regime.MinBars)
	v.SetDefault("robustness.regime.trend_threshold", rc.Regime.TrendThreshold)
	v.SetDefault("robustness.regime.vol_threshold", rc.Regime.VolThreshold)
	v.SetDefault("robustness.regime.periods_per_year", rc.Regime.PeriodsPerYear)
	v.SetDefault("robustness.cross_asset_top_n", rc.CrossAssetTopN)

	v.SetDefault("log.level", d.Log.Level)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Search.Mode {
	case types.SearchGrid, types.SearchGenetic:
	default:
		return fmt.Errorf("search.mode must be grid or genetic, got %q", c.Search.Mode)
	}
	if _, err := optimization.ParseObjective(string(c.Search.Objective)); err != nil {
		return fmt.Errorf("search.objective: %w", err)
	}
	if c.Search.MaxEvaluations < 0 || c.Search.Workers < 0 {
		return errors.New("search.max_evaluations and search.workers must not be negative")
	}
	if c.WalkForward.InSampleBars <= 0 || c.WalkForward.OutOfSampleBars <= 0 {
		return fmt.Errorf("walkforward bars must be positive, got %d/%d", c.WalkForward.InSampleBars, c.WalkForward.OutOfSampleBars)
	}
	switch strings.ToLower(c.Costs.Model) {
	case "zero", "percent", "zerodha":
	default:
		return fmt.Errorf("costs.model must be zero, percent or zerodha, got %q", c.Costs.Model)
	}
	if c.Simulation.InitialCapital.Sign() <= 0 {
		return errors.New("simulation.initial_capital must be positive")
	}
	if c.Metrics.PeriodsPerYear <= 0 {
		return errors.New("metrics.periods_per_year must be positive")
	}
	if c.Robustness.CrossAssetTopN < 0 {
		return errors.New("robustness.cross_asset_top_n must not be negative")
	}
	return nil
}

// decimalHook decodes strings and numbers into decimal.Decimal.
func decimalHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case uint64:
			return decimal.NewFromInt(int64(v)), nil
		}
		return data, nil
	}
}
