package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/config"
	"github.com/atlas-desktop/paramsearch/pkg/types"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeFile(t, "paramsearch.yaml", `
server:
  port: 9000
  read_timeout: 30s
data:
  source: parquet
  data_dir: /srv/bars
search:
  mode: genetic
  objective: sharpe
  max_evaluations: 500
  workers: 4
  genetic:
    population_size: 40
costs:
  model: percent
  percent_bps: "7.5"
simulation:
  initial_capital: 250000
robustness:
  regime:
    window_bars: 21
`)
	t.Setenv("PARAMSEARCH_SERVER_PORT", "9090")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want env override 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Data.Source != "parquet" || cfg.Data.DataDir != "/srv/bars" {
		t.Errorf("data = %+v", cfg.Data)
	}
	if cfg.Search.Mode != types.SearchGenetic || cfg.Search.MaxEvaluations != 500 || cfg.Search.Workers != 4 {
		t.Errorf("search = %+v", cfg.Search)
	}
	if cfg.Search.Genetic.PopulationSize != 40 {
		t.Errorf("population = %d, want 40", cfg.Search.Genetic.PopulationSize)
	}
	if cfg.Search.Genetic.Generations != config.Default().Search.Genetic.Generations {
		t.Errorf("unset genetic keys should keep defaults, got %+v", cfg.Search.Genetic)
	}
	if cfg.Costs.PercentBps.String() != "7.5" {
		t.Errorf("percent bps = %s", cfg.Costs.PercentBps)
	}
	if cfg.Simulation.InitialCapital.IntPart() != 250000 {
		t.Errorf("capital = %s", cfg.Simulation.InitialCapital)
	}
	// Untouched sections fall back to defaults.
	if cfg.Storage.SQLitePath != "./paramsearch.db" || cfg.Log.Level != "info" {
		t.Errorf("defaults lost: storage %+v log %+v", cfg.Storage, cfg.Log)
	}
	if cfg.Robustness.Regime.WindowBars != 21 || cfg.Robustness.Regime.MinBars != 50 || cfg.Robustness.CrossAssetTopN != 3 {
		t.Errorf("robustness = %+v", cfg.Robustness)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for a missing explicit config file")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port", func(c *config.Config) { c.Server.Port = 70000 }},
		{"mode", func(c *config.Config) { c.Search.Mode = "random" }},
		{"objective", func(c *config.Config) { c.Search.Objective = "luck" }},
		{"workers", func(c *config.Config) { c.Search.Workers = -1 }},
		{"walkforward", func(c *config.Config) { c.WalkForward.OutOfSampleBars = 0 }},
		{"costs", func(c *config.Config) { c.Costs.Model = "flat" }},
		{"periods", func(c *config.Config) { c.Metrics.PeriodsPerYear = 0 }},
		{"cross assets", func(c *config.Config) { c.Robustness.CrossAssetTopN = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
