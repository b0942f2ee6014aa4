// Package main provides a command-line parameter search. It loads a space
// file, runs a search or walk-forward validation and writes the outcome as
// JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/atlas-desktop/paramsearch/internal/config"
	"github.com/atlas-desktop/paramsearch/internal/data"
	"github.com/atlas-desktop/paramsearch/internal/optimization"
	"github.com/atlas-desktop/paramsearch/internal/orchestrator"
	"github.com/atlas-desktop/paramsearch/internal/store"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/atlas-desktop/paramsearch/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "optimize: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Config file (default: paramsearch.yaml)")
	spacePath := flag.String("space", "", "Parameter space file (required)")
	mode := flag.String("mode", "", "Search mode: grid or genetic (default from config)")
	objective := flag.String("objective", "", "Objective to maximize (default from config)")
	walkForward := flag.Bool("walkforward", false, "Run walk-forward validation instead of a single search")
	review := flag.Bool("review", true, "Review the winning parameters")
	sensitivity := flag.Float64("sensitivity", 0, "Nudge each winning parameter by this fraction (0 disables)")
	maxEvals := flag.Int("max-evals", 0, "Evaluation budget (0 uses config)")
	maxDuration := flag.Duration("max-duration", 0, "Time budget (0 uses config)")
	seed := flag.Int64("seed", 0, "Random seed (0 uses config)")
	crossAssets := flag.String("cross-assets", "", "Comma-separated symbols to replay the top sets on (default from the space file)")
	out := flag.String("out", "-", "Output file for the JSON outcome (- for stdout)")
	save := flag.Bool("save", true, "Persist the run to the configured result store")
	flag.Parse()

	if *spacePath == "" {
		flag.Usage()
		return fmt.Errorf("-space is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := utils.NewLogger(cfg.Log.Level, "stderr")
	if err != nil {
		return err
	}
	defer logger.Sync()

	space, err := config.LoadSpaceFile(*spacePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := data.OpenSource(ctx, logger.Named("data"), &cfg.Data)
	if err != nil {
		return fmt.Errorf("data source: %w", err)
	}
	if c, ok := source.(io.Closer); ok {
		defer c.Close()
	}

	var results *store.SQLiteStore
	if *save && cfg.Storage.SQLitePath != "" {
		if results, err = store.NewSQLiteStore(logger.Named("store"), cfg.Storage.SQLitePath); err != nil {
			return err
		}
		defer results.Close()
	}

	orch, err := orchestrator.New(logger, cfg, data.NewLoader(logger.Named("loader"), source, nil, cfg.Data.Clean), results, nil)
	if err != nil {
		return err
	}
	orch.Start()
	defer orch.Stop()

	req := &orchestrator.Request{
		Space:            space,
		Mode:             types.SearchMode(*mode),
		Objective:        optimization.Objective(*objective),
		Budget:           optimization.Budget{MaxEvaluations: *maxEvals, MaxDuration: *maxDuration},
		Seed:             *seed,
		Review:           *review,
		SensitivityDelta: *sensitivity,
	}
	if *crossAssets != "" {
		req.CrossAssets = strings.Split(*crossAssets, ",")
	}

	var (
		mu         sync.Mutex
		lastLogged = time.Now()
	)
	progress := func(p optimization.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(lastLogged) < 2*time.Second && p.Evaluated < p.Planned {
			return
		}
		lastLogged = time.Now()
		logger.Info("Progress",
			zap.Int("evaluated", p.Evaluated),
			zap.Int("planned", p.Planned),
			zap.Int("excluded", p.Excluded),
			zap.Float64("best", float64(p.Best)),
		)
	}

	var outcome interface{}
	if *walkForward {
		wf, err := orch.WalkForward(ctx, req, progress)
		if err != nil {
			return err
		}
		logger.Info("Walk-forward finished",
			zap.String("id", wf.Report.ID),
			zap.Int("completed", wf.Report.Completed),
			zap.Int("skipped", wf.Report.Skipped),
			zap.Float64("efficiency", float64(wf.Report.Efficiency)),
			zap.String("elapsed", utils.FormatDuration(wf.Report.Duration)),
		)
		logReview(logger, cfg.Simulation.InitialCapital, wf.Review)
		outcome = wf
	} else {
		sr, err := orch.Search(ctx, req, progress)
		if err != nil {
			return err
		}
		fields := []zap.Field{
			zap.String("id", sr.Report.ID),
			zap.Int("evaluated", sr.Report.Evaluated),
			zap.Int("spaceSize", sr.Report.SpaceSize),
			zap.Bool("budgetExhausted", sr.Report.BudgetExhausted),
			zap.String("elapsed", utils.FormatDuration(sr.Report.Duration)),
		}
		if best, ok := sr.Report.Best(); ok {
			fields = append(fields, zap.String("best", best.Params.Key()), zap.Float64("objective", float64(best.Objective)))
		}
		logger.Info("Search finished", fields...)
		logReview(logger, cfg.Simulation.InitialCapital, sr.Review)
		for _, ca := range sr.CrossAssets {
			if ca.Error != "" || len(ca.Results) == 0 {
				logger.Warn("Cross-asset", zap.String("symbol", ca.Symbol), zap.String("error", ca.Error))
				continue
			}
			logger.Info("Cross-asset",
				zap.String("symbol", ca.Symbol),
				zap.Int("bars", ca.Bars),
				zap.Float64("bestObjective", float64(ca.Results[0].Objective)),
			)
		}
		outcome = sr
	}

	return writeOutcome(*out, outcome)
}

func logReview(logger *zap.Logger, capital decimal.Decimal, r *orchestrator.Review) {
	if r == nil || r.Viability == nil {
		return
	}
	final := capital
	if r.Metrics.TotalReturn.Defined() {
		final = capital.Mul(decimal.NewFromFloat(1 + float64(r.Metrics.TotalReturn)))
	}
	logger.Info("Review",
		zap.String("grade", r.Viability.Grade),
		zap.Int("score", r.Viability.Score),
		zap.Bool("viable", r.Viability.IsViable),
		zap.Int("trades", r.Trades),
		zap.String("finalEquity", utils.FormatMoney(final, "INR")),
	)
	for _, rg := range r.Regimes {
		logger.Info("Regime",
			zap.String("regime", string(rg.Regime)),
			zap.Time("from", rg.StartTime),
			zap.Time("to", rg.EndTime),
			zap.Int("bars", rg.Bars),
			zap.Float64("objective", float64(rg.Objective)),
			zap.String("skipped", rg.Skipped),
		)
	}
}

func writeOutcome(path string, v interface{}) error {
	w := io.Writer(os.Stdout)
	if path != "-" && path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
