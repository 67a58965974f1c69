// Command backtest is the composition root: load config, construct the
// event source and Engine, run the backtest to completion, and print the
// final position report. No flag/cobra framework, mirroring the teacher
// pack's plain config-file-driven main.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CoinSummer/clamm-backtest/config"
	"github.com/CoinSummer/clamm-backtest/engine"
	"github.com/CoinSummer/clamm-backtest/eventsource"
	"github.com/CoinSummer/clamm-backtest/pool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "config.yml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("backtest: loading config: %v", err)
	}

	if cfg.StrategyFactory == nil {
		logrus.Fatalf("backtest: config has no strategy_factory set; wire one in before running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := newSource(cfg)
	if err != nil {
		logrus.Fatalf("backtest: constructing event source: %v", err)
	}
	defer src.Close()

	invest0, err := decimal.NewFromString(cfg.Invest0)
	if err != nil {
		logrus.Fatalf("backtest: invalid invest0 %q: %v", cfg.Invest0, err)
	}
	invest1, err := decimal.NewFromString(cfg.Invest1)
	if err != nil {
		logrus.Fatalf("backtest: invalid invest1 %q: %v", cfg.Invest1, err)
	}

	eng := engine.New(engine.Config{
		StartTime: cfg.StartTime,
		EndTime:   cfg.EndTime,
		StepMs:    cfg.StepMs,
		PoolConfig: pool.Config{
			Name0:       cfg.Token0Name,
			Name1:       cfg.Token1Name,
			Decimals0:   cfg.Decimals0,
			Decimals1:   cfg.Decimals1,
			FeeRatePpm:  cfg.FeeRatePpm,
			TickSpacing: cfg.TickSpacing,
		},
		Invest0:        invest0,
		Invest1:        invest1,
		SimulateErrors: cfg.SimulateErrors,
		Strategy:       cfg.StrategyFactory(),
		Logger:         logrus.StandardLogger(),
	}, src)

	if err := eng.Run(ctx); err != nil {
		logrus.Fatalf("backtest: run failed: %v", err)
	}

	printReport(eng)
}

func newSource(cfg *config.Config) (eventsource.Source, error) {
	if cfg.DataDir != "" {
		return eventsource.NewFileSource(cfg.DataDir, cfg.PoolID, cfg.StartTime, cfg.EndTime)
	}
	store := config.LoadStoreConfig()
	return eventsource.NewTabularSource(store.DSN(), cfg.PoolID, cfg.StartTime, cfg.EndTime,
		store.MaxConnectionsInt(), store.IdleTimeoutDuration())
}

func printReport(eng *engine.Engine) {
	price := eng.Pool().Price()
	totals := eng.Manager().Totals(price)
	fmt.Printf("price=%s cash0=%s cash1=%s in_position0=%s in_position1=%s unclaimed_fees_0=%s unclaimed_fees_1=%s total_value=%s\n",
		price, totals.Cash0, totals.Cash1, totals.InPosition0, totals.InPosition1,
		totals.UnclaimedFees0, totals.UnclaimedFees1, totals.TotalValue)
}
