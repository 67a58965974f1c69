// Package engine implements the deterministic time-stepped driver: pull
// normalized events from an eventsource.Source, apply them to the Pool and
// PositionManager in order, and call the Strategy at each step boundary.
package engine

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/CoinSummer/clamm-backtest/event"
	"github.com/CoinSummer/clamm-backtest/eventsource"
	"github.com/CoinSummer/clamm-backtest/pool"
	"github.com/CoinSummer/clamm-backtest/position"
	"github.com/CoinSummer/clamm-backtest/strategy"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/process"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// memoryReclaimInterval is the step count spec.md §4.5 step 4d names.
const memoryReclaimInterval = 1000

const defaultStepMs = 1000

// Config seeds one Engine run; it mirrors the subset of config.Config the
// Engine itself consumes, keeping this package free of a dependency on the
// config package (which instead depends on strategy for Factory).
type Config struct {
	StartTime int64
	EndTime   int64
	StepMs    int64

	PoolConfig pool.Config

	Invest0        decimal.Decimal
	Invest1        decimal.Decimal
	SimulateErrors int

	Strategy strategy.Strategy
	Logger   *logrus.Logger
}

// Engine owns the clock and is the sole mutator of Pool and
// PositionManager, per spec.md §5's single-consumer determinism
// requirement.
type Engine struct {
	source eventsource.Source
	pool   *pool.Pool
	mgr    *position.Manager
	strat  strategy.Strategy
	logger *logrus.Logger

	startTime int64
	endTime   int64
	stepMs    int64

	// runID tags the run-start and periodic reclaim-hint log lines, so a
	// run's progress can be grepped out of a shared log stream.
	runID string
}

// New constructs an Engine. The Pool and PositionManager are created here,
// not passed in, since the Engine is their sole owner for the run.
func New(cfg Config, source eventsource.Source) *Engine {
	stepMs := cfg.StepMs
	if stepMs <= 0 {
		stepMs = defaultStepMs
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	p := pool.New(cfg.PoolConfig)
	mgr := position.NewManager(p, cfg.Invest0, cfg.Invest1, cfg.SimulateErrors)

	return &Engine{
		source:    source,
		pool:      p,
		mgr:       mgr,
		strat:     cfg.Strategy,
		logger:    logger,
		startTime: cfg.StartTime,
		endTime:   cfg.EndTime,
		stepMs:    stepMs,
		runID:     uuid.NewString(),
	}
}

// Pool exposes the Engine-owned Pool for callers needing to inspect final
// state after Run returns (e.g. the CLI's report printer).
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Manager exposes the Engine-owned PositionManager, symmetric with Pool.
func (e *Engine) Manager() *position.Manager { return e.mgr }

// Run executes the full step sequence of spec.md §4.5: seed, on_init, the
// main loop, on_finish. ctx cancellation is cooperative — checked between
// steps, never mid-step, so a step always completes once started.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Infof("engine[%s]: starting run, start=%d end=%d step_ms=%d", e.runID, e.startTime, e.endTime, e.stepMs)

	if err := e.seed(ctx); err != nil {
		return fmt.Errorf("engine: seeding pool: %w", err)
	}

	runCtx := &strategy.Context{
		Timestamp: e.startTime,
		StepIndex: 0,
		Pool:      e.pool,
		Manager:   e.mgr,
		Logger:    e.logger,
	}
	if err := e.strat.OnInit(runCtx); err != nil {
		return fmt.Errorf("engine: on_init: %w", err)
	}

	var pending *event.SwapEvent
	var havePending bool

	stepIndex := int64(0)
	timestamp := e.startTime
	for timestamp <= e.endTime {
		if err := ctx.Err(); err != nil {
			e.logger.Warnf("engine: run cancelled at step %d: %v", stepIndex, err)
			break
		}

		for {
			if !havePending {
				evt, ok, err := e.source.Next(ctx)
				if err != nil {
					return fmt.Errorf("engine: reading next event: %w", err)
				}
				if !ok {
					break
				}
				pending, havePending = evt, true
			}
			if pending.TimestampMs > timestamp {
				break
			}
			if err := e.applyEvent(runCtx, pending); err != nil {
				return err
			}
			havePending = false
		}

		runCtx.Timestamp = timestamp
		runCtx.StepIndex = stepIndex
		if err := e.strat.OnTick(runCtx); err != nil {
			return fmt.Errorf("engine: on_tick at step %d: %w", stepIndex, err)
		}

		if stepIndex > 0 && stepIndex%memoryReclaimInterval == 0 {
			e.reclaimHint(stepIndex)
		}

		stepIndex++
		timestamp = e.startTime + stepIndex*e.stepMs
	}

	if err := e.strat.OnFinish(runCtx); err != nil {
		return fmt.Errorf("engine: on_finish: %w", err)
	}
	return nil
}

// applyEvent runs the fixed sequence spec.md §4.5 step 4b requires: Pool
// ingest, then fee attribution, then the strategy's swap callback, in that
// order, so the strategy always observes already-updated state.
func (e *Engine) applyEvent(ctx *strategy.Context, evt *event.SwapEvent) error {
	if err := e.pool.Ingest(evt); err != nil {
		return fmt.Errorf("engine: pool ingest for tx %s: %w", evt.Digest, err)
	}
	if err := e.mgr.UpdateAllPositionFees(evt); err != nil {
		return fmt.Errorf("engine: updating position fees for tx %s: %w", evt.Digest, err)
	}
	ctx.Timestamp = evt.TimestampMs
	if err := e.strat.OnSwapEvent(ctx, evt); err != nil {
		return fmt.Errorf("engine: on_swap_event for tx %s: %w", evt.Digest, err)
	}
	return nil
}

// seed pulls the first event and ingests it without running fee
// attribution (there are no positions yet), priming sqrt_price_x64,
// tick_current, and liquidity_active per spec.md §4.5 step 2.
func (e *Engine) seed(ctx context.Context) error {
	evt, ok, err := e.source.Next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.pool.Ingest(evt)
}

// reclaimHint logs progress and hints the runtime it may reclaim memory, as
// spec.md §4.5 step 4d requires every 1000 steps. Reading RSS first (rather
// than calling debug.FreeOSMemory blind) lets the log line carry a number an
// operator can actually act on.
func (e *Engine) reclaimHint(stepIndex int64) {
	rss := processRSS()
	e.logger.Infof("engine[%s]: step %d, rss=%d bytes, requesting GC", e.runID, stepIndex, rss)
	debug.FreeOSMemory()
}

func processRSS() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}
