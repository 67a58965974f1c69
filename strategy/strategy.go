// Package strategy declares the callback contract the Engine drives: a
// capability set rather than a base class, so a strategy implements only
// the hooks it needs.
package strategy

import (
	"github.com/CoinSummer/clamm-backtest/event"
	"github.com/CoinSummer/clamm-backtest/pool"
	"github.com/CoinSummer/clamm-backtest/position"
	"github.com/sirupsen/logrus"
)

// Context is passed to every callback; Pool and Manager are the same
// instances for the whole run, so a strategy may retain the Context it was
// given at OnInit rather than being handed a fresh one each call.
type Context struct {
	Timestamp int64
	StepIndex int64
	Pool      *pool.Pool
	Manager   *position.Manager
	Logger    *logrus.Logger
}

// Strategy is the capability set the Engine calls into. OnSwapEvent is
// called once per normalized swap, in event order, after the Pool and
// PositionManager have already been updated for that event; OnTick is
// called once per step after all of that step's events have been applied.
type Strategy interface {
	ID() string
	OnInit(ctx *Context) error
	OnTick(ctx *Context) error
	OnSwapEvent(ctx *Context, evt *event.SwapEvent) error
	OnFinish(ctx *Context) error
}

// Factory constructs a Strategy, the shape config.Config.StrategyFactory
// holds; it is a plain func value rather than an interface because the
// strategy itself is a user-supplied plugin with no other required state.
type Factory func() Strategy

// Base is embeddable by strategies that only care about a subset of the
// callbacks; its methods are no-ops so an embedder need only override what
// it uses.
type Base struct{}

func (Base) OnInit(ctx *Context) error                            { return nil }
func (Base) OnTick(ctx *Context) error                            { return nil }
func (Base) OnSwapEvent(ctx *Context, evt *event.SwapEvent) error { return nil }
func (Base) OnFinish(ctx *Context) error                          { return nil }
