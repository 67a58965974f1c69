// Package pool implements the stateful AMM model: ingesting normalized swap
// events, tracking sqrt-price/tick/active-liquidity, and exposing flat-price
// quoting. It follows the teacher's CorePool shape (state struct plus small
// mutating methods, gorm.Model-free since the pool here is in-memory only).
package pool

import (
	"fmt"
	"math/big"

	"github.com/CoinSummer/clamm-backtest/event"
	"github.com/CoinSummer/clamm-backtest/fixedmath"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// feeDenominator is the parts-per-million base for fee_rate_ppm.
const feeDenominator = 1_000_000

// Pool is the mutable singleton the Engine owns and is the only mutator of.
type Pool struct {
	Name0     string
	Name1     string
	Decimals0 int32
	Decimals1 int32

	FeeRatePpm  int64
	TickSpacing int32

	SqrtPriceX64    *uint256.Int
	TickCurrent     int32
	LiquidityActive *uint256.Int
	TimestampMs     int64

	FeeGrowthGlobal0 *uint256.Int
	FeeGrowthGlobal1 *uint256.Int
}

// Config seeds a new Pool; everything here is immutable for the pool's
// lifetime except via Ingest.
type Config struct {
	Name0       string
	Name1       string
	Decimals0   int32
	Decimals1   int32
	FeeRatePpm  int64
	TickSpacing int32
}

// New constructs an uninitialized Pool: zero sqrt-price/liquidity until the
// first event primes it (see engine.Engine.seed).
func New(cfg Config) *Pool {
	return &Pool{
		Name0:            cfg.Name0,
		Name1:            cfg.Name1,
		Decimals0:        cfg.Decimals0,
		Decimals1:        cfg.Decimals1,
		FeeRatePpm:       cfg.FeeRatePpm,
		TickSpacing:      cfg.TickSpacing,
		SqrtPriceX64:     new(uint256.Int),
		TickCurrent:      0,
		LiquidityActive:  new(uint256.Int),
		FeeGrowthGlobal0: new(uint256.Int),
		FeeGrowthGlobal1: new(uint256.Int),
	}
}

// Ingest applies exactly one normalized swap event to the pool, called once
// per event in event order.
func (p *Pool) Ingest(evt *event.SwapEvent) error {
	if !p.LiquidityActive.IsZero() && !evt.SqrtPriceBeforeX64.Eq(p.SqrtPriceX64) {
		logrus.Warnf("pool: sqrt_price_before mismatch for tx %s (have %s, event %s); snapping forward",
			evt.Digest, p.SqrtPriceX64.Hex(), evt.SqrtPriceBeforeX64.Hex())
	}

	// An event whose liquidity is zero (event.Normalize substitutes 0 when
	// the source omits it) accrues no fee growth.
	if !p.LiquidityActive.IsZero() && (evt.Liquidity == nil || !evt.Liquidity.IsZero()) {
		netFee := new(uint256.Int).Sub(evt.FeeAmount, evt.ProtocolFee)
		if !netFee.IsZero() {
			growthDelta, err := fixedmath.MulDiv(netFee, fixedmath.Q128, p.LiquidityActive)
			if err != nil {
				return fmt.Errorf("pool: fee growth overflow on tx %s: %w", evt.Digest, err)
			}
			if evt.ZeroForOne {
				p.FeeGrowthGlobal0 = new(uint256.Int).Add(p.FeeGrowthGlobal0, growthDelta)
			} else {
				p.FeeGrowthGlobal1 = new(uint256.Int).Add(p.FeeGrowthGlobal1, growthDelta)
			}
		}
	}

	p.SqrtPriceX64 = evt.SqrtPriceAfterX64
	p.TickCurrent = evt.Tick
	if evt.Liquidity != nil {
		p.LiquidityActive = evt.Liquidity
	}
	p.TimestampMs = evt.TimestampMs

	return nil
}

// Estimate is a flat-price quote: it does not traverse ticks, so it is only
// accurate for trades small relative to active liquidity.
type Estimate struct {
	AmountOut   *uint256.Int
	Fee         *uint256.Int
	PriceImpact decimal.Decimal
}

// Estimate quotes amountIn against the current sqrt-price, ignoring tick
// crossings. Strategies sizing larger trades must consult PriceImpact, which
// grows with amountIn and shrinks with active liquidity: it is the same
// "trade size relative to liquidity_active" signal that makes the flat-price
// quote untrustworthy for large trades in the first place.
func (p *Pool) Estimate(amountIn *uint256.Int, zeroForOne bool) (*Estimate, error) {
	fee, err := fixedmath.MulDivRoundingUp(amountIn, uint256.NewInt(uint64(p.FeeRatePpm)), uint256.NewInt(feeDenominator))
	if err != nil {
		return nil, fmt.Errorf("pool: estimate fee overflow: %w", err)
	}
	if fee.Gt(amountIn) {
		fee = new(uint256.Int).Set(amountIn)
	}
	effectiveIn := new(uint256.Int).Sub(amountIn, fee)

	// price = (sqrtPriceX64/2^64)^2 * 10^(decimals0-decimals1); token1 per token0.
	price := p.Price()

	var amountOut *uint256.Int
	inDec := decimal.NewFromBigInt(effectiveIn.ToBig(), 0)
	if zeroForOne {
		amountOut = decimalToUint256(inDec.Mul(price))
	} else {
		if price.IsZero() {
			amountOut = new(uint256.Int)
		} else {
			amountOut = decimalToUint256(inDec.Div(price))
		}
	}

	return &Estimate{
		AmountOut:   amountOut,
		Fee:         fee,
		PriceImpact: priceImpact(amountIn, p.LiquidityActive),
	}, nil
}

// priceImpact is the ratio of the trade's gross input to the pool's active
// liquidity. It is a proxy, not the exact curve-traversal slippage (Estimate
// never crosses ticks), but it moves in the right direction: it grows with
// amountIn and shrinks as liquidity_active grows, so a strategy can reject a
// quote once the ratio passes whatever threshold it trusts the flat-price
// model for. Zero active liquidity means there is nothing to trade against,
// so the impact saturates at 1 (100%) rather than dividing by zero.
func priceImpact(amountIn, liquidityActive *uint256.Int) decimal.Decimal {
	if liquidityActive.IsZero() {
		return decimal.New(1, 0)
	}
	inDec := decimal.NewFromBigInt(amountIn.ToBig(), 0)
	liqDec := decimal.NewFromBigInt(liquidityActive.ToBig(), 0)
	return inDec.Div(liqDec)
}

// Price is the derived view (sqrt_price_x64 / 2^64)^2 * 10^(decimals0-decimals1).
func (p *Pool) Price() decimal.Decimal {
	sqrtDec := decimal.NewFromBigInt(p.SqrtPriceX64.ToBig(), 0)
	q64Dec := decimal.NewFromBigInt(fixedmath.Q64.ToBig(), 0)
	ratio := sqrtDec.Div(q64Dec)
	squared := ratio.Mul(ratio)

	diff := p.Decimals0 - p.Decimals1
	if diff == 0 {
		return squared
	}
	scale := decimal.NewFromBigInt(pow10(abs32(diff)), 0)
	if diff > 0 {
		return squared.Mul(scale)
	}
	return squared.Div(scale)
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func pow10(exp int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

func decimalToUint256(d decimal.Decimal) *uint256.Int {
	rounded := d.Truncate(0).BigInt()
	if rounded.Sign() < 0 {
		return new(uint256.Int)
	}
	v, overflow := uint256.FromBig(rounded)
	if overflow {
		return new(uint256.Int).Not(new(uint256.Int)) // saturate, estimate is advisory-only
	}
	return v
}
