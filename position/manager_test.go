package position

import (
	"testing"

	"github.com/CoinSummer/clamm-backtest/event"
	"github.com/CoinSummer/clamm-backtest/fixedmath"
	"github.com/CoinSummer/clamm-backtest/pool"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoolAtTickZero(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{
		Name0:       "A",
		Name1:       "B",
		Decimals0:   6,
		Decimals1:   6,
		FeeRatePpm:  3000,
		TickSpacing: 10,
	})
	sqrtAt0, err := fixedmath.SqrtPriceAtTick(0)
	require.NoError(t, err)
	p.SqrtPriceX64 = sqrtAt0
	p.LiquidityActive = uint256.NewInt(1_000_000)
	return p
}

func swapEventAt(tick int32, sqrtPrice *uint256.Int, fee, liquidity string, zeroForOne bool, ts int64) *event.SwapEvent {
	feeAmt, _ := uint256.FromDecimal(fee)
	liq, _ := uint256.FromDecimal(liquidity)
	return &event.SwapEvent{
		TimestampMs:        ts,
		Digest:             "tx",
		SqrtPriceBeforeX64: sqrtPrice,
		SqrtPriceAfterX64:  sqrtPrice,
		Tick:               tick,
		FeeAmount:          feeAmt,
		ProtocolFee:        new(uint256.Int),
		Liquidity:          liq,
		ZeroForOne:         zeroForOne,
	}
}

func TestOpenRejectsMisalignedTicks(t *testing.T) {
	p := newTestPoolAtTickZero(t)
	mgr := NewManager(p, decimal.NewFromInt(1_000_000), decimal.NewFromInt(1_000_000), 0)

	res, err := mgr.Open(-5, 10, decimal.NewFromInt(1000), decimal.NewFromInt(1000), nil, 1000)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestOpenDebitsWalletAndCreatesPosition(t *testing.T) {
	p := newTestPoolAtTickZero(t)
	mgr := NewManager(p, decimal.NewFromInt(1_000_000), decimal.NewFromInt(1_000_000), 0)

	res, err := mgr.Open(-10, 10, decimal.NewFromInt(1000), decimal.NewFromInt(1000), nil, 1000)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, mgr.Wallet.Cash0.LessThan(decimal.NewFromInt(1_000_000)))
	assert.True(t, mgr.Wallet.Cash1.LessThan(decimal.NewFromInt(1_000_000)))

	pos, ok := mgr.Position(res.PositionID)
	require.True(t, ok)
	assert.Equal(t, Open, pos.Status)
}

func TestInRangePositionAccruesFees(t *testing.T) {
	p := newTestPoolAtTickZero(t)
	mgr := NewManager(p, decimal.NewFromInt(1_000_000), decimal.NewFromInt(1_000_000), 0)

	// 500/500 over [-10, 10] at tick 0 sizes the position at ~1,000,300
	// liquidity, matching the pool's 1,000,000 active liquidity.
	res, err := mgr.Open(-10, 10, decimal.NewFromInt(500), decimal.NewFromInt(500), nil, 1000)
	require.NoError(t, err)
	require.True(t, res.Success)

	sqrtAt0 := p.SqrtPriceX64
	evt := swapEventAt(0, sqrtAt0, "1000", "1000000", true, 1500)
	require.NoError(t, p.Ingest(evt))
	require.NoError(t, mgr.UpdateAllPositionFees(evt))

	pos, ok := mgr.Position(res.PositionID)
	require.True(t, ok)
	// position holds all liquidity, so it should receive the full 1000 fee
	// (within 1 base unit) per spec.md §8 scenario 3.
	diff := pos.TokensOwed0.Sub(decimal.NewFromInt(1000)).Abs()
	assert.True(t, diff.LessThanOrEqual(decimal.NewFromInt(1)))
	assert.True(t, pos.TokensOwed1.IsZero())
}

func TestOutOfRangePositionAccruesNoFees(t *testing.T) {
	p := newTestPoolAtTickZero(t)
	mgr := NewManager(p, decimal.NewFromInt(1_000_000), decimal.NewFromInt(1_000_000), 0)

	res, err := mgr.Open(100, 200, decimal.NewFromInt(1000), decimal.NewFromInt(1000), nil, 1000)
	require.NoError(t, err)
	require.True(t, res.Success)

	sqrtAt0 := p.SqrtPriceX64
	evt := swapEventAt(0, sqrtAt0, "1000", "1000000", true, 1500)
	require.NoError(t, p.Ingest(evt))
	require.NoError(t, mgr.UpdateAllPositionFees(evt))

	pos, ok := mgr.Position(res.PositionID)
	require.True(t, ok)
	assert.True(t, pos.TokensOwed0.IsZero())
	assert.True(t, pos.TokensOwed1.IsZero())
}

func TestCloseRefundsPrincipalAndRestoresCash(t *testing.T) {
	p := newTestPoolAtTickZero(t)
	initial0 := decimal.NewFromInt(1_000_000)
	initial1 := decimal.NewFromInt(1_000_000)
	mgr := NewManager(p, initial0, initial1, 0)

	res, err := mgr.Open(-10, 10, decimal.NewFromInt(1000), decimal.NewFromInt(1000), nil, 1000)
	require.NoError(t, err)
	require.True(t, res.Success)

	closeRes, err := mgr.Close(res.PositionID)
	require.NoError(t, err)
	require.True(t, closeRes.Success)

	assert.True(t, mgr.Wallet.Cash0.Equal(initial0))
	assert.True(t, mgr.Wallet.Cash1.Equal(initial1))

	pos, ok := mgr.Position(res.PositionID)
	require.True(t, ok)
	assert.Equal(t, Closed, pos.Status)
}

func TestCollectIsIdempotentWithNoInterveningSwaps(t *testing.T) {
	p := newTestPoolAtTickZero(t)
	mgr := NewManager(p, decimal.NewFromInt(1_000_000), decimal.NewFromInt(1_000_000), 0)

	res, err := mgr.Open(-10, 10, decimal.NewFromInt(1000), decimal.NewFromInt(1000), nil, 1000)
	require.NoError(t, err)
	require.True(t, res.Success)

	cash0Before, cash1Before := mgr.Wallet.Cash0, mgr.Wallet.Cash1

	amount0, amount1, err := mgr.Collect(res.PositionID)
	require.NoError(t, err)
	assert.True(t, amount0.IsZero())
	assert.True(t, amount1.IsZero())
	assert.True(t, mgr.Wallet.Cash0.Equal(cash0Before))
	assert.True(t, mgr.Wallet.Cash1.Equal(cash1Before))
}

func TestSimulatedOpenFailuresThenSuccess(t *testing.T) {
	p := newTestPoolAtTickZero(t)
	mgr := NewManager(p, decimal.NewFromInt(1_000_000), decimal.NewFromInt(1_000_000), 2)

	res1, err := mgr.Open(-10, 10, decimal.NewFromInt(1000), decimal.NewFromInt(1000), nil, 1000)
	require.NoError(t, err)
	assert.False(t, res1.Success)

	res2, err := mgr.Open(-10, 10, decimal.NewFromInt(1000), decimal.NewFromInt(1000), nil, 1000)
	require.NoError(t, err)
	assert.False(t, res2.Success)

	res3, err := mgr.Open(-10, 10, decimal.NewFromInt(1000), decimal.NewFromInt(1000), nil, 1000)
	require.NoError(t, err)
	assert.True(t, res3.Success)
}

func TestAddLiquidityCreditsFeesBeforeResizing(t *testing.T) {
	p := newTestPoolAtTickZero(t)
	mgr := NewManager(p, decimal.NewFromInt(1_000_000), decimal.NewFromInt(1_000_000), 0)

	res, err := mgr.Open(-10, 10, decimal.NewFromInt(1000), decimal.NewFromInt(1000), nil, 1000)
	require.NoError(t, err)
	require.True(t, res.Success)

	sqrtAt0 := p.SqrtPriceX64
	evt := swapEventAt(0, sqrtAt0, "1000", "1000000", true, 1500)
	require.NoError(t, p.Ingest(evt))
	require.NoError(t, mgr.UpdateAllPositionFees(evt))

	addRes, err := mgr.AddLiquidity(res.PositionID, decimal.NewFromInt(500), decimal.NewFromInt(500), nil)
	require.NoError(t, err)
	require.True(t, addRes.Success)

	pos, ok := mgr.Position(res.PositionID)
	require.True(t, ok)
	// fees accrued before the add must still be present as tokens_owed.
	assert.True(t, pos.TokensOwed0.GreaterThan(decimal.Zero))
}
