package position

import (
	"errors"
	"fmt"

	"github.com/CoinSummer/clamm-backtest/event"
	"github.com/CoinSummer/clamm-backtest/fixedmath"
	"github.com/CoinSummer/clamm-backtest/pool"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrMisalignedTicks is returned when open/add ticks are not
	// tick_spacing-aligned or lower is not strictly less than upper.
	ErrMisalignedTicks = errors.New("position: ticks must be tick_spacing-aligned with lower < upper")
	// ErrInsufficientCash is returned when the wallet cannot cover desired0/desired1.
	ErrInsufficientCash = errors.New("position: insufficient wallet cash")
	// ErrPositionNotFound is returned by operations addressing an unknown id.
	ErrPositionNotFound = errors.New("position: position not found")
	// ErrPositionClosed is returned when an operation targets a closed position.
	ErrPositionClosed = errors.New("position: position is closed")
)

// Manager owns the wallet and the set of virtual positions for one pool.
type Manager struct {
	pool *pool.Pool

	Wallet Wallet

	positions map[int64]*Position
	order     []int64
	nextID    int64

	simulateErrors    int
	simulatedFailures int
}

// NewManager seeds a Manager with initial wallet balances for p.
func NewManager(p *pool.Pool, invest0, invest1 decimal.Decimal, simulateErrors int) *Manager {
	return &Manager{
		pool: p,
		Wallet: Wallet{
			Cash0:    invest0,
			Cash1:    invest1,
			Initial0: invest0,
			Initial1: invest1,
		},
		positions:      map[int64]*Position{},
		simulateErrors: simulateErrors,
	}
}

// OpenResult reports the outcome of Open/AddLiquidity.
type OpenResult struct {
	Success    bool
	Message    string
	PositionID int64
	Liquidity  *uint256.Int
	Used0      decimal.Decimal
	Used1      decimal.Decimal
	Refund0    decimal.Decimal
	Refund1    decimal.Decimal
	Slippage   decimal.Decimal
	GasFee     decimal.Decimal
}

func failResult(message string) *OpenResult {
	return &OpenResult{Success: false, Message: message}
}

// Open creates a new position sized against desired0/desired1 at the pool's
// current price, debiting the wallet for the amounts actually consumed.
func (m *Manager) Open(tickLower, tickUpper int32, desired0, desired1 decimal.Decimal, cost *Cost, timestampMs int64) (*OpenResult, error) {
	if m.simulatedFailures < m.simulateErrors {
		m.simulatedFailures++
		return failResult("simulated open failure"), nil
	}

	if tickLower >= tickUpper || !tickAligned(tickLower, m.pool.TickSpacing) || !tickAligned(tickUpper, m.pool.TickSpacing) {
		return failResult(ErrMisalignedTicks.Error()), nil
	}
	if desired0.GreaterThan(m.Wallet.Cash0) || desired1.GreaterThan(m.Wallet.Cash1) {
		return failResult(ErrInsufficientCash.Error()), nil
	}

	sqrtPa, err := fixedmath.SqrtPriceAtTick(tickLower)
	if err != nil {
		return nil, fmt.Errorf("position: sqrt price at tick_lower: %w", err)
	}
	sqrtPb, err := fixedmath.SqrtPriceAtTick(tickUpper)
	if err != nil {
		return nil, fmt.Errorf("position: sqrt price at tick_upper: %w", err)
	}

	desired0Raw := decimalFloor(desired0)
	desired1Raw := decimalFloor(desired1)

	liquidity, err := fixedmath.LiquidityForAmounts(m.pool.SqrtPriceX64, sqrtPa, sqrtPb, desired0Raw, desired1Raw)
	if err != nil {
		return nil, fmt.Errorf("position: liquidity_for_amounts: %w", err)
	}

	used0Raw, used1Raw, err := fixedmath.AmountsForLiquidity(m.pool.SqrtPriceX64, sqrtPa, sqrtPb, liquidity)
	if err != nil {
		return nil, fmt.Errorf("position: amounts_for_liquidity: %w", err)
	}
	used0 := uint256ToDecimal(used0Raw)
	used1 := uint256ToDecimal(used1Raw)
	refund0 := desired0.Sub(used0)
	refund1 := desired1.Sub(used1)

	costA, costB := cost.amounts()

	m.Wallet.Cash0 = m.Wallet.Cash0.Sub(used0).Sub(costA)
	m.Wallet.Cash1 = m.Wallet.Cash1.Sub(used1).Sub(costB)

	// There is no prior snapshot to freeze against yet, so the initial
	// fee_growth_inside_last is simply the pool's current global growth,
	// in or out of range; a position opened out of range starts accruing
	// nothing until it both enters range and the pool ingests a swap.
	fgInside0, fgInside1 := m.pool.FeeGrowthGlobal0, m.pool.FeeGrowthGlobal1

	m.nextID++
	id := m.nextID
	pos := &Position{
		ID:                   id,
		TickLower:            tickLower,
		TickUpper:            tickUpper,
		Liquidity:            liquidity,
		Amount0Principal:     used0,
		Amount1Principal:     used1,
		FeeGrowthInside0Last: fgInside0,
		FeeGrowthInside1Last: fgInside1,
		TokensOwed0:          decimal.Zero,
		TokensOwed1:          decimal.Zero,
		CreatedAtMs:          timestampMs,
		Status:               Open,
	}
	m.positions[id] = pos
	m.order = append(m.order, id)

	return &OpenResult{
		Success:    true,
		PositionID: id,
		Liquidity:  liquidity,
		Used0:      used0,
		Used1:      used1,
		Refund0:    refund0,
		Refund1:    refund1,
		Slippage:   decimal.Zero,
		GasFee:     costA.Add(costB),
	}, nil
}

// AddLiquidity adds to an existing position, crediting accrued fees from the
// pre-change liquidity before recomputing the fee-growth snapshot.
func (m *Manager) AddLiquidity(id int64, desired0, desired1 decimal.Decimal, cost *Cost) (*OpenResult, error) {
	pos, ok := m.positions[id]
	if !ok {
		return failResult(ErrPositionNotFound.Error()), nil
	}
	if pos.Status == Closed {
		return failResult(ErrPositionClosed.Error()), nil
	}
	if desired0.GreaterThan(m.Wallet.Cash0) || desired1.GreaterThan(m.Wallet.Cash1) {
		return failResult(ErrInsufficientCash.Error()), nil
	}

	m.creditFees(pos)

	sqrtPa, err := fixedmath.SqrtPriceAtTick(pos.TickLower)
	if err != nil {
		return nil, fmt.Errorf("position: sqrt price at tick_lower: %w", err)
	}
	sqrtPb, err := fixedmath.SqrtPriceAtTick(pos.TickUpper)
	if err != nil {
		return nil, fmt.Errorf("position: sqrt price at tick_upper: %w", err)
	}

	desired0Raw := decimalFloor(desired0)
	desired1Raw := decimalFloor(desired1)

	addedLiquidity, err := fixedmath.LiquidityForAmounts(m.pool.SqrtPriceX64, sqrtPa, sqrtPb, desired0Raw, desired1Raw)
	if err != nil {
		return nil, fmt.Errorf("position: liquidity_for_amounts: %w", err)
	}
	used0Raw, used1Raw, err := fixedmath.AmountsForLiquidity(m.pool.SqrtPriceX64, sqrtPa, sqrtPb, addedLiquidity)
	if err != nil {
		return nil, fmt.Errorf("position: amounts_for_liquidity: %w", err)
	}
	used0 := uint256ToDecimal(used0Raw)
	used1 := uint256ToDecimal(used1Raw)
	refund0 := desired0.Sub(used0)
	refund1 := desired1.Sub(used1)

	costA, costB := cost.amounts()
	m.Wallet.Cash0 = m.Wallet.Cash0.Sub(used0).Sub(costA)
	m.Wallet.Cash1 = m.Wallet.Cash1.Sub(used1).Sub(costB)

	pos.Liquidity = new(uint256.Int).Add(pos.Liquidity, addedLiquidity)
	pos.Amount0Principal = pos.Amount0Principal.Add(used0)
	pos.Amount1Principal = pos.Amount1Principal.Add(used1)
	pos.FeeGrowthInside0Last, pos.FeeGrowthInside1Last = m.feeGrowthInsideFor(pos)

	return &OpenResult{
		Success:    true,
		PositionID: id,
		Liquidity:  addedLiquidity,
		Used0:      used0,
		Used1:      used1,
		Refund0:    refund0,
		Refund1:    refund1,
		Slippage:   decimal.Zero,
		GasFee:     costA.Add(costB),
	}, nil
}

// CloseResult reports principal plus accrued fees returned on Close.
type CloseResult struct {
	Success   bool
	Message   string
	Amount0   decimal.Decimal
	Amount1   decimal.Decimal
}

// Close settles tokens_owed to collected_fees, returns principal + accrued,
// and marks the position Closed. A closed position receives no further fees.
func (m *Manager) Close(id int64) (*CloseResult, error) {
	pos, ok := m.positions[id]
	if !ok {
		return &CloseResult{Message: ErrPositionNotFound.Error()}, nil
	}
	if pos.Status == Closed {
		return &CloseResult{Message: ErrPositionClosed.Error()}, nil
	}

	m.creditFees(pos)

	amount0 := pos.Amount0Principal.Add(pos.TokensOwed0)
	amount1 := pos.Amount1Principal.Add(pos.TokensOwed1)

	m.Wallet.CollectedFees0 = m.Wallet.CollectedFees0.Add(pos.TokensOwed0)
	m.Wallet.CollectedFees1 = m.Wallet.CollectedFees1.Add(pos.TokensOwed1)
	m.Wallet.Cash0 = m.Wallet.Cash0.Add(amount0)
	m.Wallet.Cash1 = m.Wallet.Cash1.Add(amount1)

	pos.TokensOwed0 = decimal.Zero
	pos.TokensOwed1 = decimal.Zero
	pos.Status = Closed

	return &CloseResult{Success: true, Amount0: amount0, Amount1: amount1}, nil
}

// Collect moves tokens_owed to the wallet without changing liquidity.
func (m *Manager) Collect(id int64) (decimal.Decimal, decimal.Decimal, error) {
	pos, ok := m.positions[id]
	if !ok {
		return decimal.Zero, decimal.Zero, ErrPositionNotFound
	}
	if pos.Status == Closed {
		return decimal.Zero, decimal.Zero, ErrPositionClosed
	}

	m.creditFees(pos)

	amount0, amount1 := pos.TokensOwed0, pos.TokensOwed1
	m.Wallet.CollectedFees0 = m.Wallet.CollectedFees0.Add(amount0)
	m.Wallet.CollectedFees1 = m.Wallet.CollectedFees1.Add(amount1)
	m.Wallet.Cash0 = m.Wallet.Cash0.Add(amount0)
	m.Wallet.Cash1 = m.Wallet.Cash1.Add(amount1)

	pos.TokensOwed0 = decimal.Zero
	pos.TokensOwed1 = decimal.Zero

	return amount0, amount1, nil
}

// UpdateAllPositionFees attributes the fee-growth delta produced by evt to
// every open, in-range position, called by the Engine after every Pool
// ingest. Positions out of [TickLower, TickUpper) accrue nothing this step.
func (m *Manager) UpdateAllPositionFees(evt *event.SwapEvent) error {
	for _, id := range m.order {
		pos := m.positions[id]
		if pos.Status == Closed {
			continue
		}
		if err := m.updatePositionFees(pos); err != nil {
			return fmt.Errorf("position: updating fees for %d: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) updatePositionFees(pos *Position) error {
	fgInside0, fgInside1 := m.feeGrowthInsideFor(pos)

	delta0 := new(uint256.Int).Sub(fgInside0, pos.FeeGrowthInside0Last)
	delta1 := new(uint256.Int).Sub(fgInside1, pos.FeeGrowthInside1Last)

	if !delta0.IsZero() {
		owed0, err := fixedmath.MulDiv(delta0, pos.Liquidity, fixedmath.Q128)
		if err != nil {
			return fmt.Errorf("fee growth 0 overflow: %w", err)
		}
		pos.TokensOwed0 = pos.TokensOwed0.Add(uint256ToDecimal(owed0))
	}
	if !delta1.IsZero() {
		owed1, err := fixedmath.MulDiv(delta1, pos.Liquidity, fixedmath.Q128)
		if err != nil {
			return fmt.Errorf("fee growth 1 overflow: %w", err)
		}
		pos.TokensOwed1 = pos.TokensOwed1.Add(uint256ToDecimal(owed1))
	}

	pos.FeeGrowthInside0Last = fgInside0
	pos.FeeGrowthInside1Last = fgInside1
	return nil
}

// creditFees is updatePositionFees without the error path exposed to
// callers that cannot fail (add/close/collect all credit accrued fees
// from the pool's current state before mutating the position further).
func (m *Manager) creditFees(pos *Position) {
	_ = m.updatePositionFees(pos)
}

// feeGrowthInsideFor approximates the fee-growth-inside values per the
// simplified, no-per-tick-growth-map model: while the current tick is
// within [TickLower, TickUpper) the inside value tracks the global
// accumulator exactly; otherwise it stays frozen at the position's own last
// snapshot, so the delta the caller computes is zero for every step the
// position spends out of range. This is exact for a single in-range
// position and a documented, bounded over-attribution for overlapping
// multi-position ranges that straddle a tick crossing mid-step.
func (m *Manager) feeGrowthInsideFor(pos *Position) (*uint256.Int, *uint256.Int) {
	if pos.inRange(m.pool.TickCurrent) {
		return m.pool.FeeGrowthGlobal0, m.pool.FeeGrowthGlobal1
	}
	return pos.FeeGrowthInside0Last, pos.FeeGrowthInside1Last
}

// Totals is the position manager's reporting snapshot.
type Totals struct {
	Cash0          decimal.Decimal
	Cash1          decimal.Decimal
	InPosition0    decimal.Decimal
	InPosition1    decimal.Decimal
	UnclaimedFees0 decimal.Decimal
	UnclaimedFees1 decimal.Decimal
	CollectedFees0 decimal.Decimal
	CollectedFees1 decimal.Decimal
	Initial0       decimal.Decimal
	Initial1       decimal.Decimal
	Total0         decimal.Decimal
	Total1         decimal.Decimal
	TotalValue     decimal.Decimal
}

// Totals reports the wallet + all open positions' principal/unclaimed fees,
// and a total value denominated in token1 units via price.
func (m *Manager) Totals(price decimal.Decimal) Totals {
	t := Totals{
		Cash0:          m.Wallet.Cash0,
		Cash1:          m.Wallet.Cash1,
		CollectedFees0: m.Wallet.CollectedFees0,
		CollectedFees1: m.Wallet.CollectedFees1,
		Initial0:       m.Wallet.Initial0,
		Initial1:       m.Wallet.Initial1,
		InPosition0:    decimal.Zero,
		InPosition1:    decimal.Zero,
		UnclaimedFees0: decimal.Zero,
		UnclaimedFees1: decimal.Zero,
	}
	for _, id := range m.order {
		pos := m.positions[id]
		if pos.Status == Closed {
			continue
		}
		t.InPosition0 = t.InPosition0.Add(pos.Amount0Principal)
		t.InPosition1 = t.InPosition1.Add(pos.Amount1Principal)
		t.UnclaimedFees0 = t.UnclaimedFees0.Add(pos.TokensOwed0)
		t.UnclaimedFees1 = t.UnclaimedFees1.Add(pos.TokensOwed1)
	}
	t.Total0 = t.Cash0.Add(t.InPosition0).Add(t.UnclaimedFees0)
	t.Total1 = t.Cash1.Add(t.InPosition1).Add(t.UnclaimedFees1)
	t.TotalValue = t.Total0.Mul(price).Add(t.Total1)
	return t
}

// Position returns a position by id for callers (e.g. a strategy) that need
// to inspect its current state.
func (m *Manager) Position(id int64) (*Position, bool) {
	pos, ok := m.positions[id]
	return pos, ok
}

func tickAligned(tick, spacing int32) bool {
	if spacing <= 0 {
		return false
	}
	return tick%spacing == 0
}

func decimalFloor(d decimal.Decimal) *uint256.Int {
	if d.IsNegative() {
		return new(uint256.Int)
	}
	v, overflow := uint256.FromBig(d.Truncate(0).BigInt())
	if overflow {
		return new(uint256.Int).Not(new(uint256.Int))
	}
	return v
}

func uint256ToDecimal(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), 0)
}
