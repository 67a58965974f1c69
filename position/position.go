// Package position owns the wallet and the set of virtual positions: it
// performs per-swap fee attribution to in-range positions using the global
// and per-position fee-growth accumulators the pool package maintains.
package position

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Status is a Position's lifecycle state. Closed is terminal: a closed
// position is retained for reporting but never receives further fees.
type Status int

const (
	Open Status = iota
	Closed
)

func (s Status) String() string {
	if s == Closed {
		return "closed"
	}
	return "open"
}

// Position is a virtual liquidity position, identified by a dense monotone
// id assigned by Manager.Open.
type Position struct {
	ID         int64
	TickLower  int32
	TickUpper  int32
	Liquidity  *uint256.Int

	Amount0Principal decimal.Decimal
	Amount1Principal decimal.Decimal

	FeeGrowthInside0Last *uint256.Int
	FeeGrowthInside1Last *uint256.Int

	TokensOwed0 decimal.Decimal
	TokensOwed1 decimal.Decimal

	CreatedAtMs int64
	Status      Status
}

// inRange reports whether tickCurrent falls within [TickLower, TickUpper),
// the gating condition for fee accrual.
func (p *Position) inRange(tickCurrent int32) bool {
	return p.TickLower <= tickCurrent && tickCurrent < p.TickUpper
}

// Wallet is the single instance of unallocated and accrued balances a
// Manager owns.
type Wallet struct {
	Cash0 decimal.Decimal
	Cash1 decimal.Decimal

	CollectedFees0 decimal.Decimal
	CollectedFees1 decimal.Decimal

	Initial0 decimal.Decimal
	Initial1 decimal.Decimal
}

// Cost is an optional simulated transaction cost debited from the wallet on
// open/add, e.g. a gas-fee stand-in.
type Cost struct {
	TokenA      *decimal.Decimal
	TokenB      *decimal.Decimal
	Description string
}

func (c *Cost) amounts() (decimal.Decimal, decimal.Decimal) {
	a, b := decimal.Zero, decimal.Zero
	if c == nil {
		return a, b
	}
	if c.TokenA != nil {
		a = *c.TokenA
	}
	if c.TokenB != nil {
		b = *c.TokenB
	}
	return a, b
}
