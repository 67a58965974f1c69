// Package event defines the normalized swap event shape the rest of the
// engine consumes, plus the raw JSON/tabular wire shapes the eventsource
// backends parse it from. Normalization (flash-repay collapsing, tick
// sign-correction, completeness checking) lives here so both backends share
// exactly one implementation.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// swapEventSuffix and repayEventSuffix match the Move module-qualified event
// type names; only the trailing module::event segment is compared since the
// leading package address varies by deployment.
const (
	swapEventSuffix  = "::trade::SwapEvent"
	repayEventSuffix = "::trade::RepayFlashSwapEvent"
)

var (
	// ErrIncompleteEvent is returned (and logged, never fatal) when a raw
	// event is missing a field the normalized SwapEvent requires.
	ErrIncompleteEvent = errors.New("event: incomplete swap event")
)

// SwapEvent is the normalized, time-ordered element of the input stream.
type SwapEvent struct {
	TimestampMs int64
	Digest      string
	Seq         int64
	PoolID      string

	AmountIn  *uint256.Int
	AmountOut *uint256.Int

	SqrtPriceBeforeX64 *uint256.Int
	SqrtPriceAfterX64  *uint256.Int

	FeeAmount   *uint256.Int
	ProtocolFee *uint256.Int

	Reserve0 *uint256.Int
	Reserve1 *uint256.Int

	Tick int32

	// Liquidity is required on the normalized event; per the open question
	// on optionality upstream, an absent value is substituted with 0 and
	// growth attribution is suppressed for that event (see pool.Ingest).
	Liquidity *uint256.Int

	ZeroForOne bool
}

// SignCorrectTick converts the raw unsigned 32-bit tick bit pattern the
// source emits into a signed tick index.
func SignCorrectTick(bits uint32) int32 {
	if bits >= 1<<31 {
		return int32(int64(bits) - (int64(1) << 32))
	}
	return int32(bits)
}

// RawEventID identifies a single event within a transaction.
type RawEventID struct {
	TxDigest string `json:"txDigest"`
	EventSeq string `json:"eventSeq"`
}

// RawEvent is one entry of a Transaction's `events` array.
type RawEvent struct {
	ID          RawEventID      `json:"id"`
	Type        string          `json:"type"`
	Sender      string          `json:"sender"`
	ParsedJSON  json.RawMessage `json:"parsedJson"`
	BcsEncoding string          `json:"bcsEncoding"`
	Bcs         string          `json:"bcs"`
}

// TimestampMs unmarshals a JSON field that is sometimes a quoted string and
// sometimes a bare number, both observed in the wild for `timestampMs`.
type TimestampMs int64

func (t *TimestampMs) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("event: invalid timestampMs %q: %w", string(b), err)
	}
	*t = TimestampMs(v)
	return nil
}

// Transaction is the carrier of one or more RawEvents.
type Transaction struct {
	Digest      string      `json:"digest"`
	TimestampMs TimestampMs `json:"timestampMs"`
	Checkpoint  string      `json:"checkpoint"`
	Events      []RawEvent  `json:"events"`
}

// Page is one JSON page file: `{cursor, nextCursor, data: [Transaction]}`.
type Page struct {
	Cursor     json.RawMessage `json:"cursor"`
	NextCursor json.RawMessage `json:"nextCursor"`
	Data       []Transaction   `json:"data"`
}

// parsedSwapJSON is the `parsedJson` shape for a SwapEvent.
type parsedSwapJSON struct {
	AmountX          *string      `json:"amount_x"`
	AmountY          *string      `json:"amount_y"`
	FeeAmount        *string      `json:"fee_amount"`
	Liquidity        *string      `json:"liquidity"`
	PoolID           *string      `json:"pool_id"`
	ProtocolFee      *string      `json:"protocol_fee"`
	ReserveX         *string      `json:"reserve_x"`
	ReserveY         *string      `json:"reserve_y"`
	Sender           *string      `json:"sender"`
	SqrtPriceAfter   *string      `json:"sqrt_price_after"`
	SqrtPriceBefore  *string      `json:"sqrt_price_before"`
	TickIndex        *tickIndex   `json:"tick_index"`
	XForY            *bool        `json:"x_for_y"`
}

type tickIndex struct {
	Bits uint32 `json:"bits"`
}

// parsedRepayJSON is the `parsedJson` shape for a RepayFlashSwapEvent; it
// repeats the swap's final-state fields and adds debt/paid accounting.
type parsedRepayJSON struct {
	parsedSwapJSON
	AmountXDebt *string `json:"amount_x_debt"`
	AmountYDebt *string `json:"amount_y_debt"`
	PaidX       *string `json:"paid_x"`
	PaidY       *string `json:"paid_y"`
}

func parseUint256(s *string) (*uint256.Int, bool) {
	if s == nil || *s == "" {
		return nil, false
	}
	v, err := uint256.FromDecimal(*s)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Normalize walks a transaction's raw events and produces normalized
// SwapEvents for the given pool, collapsing any Swap immediately followed
// (within the same transaction) by a matching-pool RepayFlashSwap into one
// logical event. Incomplete events are skipped with a warning, never fatal.
func Normalize(tx *Transaction, poolID string) []*SwapEvent {
	var out []*SwapEvent

	for i := 0; i < len(tx.Events); i++ {
		raw := tx.Events[i]
		if !strings.HasSuffix(raw.Type, swapEventSuffix) {
			continue
		}

		var swap parsedSwapJSON
		if err := json.Unmarshal(raw.ParsedJSON, &swap); err != nil {
			logrus.Warnf("event: skipping unparseable swap in tx %s: %v", tx.Digest, err)
			continue
		}
		if swap.PoolID == nil || *swap.PoolID != poolID {
			continue
		}

		var repay *parsedRepayJSON
		var repayRaw *RawEvent
		if i+1 < len(tx.Events) {
			next := tx.Events[i+1]
			if strings.HasSuffix(next.Type, repayEventSuffix) {
				var r parsedRepayJSON
				if err := json.Unmarshal(next.ParsedJSON, &r); err == nil && r.PoolID != nil && *r.PoolID == poolID {
					repay = &r
					repayRaw = &next
				}
			}
		}

		evt, err := buildSwapEvent(tx, raw, swap, repay)
		if err != nil {
			logrus.Warnf("event: skipping incomplete swap in tx %s: %v", tx.Digest, err)
			continue
		}
		out = append(out, evt)

		if repayRaw != nil {
			i++ // consume the repay event so it isn't reconsidered
		}
	}

	return out
}

func buildSwapEvent(tx *Transaction, raw RawEvent, swap parsedSwapJSON, repay *parsedRepayJSON) (*SwapEvent, error) {
	if swap.XForY == nil {
		return nil, fmt.Errorf("%w: missing x_for_y", ErrIncompleteEvent)
	}
	if swap.TickIndex == nil {
		return nil, fmt.Errorf("%w: missing tick_index.bits", ErrIncompleteEvent)
	}
	if swap.FeeAmount == nil {
		return nil, fmt.Errorf("%w: missing fee_amount", ErrIncompleteEvent)
	}

	feeAmount, ok := parseUint256(swap.FeeAmount)
	if !ok {
		return nil, fmt.Errorf("%w: unparseable fee_amount", ErrIncompleteEvent)
	}
	if feeAmount.IsZero() {
		return nil, fmt.Errorf("%w: zero fee_amount", ErrIncompleteEvent)
	}
	protocolFee, _ := parseUint256(swap.ProtocolFee)
	if protocolFee == nil {
		protocolFee = new(uint256.Int)
	}

	amountX, okX := parseUint256(swap.AmountX)
	amountY, okY := parseUint256(swap.AmountY)
	if !okX || !okY {
		return nil, fmt.Errorf("%w: missing amount_x/amount_y", ErrIncompleteEvent)
	}

	sqrtBefore, okBefore := parseUint256(swap.SqrtPriceBefore)
	if !okBefore {
		return nil, fmt.Errorf("%w: missing sqrt_price_before", ErrIncompleteEvent)
	}

	reserveX, okRX := parseUint256(swap.ReserveX)
	reserveY, okRY := parseUint256(swap.ReserveY)

	seq, err := strconv.ParseInt(raw.ID.EventSeq, 10, 64)
	if err != nil {
		seq = 0
	}

	zeroForOne := *swap.XForY

	evt := &SwapEvent{
		TimestampMs: int64(tx.TimestampMs),
		Digest:      tx.Digest,
		Seq:         seq,
		PoolID:      *swap.PoolID,
		ZeroForOne:  zeroForOne,
		Tick:        SignCorrectTick(swap.TickIndex.Bits),
	}

	if zeroForOne {
		evt.AmountIn, evt.AmountOut = amountX, amountY
	} else {
		evt.AmountIn, evt.AmountOut = amountY, amountX
	}

	evt.SqrtPriceBeforeX64 = sqrtBefore
	evt.FeeAmount = feeAmount
	evt.ProtocolFee = protocolFee

	if repay == nil {
		sqrtAfter, okAfter := parseUint256(swap.SqrtPriceAfter)
		liquidity, _ := parseUint256(swap.Liquidity)
		if !okAfter || !okRX || !okRY {
			return nil, fmt.Errorf("%w: missing sqrt_price_after/reserves", ErrIncompleteEvent)
		}
		if liquidity == nil {
			liquidity = new(uint256.Int)
		}
		evt.SqrtPriceAfterX64 = sqrtAfter
		evt.Reserve0 = reserveX
		evt.Reserve1 = reserveY
		evt.Liquidity = liquidity
		return evt, nil
	}

	// Flash-repay collapse: the repay's final-state fields win, and the fee
	// absorbs any excess between what was paid back and what was owed.
	sqrtAfter, okAfter := parseUint256(repay.SqrtPriceAfter)
	repayReserveX, okRepayRX := parseUint256(repay.ReserveX)
	repayReserveY, okRepayRY := parseUint256(repay.ReserveY)
	repayTick := repay.TickIndex
	liquidity, _ := parseUint256(repay.Liquidity)
	if !okAfter || !okRepayRX || !okRepayRY || repayTick == nil {
		return nil, fmt.Errorf("%w: incomplete repay final state", ErrIncompleteEvent)
	}
	if liquidity == nil {
		liquidity = new(uint256.Int)
	}

	debtX, _ := parseUint256(repay.AmountXDebt)
	debtY, _ := parseUint256(repay.AmountYDebt)
	paidX, _ := parseUint256(repay.PaidX)
	paidY, _ := parseUint256(repay.PaidY)
	if debtX == nil || debtY == nil || paidX == nil || paidY == nil {
		return nil, fmt.Errorf("%w: incomplete repay debt accounting", ErrIncompleteEvent)
	}

	if zeroForOne {
		evt.AmountIn, evt.AmountOut = debtX, debtY
	} else {
		evt.AmountIn, evt.AmountOut = debtY, debtX
	}

	excessX := excessOverDebt(paidX, debtX)
	excessY := excessOverDebt(paidY, debtY)
	evt.FeeAmount = new(uint256.Int).Add(feeAmount, new(uint256.Int).Add(excessX, excessY))

	evt.SqrtPriceAfterX64 = sqrtAfter
	evt.Tick = SignCorrectTick(repayTick.Bits)
	evt.Reserve0 = repayReserveX
	evt.Reserve1 = repayReserveY
	evt.Liquidity = liquidity

	return evt, nil
}

// excessOverDebt returns max(paid-debt, 0) for unsigned values.
func excessOverDebt(paid, debt *uint256.Int) *uint256.Int {
	if paid.Lt(debt) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(paid, debt)
}
