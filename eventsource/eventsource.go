// Package eventsource implements the two EventSource backends named in the
// external interfaces: a directory of JSON page files, and a tabular store
// queried over GORM. Both yield the same normalized event.SwapEvent stream
// in (timestamp_ms, digest, seq) order.
package eventsource

import (
	"context"

	"github.com/CoinSummer/clamm-backtest/event"
)

// Source is a lazy, time-ordered, finite sequence of SwapEvents for one pool.
// Determinism requires a single consumer: the Engine drains it sequentially
// and never re-reads an event once Next has returned it.
type Source interface {
	// Next returns the next event in order, or ok=false once the source is
	// exhausted. It is the sole suspension point on the I/O side of the
	// Engine's step loop.
	Next(ctx context.Context) (evt *event.SwapEvent, ok bool, err error)
	// Close releases any held resources (store connection, open file).
	Close() error
}
