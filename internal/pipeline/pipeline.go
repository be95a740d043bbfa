// Package pipeline wires the single ingest goroutine to the transport sinks
// through one bounded channel, applying the drop-newest overload policy
// described for the forwarder's data path.
package pipeline

import (
	"sync/atomic"

	"github.com/yourusername/perp-forwarder/internal/wire"
)

// DefaultCapacity is the channel depth used when the caller does not
// override it via configuration.
const DefaultCapacity = 4096

// Channel is the bounded ingest-to-sink handoff. The producer side
// (ingest) never blocks: a full channel drops the newest trade and counts
// it, since market data is perishable and a blocked ingest goroutine risks
// losing the websocket connection entirely.
type Channel struct {
	trades  chan wire.Trade
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// New creates a Channel with the given capacity.
func New(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{trades: make(chan wire.Trade, capacity)}
}

// TrySend attempts a non-blocking send. If the channel is full, the trade
// is dropped and the dropped counter is incremented; TrySend never blocks
// the caller.
func (c *Channel) TrySend(t wire.Trade) {
	select {
	case c.trades <- t:
		c.sent.Add(1)
	default:
		c.dropped.Add(1)
	}
}

// Recv returns the receive side of the channel for sink consumers to range
// over.
func (c *Channel) Recv() <-chan wire.Trade {
	return c.trades
}

// Stats is a point-in-time snapshot of the channel's counters.
type Stats struct {
	Sent    uint64
	Dropped uint64
	Depth   int
}

// Snapshot returns the current counters and queue depth.
func (c *Channel) Snapshot() Stats {
	return Stats{
		Sent:    c.sent.Load(),
		Dropped: c.dropped.Load(),
		Depth:   len(c.trades),
	}
}
