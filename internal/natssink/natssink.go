// Package natssink is the optional NATS publish sink: it republishes the
// same header and trade frames as the TCP and SHM sinks, fire-and-forget,
// onto subject-prefixed subjects so that any number of downstream NATS
// consumers can subscribe without the forwarder tracking them.
package natssink

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yourusername/perp-forwarder/internal/wire"
)

// Sink publishes framed header/trade payloads to a NATS subject space
// rooted at a configurable prefix.
type Sink struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials url and returns a Sink that publishes under
// "<prefix>.header" and "<prefix>.<SYMBOL>".
func Connect(url, subjectPrefix string) (*Sink, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("natssink: connect: %w", err)
	}
	return &Sink{conn: conn, prefix: subjectPrefix}, nil
}

// Close flushes and closes the underlying NATS connection.
func (s *Sink) Close() error {
	s.conn.Close()
	return nil
}

// PublishHeader publishes the length-prefixed header bytes once, at
// session start, to "<prefix>.header".
func (s *Sink) PublishHeader(header []byte) error {
	return s.conn.Publish(s.prefix+".header", wire.FrameLength(nil, header))
}

// PublishTrade publishes one length-prefixed encoded trade to
// "<prefix>.<symbol>", fire-and-forget: a publish error is returned to the
// caller but never retried, matching the at-most-once discipline of the
// TCP and SHM sinks.
func (s *Sink) PublishTrade(symbol string, trade []byte) error {
	return s.conn.Publish(s.prefix+"."+symbol, wire.FrameLength(nil, trade))
}
