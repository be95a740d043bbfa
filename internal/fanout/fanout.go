// Package fanout implements the TCP transport sink: a listener that
// accepts any number of subscribers, sends each a handshake and the
// session header, then streams length-prefixed trade frames to every
// connected subscriber, disconnecting any subscriber that falls behind
// rather than blocking the producer or its peers.
package fanout

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/perp-forwarder/internal/wire"
)

// DefaultSendBuffer is the number of pending frames a subscriber may lag
// behind before it is disconnected as a SlowConsumer.
const DefaultSendBuffer = 1024

// writeDeadline bounds how long a single frame write may take before the
// subscriber is considered unresponsive.
const writeDeadline = 5 * time.Second

// ErrSlowConsumer is logged (not returned to callers) when a subscriber's
// send buffer overflows and the connection is dropped.
var ErrSlowConsumer = errors.New("fanout: subscriber lagged past send buffer, disconnected")

// Hub accepts TCP subscribers and broadcasts trade frames to all of them.
type Hub struct {
	header     []byte
	sendBuffer int

	mu      sync.RWMutex
	clients map[*subscriber]struct{}

	connected atomic.Int64
}

type subscriber struct {
	conn net.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
		s.conn.Close()
	})
}

// New builds a Hub that greets every subscriber with header (the raw
// encoded bytes of the session Header, written after the handshake).
func New(header []byte) *Hub {
	return &Hub{
		header:     header,
		sendBuffer: DefaultSendBuffer,
		clients:    make(map[*subscriber]struct{}),
	}
}

// Serve accepts connections on ln until it is closed, registering each one
// as a subscriber. It blocks; call it from its own goroutine.
func (h *Hub) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go h.onAccept(conn)
	}
}

func (h *Hub) onAccept(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	if _, err := conn.Write(wire.Handshake[:]); err != nil {
		conn.Close()
		return
	}
	if _, err := conn.Write(h.header); err != nil {
		conn.Close()
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, h.sendBuffer)}
	h.register(sub)
	defer h.unregister(sub)

	h.writeLoop(sub)
}

func (h *Hub) register(s *subscriber) {
	h.mu.Lock()
	h.clients[s] = struct{}{}
	h.mu.Unlock()
	h.connected.Add(1)
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.clients[s]; ok {
		delete(h.clients, s)
		h.connected.Add(-1)
	}
	h.mu.Unlock()
	s.close()
}

// writeLoop drains one subscriber's send queue onto its socket until the
// queue is closed (disconnect) or a write fails.
func (h *Hub) writeLoop(s *subscriber) {
	for frame := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if _, err := s.conn.Write(frame); err != nil {
			return
		}
	}
}

// Broadcast frames payload and enqueues it for every connected subscriber.
// A subscriber whose queue is already full is disconnected as a
// SlowConsumer instead of blocking this call or any other subscriber.
func (h *Hub) Broadcast(payload []byte) {
	frame := wire.FrameLength(nil, payload)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.clients {
		select {
		case s.send <- frame:
		default:
			log.Printf("%v", ErrSlowConsumer)
			go h.unregister(s)
		}
	}
}

// ConnectedSubscribers returns the current number of registered
// subscribers.
func (h *Hub) ConnectedSubscribers() int64 {
	return h.connected.Load()
}
