// Package ingest streams aggregate-trade events from the exchange
// websocket for a fixed set of symbols and hands each decoded trade to the
// pipeline, reconnecting with exponential backoff whenever the connection
// drops.
package ingest

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"github.com/valyala/fastjson/fastfloat"

	"github.com/yourusername/perp-forwarder/internal/pipeline"
	"github.com/yourusername/perp-forwarder/internal/wire"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff      = 30 * time.Second
	backoffFactor   = 2
	jitterFraction  = 0.2

	idleTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 30 * time.Second
	writeWait    = 5 * time.Second
)

// Ingester streams aggTrade events for a fixed symbol set from one
// websocket connection, resubscribing on every reconnect.
type Ingester struct {
	url     string
	symbols []string
	out     *pipeline.Channel
}

// New builds an Ingester that dials wsURL (e.g.
// "wss://fstream.binance.com/ws") and issues a SUBSCRIBE for
// "<symbol>@aggTrade" per entry in symbols.
func New(wsURL string, symbols []string, out *pipeline.Channel) *Ingester {
	return &Ingester{
		url:     wsURL,
		symbols: append([]string(nil), symbols...),
		out:     out,
	}
}

// Run blocks until ctx is canceled, reconnecting with exponential backoff
// (500ms initial, 30s cap, factor 2, ±20% jitter) whenever the connection
// is lost.
func (in *Ingester) Run(ctx context.Context) {
	backoff := initialBackoff

	for ctx.Err() == nil {
		err := in.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("ingest: %v, reconnecting in %v", err, backoff)
		} else {
			backoff = initialBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= backoffFactor
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	scaled := time.Duration(float64(d) * jitter)
	if scaled > maxBackoff {
		scaled = maxBackoff
	}
	return scaled
}

func (in *Ingester) connectAndConsume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, in.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := in.subscribe(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		lastPong.Store(time.Now().UnixNano())
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go keepalive(ctx, conn, &lastPong, stop)

	conn.SetReadDeadline(time.Now().Add(idleTimeout))

	var parser fastjson.Parser
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		val, err := parser.ParseBytes(data)
		if err != nil {
			continue // malformed frame, dropped silently
		}
		trade, ok := decodeAggTrade(val)
		if !ok {
			continue // subscription ack or other control message
		}
		in.out.TrySend(trade)
	}
}

// keepalive originates a client ping every pingInterval and forces the
// connection closed if the previous ping has received no pong by the time
// the next one is due (pingInterval, equal to pongTimeout), or if ctx is
// canceled.
func keepalive(ctx context.Context, conn *websocket.Conn, lastPong *atomic.Int64, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var lastPing int64
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if lastPing != 0 && lastPong.Load() < lastPing {
				conn.Close()
				return
			}
			lastPing = time.Now().UnixNano()
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (in *Ingester) subscribe(conn *websocket.Conn) error {
	params := make([]string, len(in.symbols))
	for i, s := range in.symbols {
		params[i] = strings.ToLower(s) + "@aggTrade"
	}
	return conn.WriteJSON(subscribeRequest{Method: "SUBSCRIBE", Params: params, ID: 1})
}

// decodeAggTrade extracts the fields of a Binance-shaped aggTrade event
// straight from the parsed JSON tree, parsing the price/quantity numeric
// strings with fastfloat instead of allocating an intermediate string per
// field via strconv.ParseFloat. Non-aggTrade messages (subscription acks,
// errors) return ok=false.
//
// Combined-stream payloads arrive wrapped as {"stream":..., "data": {...}};
// the single-stream SUBSCRIBE protocol delivers the same event fields
// unwrapped at the top level, so an embedded "data" object is unwrapped
// first when present.
func decodeAggTrade(val *fastjson.Value) (wire.Trade, bool) {
	if data := val.Get("data"); data != nil {
		val = data
	}
	if string(val.GetStringBytes("e")) != "aggTrade" {
		return wire.Trade{}, false
	}

	price := fastfloat.ParseBestEffort(string(val.GetStringBytes("p")))
	qty := fastfloat.ParseBestEffort(string(val.GetStringBytes("q")))

	return wire.Trade{
		Timestamp:    val.GetInt64("T"),
		Symbol:       string(val.GetStringBytes("s")),
		Price:        price,
		Quantity:     qty,
		IsBuyerMaker: val.GetBool("m"),
	}, true
}
