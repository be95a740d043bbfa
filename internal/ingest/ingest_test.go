package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	"github.com/yourusername/perp-forwarder/internal/pipeline"
)

func TestDecodeAggTradeExtractsFields(t *testing.T) {
	raw := `{"e":"aggTrade","E":1672515782136,"s":"BTCUSDT","a":1,"p":"16850.00","q":"0.005","f":100,"l":105,"T":1672515782136,"m":true}`
	var p fastjson.Parser
	val, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	trade, ok := decodeAggTrade(val)
	if !ok {
		t.Fatal("decodeAggTrade = false, want true")
	}
	if trade.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", trade.Symbol)
	}
	if trade.Price != 16850.00 {
		t.Errorf("Price = %v, want 16850.00", trade.Price)
	}
	if trade.Quantity != 0.005 {
		t.Errorf("Quantity = %v, want 0.005", trade.Quantity)
	}
	if trade.Timestamp != 1672515782136 {
		t.Errorf("Timestamp = %d, want 1672515782136", trade.Timestamp)
	}
	if !trade.IsBuyerMaker {
		t.Error("IsBuyerMaker = false, want true")
	}
}

func TestDecodeAggTradeUnwrapsCombinedStreamEnvelope(t *testing.T) {
	raw := `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"100.25","q":"0.5","f":1,"l":1,"T":1700000000000,"m":false}}`
	var p fastjson.Parser
	val, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	trade, ok := decodeAggTrade(val)
	if !ok {
		t.Fatal("decodeAggTrade = false, want true")
	}
	if trade.Symbol != "BTCUSDT" || trade.Price != 100.25 || trade.Quantity != 0.5 {
		t.Errorf("trade = %+v, want BTCUSDT 100.25 0.5", trade)
	}
}

func TestDecodeAggTradeIgnoresControlMessages(t *testing.T) {
	raw := `{"result":null,"id":1}`
	var p fastjson.Parser
	val, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := decodeAggTrade(val); ok {
		t.Error("decodeAggTrade(subscription ack) = true, want false")
	}
}

func TestNextBackoffCapsAndStaysPositive(t *testing.T) {
	d := initialBackoff
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
		if d <= 0 {
			t.Fatalf("nextBackoff produced non-positive duration: %v", d)
		}
		if d > maxBackoff {
			t.Fatalf("nextBackoff exceeded cap: %v > %v", d, maxBackoff)
		}
	}
}

// fakeExchange is a minimal Binance-shaped websocket server: it records the
// SUBSCRIBE request it receives, then emits a single aggTrade event for the
// first subscribed symbol before leaving the connection open.
func fakeExchange(t *testing.T, onSubscribe chan<- subscribeRequest) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		onSubscribe <- req

		if len(req.Params) == 0 {
			return
		}
		symbol := strings.ToUpper(strings.TrimSuffix(req.Params[0], "@aggTrade"))
		event := fmt.Sprintf(`{"e":"aggTrade","E":1,"s":%q,"a":1,"p":"100.5","q":"2.0","f":1,"l":1,"T":1700000000000,"m":false}`, symbol)
		conn.WriteMessage(websocket.TextMessage, []byte(event))

		// Keep the connection open until the client tears it down.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestIngesterSubscribesAndDeliversTrade(t *testing.T) {
	subscribed := make(chan subscribeRequest, 1)
	srv := fakeExchange(t, subscribed)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	out := pipeline.New(16)
	in := New(wsURL, []string{"BTCUSDT"}, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	select {
	case req := <-subscribed:
		if req.Method != "SUBSCRIBE" || len(req.Params) != 1 || req.Params[0] != "btcusdt@aggTrade" {
			t.Errorf("subscribe request = %+v, want SUBSCRIBE [btcusdt@aggTrade]", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe request")
	}

	select {
	case trade := <-out.Recv():
		if trade.Symbol != "BTCUSDT" || trade.Price != 100.5 || trade.Quantity != 2.0 {
			t.Errorf("trade = %+v, want BTCUSDT 100.5 2.0", trade)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded trade")
	}
}
