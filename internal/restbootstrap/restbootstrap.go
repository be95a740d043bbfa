// Package restbootstrap fetches the reference price and quantity for each
// configured asset before the websocket ingest starts, so the wire
// format's per-session Header has a reference point to compute deltas
// against.
package restbootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2
	jitterFraction = 0.2

	maxConsecutiveFailures = 5
	requestTimeout         = 5 * time.Second
)

// ErrBootstrapFailed is returned when an asset's reference data could not
// be fetched after maxConsecutiveFailures attempts.
var ErrBootstrapFailed = errors.New("restbootstrap: exceeded consecutive failure limit")

// Reference holds the last-trade snapshot used as the Header's reference
// price/quantity for one asset.
type Reference struct {
	Price    float64
	Quantity float64
}

// Client fetches last-trade reference snapshots from the exchange's REST
// API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "https://fapi.binance.com").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

type aggTrade struct {
	Price    string `json:"p"`
	Quantity string `json:"q"`
}

// FetchOne retries GET /fapi/v1/aggTrades?symbol=<symbol>&limit=1 with the
// same backoff envelope as websocket reconnect, returning ErrBootstrapFailed
// after maxConsecutiveFailures attempts.
func (c *Client) FetchOne(ctx context.Context, symbol string) (Reference, error) {
	backoff := initialBackoff

	for attempt := 1; attempt <= maxConsecutiveFailures; attempt++ {
		ref, err := c.fetchOnce(ctx, symbol)
		if err == nil {
			return ref, nil
		}
		if attempt == maxConsecutiveFailures {
			return Reference{}, fmt.Errorf("%w: %s: %v", ErrBootstrapFailed, symbol, err)
		}

		select {
		case <-ctx.Done():
			return Reference{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
	return Reference{}, fmt.Errorf("%w: %s", ErrBootstrapFailed, symbol)
}

// FetchAll resolves the reference snapshot for every asset, returning
// parallel price/quantity slices in the same order as assets. The first
// asset to exhaust its retries aborts the whole bootstrap.
func (c *Client) FetchAll(ctx context.Context, assets []string) (prices, quantities []float64, err error) {
	prices = make([]float64, len(assets))
	quantities = make([]float64, len(assets))
	for i, symbol := range assets {
		ref, err := c.FetchOne(ctx, symbol)
		if err != nil {
			return nil, nil, err
		}
		prices[i] = ref.Price
		quantities[i] = ref.Quantity
	}
	return prices, quantities, nil
}

func (c *Client) fetchOnce(ctx context.Context, symbol string) (Reference, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/fapi/v1/aggTrades?symbol=%s&limit=1", c.baseURL, symbol)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return Reference{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Reference{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Reference{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var trades []aggTrade
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		return Reference{}, err
	}
	if len(trades) == 0 {
		return Reference{}, fmt.Errorf("no trades returned for %s", symbol)
	}

	price, err := strconv.ParseFloat(trades[0].Price, 64)
	if err != nil {
		return Reference{}, err
	}
	qty, err := strconv.ParseFloat(trades[0].Quantity, 64)
	if err != nil {
		return Reference{}, err
	}
	return Reference{Price: price, Quantity: qty}, nil
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
