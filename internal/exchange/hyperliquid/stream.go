package hyperliquid

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"perp-trading-agent/internal/logger"
)

const defaultWSEndpoint = "wss://api.hyperliquid.xyz/ws"

// PriceHandler receives every mid-price update from the stream.
type PriceHandler func(ctx context.Context, symbol string, price float64)

// Stream subscribes to the allMids websocket channel and forwards prices.
// Reconnects with backoff until the context is cancelled.
type Stream struct {
	endpoint string
	universe map[string]bool
	handler  PriceHandler
}

func NewStream(universe []string, handler PriceHandler) *Stream {
	endpoint := defaultWSEndpoint
	if ep := os.Getenv("HL_WS_ENDPOINT"); ep != "" {
		endpoint = ep
	}
	set := make(map[string]bool, len(universe))
	for _, s := range universe {
		set[s] = true
	}
	return &Stream{endpoint: endpoint, universe: set, handler: handler}
}

const (
	streamInitialBackoff = time.Second
	streamMaxBackoff     = 30 * time.Second
	streamHealthyAfter   = time.Minute
)

// nextBackoff picks the delay before the next dial attempt. A session that
// stayed up past streamHealthyAfter restarts the ladder at the bottom;
// anything shorter doubles the previous delay up to the cap.
func nextBackoff(prev, session time.Duration) time.Duration {
	if session >= streamHealthyAfter || prev < streamInitialBackoff {
		return streamInitialBackoff
	}
	next := prev * 2
	if next > streamMaxBackoff {
		next = streamMaxBackoff
	}
	return next
}

// Run connects and pumps price updates until ctx is done.
func (s *Stream) Run(ctx context.Context) {
	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := s.connectAndPump(ctx)
		backoff = nextBackoff(backoff, time.Since(start))
		if err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "Price stream disconnected, reconnecting",
				"error", err, "backoff", backoff.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Stream) connectAndPump(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{
		"method":       "subscribe",
		"subscription": map[string]string{"type": "allMids"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	logger.Info(ctx, "Price stream connected", "endpoint", s.endpoint)

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(ctx, msg)
	}
}

func (s *Stream) dispatch(ctx context.Context, msg []byte) {
	var frame struct {
		Channel string `json:"channel"`
		Data    struct {
			Mids map[string]string `json:"mids"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Channel != "allMids" {
		return
	}
	for symbol, raw := range frame.Data.Mids {
		if !s.universe[symbol] {
			continue
		}
		if price, err := strconv.ParseFloat(raw, 64); err == nil && price > 0 {
			s.handler(ctx, symbol, price)
		}
	}
}
