package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	wsDialTimeout       = 30 * time.Second
	wsBaseReconnect     = 5 * time.Second
	wsMaxReconnect      = 5 * time.Minute
	wsMaxReconnectTries = 10
)

// klineFrame is the wire shape of one pushed candle update. Fields
// follow the common exchange convention of single-letter keys.
type klineFrame struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
}

// WSKlineStream maintains a websocket subscription to one symbol's
// kline feed, reconnecting with exponential backoff, and forwards
// decoded candles on a channel. It is a latency optimization only; the
// syncer's REST polling stays authoritative.
type WSKlineStream struct {
	baseURL string
	log     zerolog.Logger
}

// NewWSKlineStream constructs a stream helper against baseURL
// (ws:// or wss://).
func NewWSKlineStream(baseURL string, log zerolog.Logger) *WSKlineStream {
	return &WSKlineStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.With().Str("component", "ws_kline_stream").Logger(),
	}
}

// Stream opens the subscription and returns a channel of every decoded
// kline update; updates for bars still forming are not filtered out.
// The channel closes when ctx is cancelled or reconnection attempts are
// exhausted.
func (w *WSKlineStream) Stream(ctx context.Context, symbol, interval string) (<-chan Kline, error) {
	if w.baseURL == "" {
		return nil, fmt.Errorf("ws stream: no base url configured")
	}

	url := fmt.Sprintf("%s/ws/%s@kline_%s", w.baseURL, strings.ToLower(symbol), interval)
	out := make(chan Kline, 16)

	go func() {
		defer close(out)

		attempts := 0
		for {
			if ctx.Err() != nil {
				return
			}

			err := w.readLoop(ctx, url, out)
			if ctx.Err() != nil {
				return
			}

			attempts++
			if attempts > wsMaxReconnectTries {
				w.log.Warn().Str("symbol", symbol).Msg("websocket reconnect budget exhausted, stream closed")
				return
			}

			delay := time.Duration(float64(wsBaseReconnect) * math.Pow(2, float64(attempts-1)))
			if delay > wsMaxReconnect {
				delay = wsMaxReconnect
			}
			w.log.Warn().Err(err).Str("symbol", symbol).Dur("retry_in", delay).Msg("websocket disconnected, reconnecting")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()

	return out, nil
}

func (w *WSKlineStream) readLoop(ctx context.Context, url string, out chan<- Kline) error {
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var frame klineFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.log.Debug().Err(err).Msg("unparseable kline frame, skipping")
			continue
		}

		k, err := frame.toKline()
		if err != nil {
			w.log.Debug().Err(err).Msg("malformed kline frame, skipping")
			continue
		}

		select {
		case out <- k:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f klineFrame) toKline() (Kline, error) {
	var k Kline
	k.OpenTimeMs = f.OpenTime
	k.CloseTimeMs = f.CloseTime
	for _, field := range []struct {
		raw string
		dst *float64
	}{
		{f.Open, &k.Open}, {f.High, &k.High}, {f.Low, &k.Low}, {f.Close, &k.Close}, {f.Volume, &k.Volume},
	} {
		if _, err := fmt.Sscanf(field.raw, "%f", field.dst); err != nil {
			return k, fmt.Errorf("parse %q: %w", field.raw, err)
		}
	}
	return k, nil
}
