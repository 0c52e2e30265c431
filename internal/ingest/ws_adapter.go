// ws_adapter.go consumes a vendor WebSocket push feed.
//
// The adapter owns its connection lifecycle: on any read or dial failure it
// reconnects with exponential backoff (1s base, 30s cap, jittered) and
// re-subscribes to every tracked symbol before resuming reads. Next therefore
// only fails on context cancellation or adapter Close.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// WSAdapter is a push vendor adapter over WebSocket.
type WSAdapter struct {
	source string
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
	closed  bool

	offset uint64
	bo     *backoff.Backoff
}

// wsSubscribe is the subscription frame the feed expects.
type wsSubscribe struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPongWait         = 30 * time.Second
)

// NewWSAdapter builds a push adapter for the given feed URL.
func NewWSAdapter(source, url string, logger *slog.Logger) *WSAdapter {
	return &WSAdapter{
		source:  source,
		url:     url,
		logger:  logger.With("component", "ws_adapter", "source", source),
		symbols: make(map[string]struct{}),
		bo:      &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true},
	}
}

func (a *WSAdapter) Source() string { return a.source }

// Next blocks for the next pushed record, reconnecting as needed.
func (a *WSAdapter) Next(ctx context.Context) (Raw, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Raw{}, err
		}
		conn, err := a.ensureConn(ctx)
		if err != nil {
			return Raw{}, err
		}

		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			a.dropConn(conn)
			wait := a.bo.Duration()
			a.logger.Warn("read failed, reconnecting", "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return Raw{}, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		a.bo.Reset()
		a.offset++
		return Raw{Data: msg, Offset: a.offset, At: time.Now()}, nil
	}
}

// ensureConn returns the live connection, dialing and re-subscribing when
// there is none.
func (a *WSAdapter) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("adapter %s closed", a.source)
	}
	if a.conn != nil {
		return a.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.url, err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	if len(a.symbols) > 0 {
		if err := a.sendSubscribe(conn, a.symbolList()); err != nil {
			conn.Close()
			return nil, err
		}
	}
	a.conn = conn
	a.logger.Info("connected", "url", a.url, "symbols", len(a.symbols))
	return conn, nil
}

// dropConn discards conn if it is still current, so Next redials.
func (a *WSAdapter) dropConn(conn *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == conn {
		conn.Close()
		a.conn = nil
	}
}

func (a *WSAdapter) sendSubscribe(conn *websocket.Conn, symbols []string) error {
	frame, err := json.Marshal(wsSubscribe{Op: "subscribe", Symbols: symbols})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("subscribe %s: %w", a.source, err)
	}
	return nil
}

func (a *WSAdapter) symbolList() []string {
	out := make([]string, 0, len(a.symbols))
	for s := range a.symbols {
		out = append(out, s)
	}
	return out
}

// Commit is a no-op; push feeds carry no replayable offset.
func (a *WSAdapter) Commit(uint64) error { return nil }

// Subscribe adds symbols to the tracked set and, when connected, sends the
// incremental subscription. The full set is replayed on every reconnect.
func (a *WSAdapter) Subscribe(symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	fresh := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := a.symbols[s]; !ok {
			a.symbols[s] = struct{}{}
			fresh = append(fresh, s)
		}
	}
	if a.conn == nil || len(fresh) == 0 {
		return nil
	}
	return a.sendSubscribe(a.conn, fresh)
}

func (a *WSAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}
