// Package wstransport carries bridge envelopes over a WebSocket, for runtimes that are not
// embedded as a frame (headless builds, remote simulators, test rigs).
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"simlab-telemetry/internal/bridge"
)

// DefaultWriteTimeout bounds a single envelope write.
const DefaultWriteTimeout = 5 * time.Second

// Transport is a bridge.Transport over one WebSocket connection.
type Transport struct {
	conn         *websocket.Conn
	peerOrigin   string
	writeTimeout time.Duration
}

var _ bridge.Transport = (*Transport)(nil)

// Post writes one envelope as a text message.
func (t *Transport) Post(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Write(writeCtx, websocket.MessageText, data)
}

// PeerOrigin is the origin inbound messages are attributed to.
func (t *Transport) PeerOrigin() string { return t.peerOrigin }

// Close closes the connection normally.
func (t *Transport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// Run reads messages until ctx is done or the connection closes, handing each to b.Receive.
// Messages the bridge rejects are dropped; the connection stays open.
func (t *Transport) Run(ctx context.Context, b *bridge.Bridge, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("wstransport: read: %w", err)
		}
		if typ != websocket.MessageText {
			logger.Debug("wstransport: ignoring binary message", "bytes", len(data))
			continue
		}
		if err := b.Receive(t.peerOrigin, data); err != nil {
			logger.Debug("wstransport: message ignored", "error", err)
		}
	}
}

// Dial connects to a runtime at rawURL (ws:// or wss://). hostOrigin is sent as the Origin
// header; inbound messages are attributed to the runtime's own origin derived from rawURL.
func Dial(ctx context.Context, rawURL, hostOrigin string) (*Transport, error) {
	peer, err := originOf(rawURL)
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{}
	if hostOrigin != "" {
		opts.HTTPHeader = http.Header{"Origin": []string{hostOrigin}}
	}
	conn, _, err := websocket.Dial(ctx, rawURL, opts)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %s: %w", rawURL, err)
	}
	return &Transport{conn: conn, peerOrigin: peer, writeTimeout: DefaultWriteTimeout}, nil
}

// Handler accepts a runtime connecting to the host. The connection is bound to b as its
// transport and served until it closes. Only origins in allowed may connect.
func Handler(b *bridge.Bridge, allowed []string, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return nil, bridge.ErrWildcardOrigin
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("wstransport: invalid origin %q", o)
		}
		patterns = append(patterns, u.Host)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
		if err != nil {
			logger.Warn("wstransport: accept failed", "error", err)
			return
		}
		t := &Transport{conn: conn, peerOrigin: r.Header.Get("Origin"), writeTimeout: DefaultWriteTimeout}
		b.SetTransport(t)
		defer b.SetTransport(nil)
		if err := t.Run(r.Context(), b, logger); err != nil {
			logger.Warn("wstransport: connection ended", "error", err)
			conn.CloseNow()
			return
		}
		_ = t.Close()
	}), nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("wstransport: parse %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return "", errors.New("wstransport: url has no host")
	}
	switch u.Scheme {
	case "ws", "http":
		return "http://" + u.Host, nil
	case "wss", "https":
		return "https://" + u.Host, nil
	}
	return "", fmt.Errorf("wstransport: unsupported scheme %q", u.Scheme)
}
