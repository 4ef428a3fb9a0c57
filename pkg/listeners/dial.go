package listeners

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DialConfig describes how to reach the upstream broker.
type DialConfig struct {
	// Address is host:port, optionally prefixed with tcp://, tls://,
	// ws:// or wss://. A bare host:port uses TLS when TLSConfig is set.
	Address string

	// TLSConfig is used for tls:// and wss:// upstreams.
	TLSConfig *tls.Config

	// Timeout bounds connection setup. Zero means no timeout beyond ctx.
	Timeout time.Duration
}

// Dial connects to the upstream broker described by cfg.
func Dial(ctx context.Context, cfg DialConfig) (net.Conn, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	scheme, host := splitScheme(cfg.Address)
	if scheme == "" {
		scheme = "tcp"
		if cfg.TLSConfig != nil {
			scheme = "tls"
		}
	}

	switch scheme {
	case "tcp", "mqtt":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", host)

	case "tls", "ssl", "mqtts":
		d := tls.Dialer{Config: cfg.TLSConfig}
		return d.DialContext(ctx, "tcp", host)

	case "ws", "wss":
		dialer := websocket.Dialer{
			Subprotocols:     []string{Subprotocol},
			TLSClientConfig:  cfg.TLSConfig,
			HandshakeTimeout: cfg.Timeout,
		}
		ws, _, err := dialer.DialContext(ctx, cfg.Address, nil)
		if err != nil {
			return nil, err
		}
		return WrapWebSocket(ws, ""), nil

	default:
		return nil, fmt.Errorf("unsupported upstream scheme %q", scheme)
	}
}

func splitScheme(addr string) (scheme, host string) {
	if !strings.Contains(addr, "://") {
		return "", addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", addr
	}
	return strings.ToLower(u.Scheme), u.Host
}
