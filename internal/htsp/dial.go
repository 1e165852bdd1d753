package htsp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/alexjbarnes/htsp-sync/internal/htsmsg"
	"github.com/coder/websocket"
)

// DefaultPort is the standard HTSP TCP port.
const DefaultPort = 9982

const defaultDialTimeout = 10 * time.Second

// DialOptions configures Dial.
type DialOptions struct {
	Options

	// DialTimeout bounds connection setup. Zero uses 10s.
	DialTimeout time.Duration
}

// Dial connects to an HTSP server. address is "host:port",
// "htsp://host[:port]", or a ws:// or wss:// URL of a WebSocket tunnel
// that carries the HTSP byte stream in binary messages.
func Dial(ctx context.Context, address string, opts DialOptions) (*Conn, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	network, target, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	var nc net.Conn

	switch network {
	case "tcp":
		var d net.Dialer

		nc, err = d.DialContext(dialCtx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", target, err)
		}
	case "ws":
		nc, err = dialWebSocket(dialCtx, target)
		if err != nil {
			return nil, err
		}
	}

	if opts.Logger != nil {
		opts.Logger.Info("connected",
			slog.String("address", address),
			slog.String("remote", nc.RemoteAddr().String()),
		)
	}

	return NewConn(nc, opts.Options), nil
}

// dialWebSocket opens a tunnel and exposes it as a byte stream. Each
// frame write becomes one binary message; reads see the concatenated
// message payloads.
func dialWebSocket(ctx context.Context, target string) (net.Conn, error) {
	ws, _, err := websocket.Dial(ctx, target, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket %s: %w", target, err)
	}

	ws.SetReadLimit(htsmsg.MaxFrameSize + htsmsg.HeaderSize)

	// The stream outlives ctx, which only bounds the dial.
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}

func parseAddress(address string) (network, target string, err error) {
	u, err := url.Parse(address)
	if err != nil || u.Scheme == "" || u.Host == "" {
		if _, _, splitErr := net.SplitHostPort(address); splitErr != nil {
			return "tcp", net.JoinHostPort(address, strconv.Itoa(DefaultPort)), nil
		}

		return "tcp", address, nil
	}

	switch u.Scheme {
	case "htsp":
		if u.Port() == "" {
			return "tcp", net.JoinHostPort(u.Hostname(), strconv.Itoa(DefaultPort)), nil
		}

		return "tcp", u.Host, nil
	case "ws", "wss":
		return "ws", address, nil
	}

	return "", "", fmt.Errorf("unsupported address scheme %q", u.Scheme)
}
