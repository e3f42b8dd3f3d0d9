package gocapnweb

import (
	"context"
	"fmt"
	"net/url"
)

// Transport is how a client Session exchanges a batch of messages with a
// peer. Three reference implementations are provided, selected by URL
// scheme via NewTransport: HTTP batch (http/https), WebSocket (ws/wss),
// and HTTP/3 stream (h3).
type Transport interface {
	// SendAndReceive ships messages to the peer and returns whatever batch
	// of response messages it sends back.
	SendAndReceive(ctx context.Context, messages []Message) ([]Message, error)
	Close() error
}

// NewTransport builds the reference transport matching target's scheme.
func NewTransport(target string) (Transport, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid rpc endpoint url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPBatchTransport(target), nil
	case "ws", "wss":
		return NewWebSocketTransport(target)
	case "h3":
		return NewHTTP3Transport(target)
	default:
		return nil, fmt.Errorf("unsupported rpc endpoint scheme: %q", u.Scheme)
	}
}
