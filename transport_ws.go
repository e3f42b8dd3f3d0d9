package gocapnweb

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport keeps one connection open for the life of the
// session, sending each message as its own text frame and delivering
// inbound frames to an attached session asynchronously as they arrive,
// rather than waiting for a matched response per send (spec's bidirectional
// streaming transport).
type WebSocketTransport struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	session *Session
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewWebSocketTransport dials endpoint as a client.
func NewWebSocketTransport(endpoint string) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, err
	}
	t := &WebSocketTransport{conn: conn}
	go t.readLoop()
	return t, nil
}

// NewServerWebSocketTransport wraps an already-upgraded connection and
// starts its read loop in the background.
func NewServerWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn}
	go t.readLoop()
	return t
}

// AttachSession wires the transport's read loop to deliver incoming
// messages to session, one batch-of-one at a time.
func (t *WebSocketTransport) AttachSession(session *Session) {
	t.mu.Lock()
	t.session = session
	t.mu.Unlock()
}

func (t *WebSocketTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			continue
		}
		t.mu.Lock()
		session := t.session
		t.mu.Unlock()
		if session != nil {
			responses := session.HandleBatch(context.Background(), []Message{msg})
			for _, resp := range responses {
				_ = t.writeMessage(resp)
			}
		}
	}
}

func (t *WebSocketTransport) writeMessage(msg Message) error {
	line, err := SerializeMessage(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, line)
}

// SendAndReceive writes every message as its own frame and returns
// immediately; any responses arrive via the attached session's read loop,
// which is what eventually unblocks whatever pullImport call triggered
// this send.
func (t *WebSocketTransport) SendAndReceive(ctx context.Context, messages []Message) ([]Message, error) {
	for _, m := range messages {
		if err := t.writeMessage(m); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}
