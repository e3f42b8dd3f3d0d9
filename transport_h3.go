package gocapnweb

import (
	"bufio"
	"context"
	"crypto/tls"
	"strings"
	"sync"

	quic "github.com/lucas-clemente/quic-go"
)

// HTTP3Transport carries the protocol over a single QUIC stream, one JSON
// message per newline-terminated line. Endpoint URLs
// use the "h3://host:port" scheme (plain QUIC, not full HTTP/3 semantics —
// this reuses the transport for its multiplexed, low-latency properties
// without pulling in a full HTTP/3 server stack the teacher never had).
type HTTP3Transport struct {
	mu         sync.Mutex
	conn       quic.Session
	stream     quic.Stream
	writer     *bufio.Writer
	rpcSession *Session
}

func NewHTTP3Transport(endpoint string) (*HTTP3Transport, error) {
	addr := strings.TrimPrefix(strings.TrimPrefix(endpoint, "h3://"), "H3://")
	conn, err := quic.DialAddr(addr, &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"capnweb"}}, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	t := &HTTP3Transport{conn: conn, stream: stream, writer: bufio.NewWriter(stream)}
	go t.readLoop()
	return t, nil
}

func (t *HTTP3Transport) AttachSession(session *Session) {
	t.mu.Lock()
	t.rpcSession = session
	t.mu.Unlock()
}

func (t *HTTP3Transport) readLoop() {
	scanner := bufio.NewScanner(t.stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			continue
		}
		t.mu.Lock()
		session := t.rpcSession
		t.mu.Unlock()
		if session != nil {
			responses := session.HandleBatch(context.Background(), []Message{msg})
			for _, resp := range responses {
				_ = t.writeMessage(resp)
			}
		}
	}
}

func (t *HTTP3Transport) writeMessage(msg Message) error {
	line, err := SerializeMessage(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.Write(line); err != nil {
		return err
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return err
	}
	return t.writer.Flush()
}

func (t *HTTP3Transport) SendAndReceive(ctx context.Context, messages []Message) ([]Message, error) {
	for _, m := range messages {
		if err := t.writeMessage(m); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (t *HTTP3Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.stream.Close()
	return t.conn.CloseWithError(0, "closing")
}
