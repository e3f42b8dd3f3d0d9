package gocapnweb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackTransport wires a client session directly to a server session in
// memory, without any actual network, so client.go/pipeline.go can be
// exercised end to end.
type loopbackTransport struct {
	server *Session
}

func (t *loopbackTransport) SendAndReceive(ctx context.Context, messages []Message) ([]Message, error) {
	return t.server.HandleBatch(ctx, messages), nil
}

func (t *loopbackTransport) Close() error { return nil }

func TestClientPipelineBatchRoundTrip(t *testing.T) {
	server := NewSession(newTestTarget(), SessionOptions{})
	transport := &loopbackTransport{server: server}
	clientSession := NewClientSession(transport, nil, SessionOptions{})

	batch := NewPipelineBatch(clientSession)
	promise := batch.Call(context.Background(), clientSession.MainImport(), []PropertyKey{StringKey("hello")}, []any{"Loopback"})
	require.NoError(t, batch.Send(context.Background()))

	payload, err := promise.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello, Loopback!", payload.Value)
}

func TestClientCloseClearsTables(t *testing.T) {
	server := NewSession(newTestTarget(), SessionOptions{})
	transport := &loopbackTransport{server: server}
	client := &Client{transport: transport, session: NewClientSession(transport, nil, SessionOptions{})}

	require.True(t, client.session.exports.Contains(0))
	err := client.Close()
	assert.NoError(t, err)
	assert.False(t, client.session.exports.Contains(0))
}
