package gocapnweb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTarget() RpcTarget {
	target := NewBaseRpcTarget()
	target.Method("hello", func(ctx context.Context, args *RpcPayload) (*RpcPayload, error) {
		name := args.Value.([]any)[0].(string)
		return NewOwnedPayload("Hello, " + name + "!"), nil
	})
	target.Method("boom", func(ctx context.Context, args *RpcPayload) (*RpcPayload, error) {
		return nil, ErrBadRequest("refused")
	})
	target.Property("greeting", "hi")
	return target
}

func TestHandleBatchPushPullCall(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	messages := []Message{
		&PushMessage{Expression: &WirePipeline{TargetID: 0, Path: []PropertyKey{StringKey("hello")}, Args: []any{"World"}, HasArgs: true}},
		&PullMessage{ImportID: 1},
	}
	responses := session.HandleBatch(context.Background(), messages)
	require.Len(t, responses, 1)
	resolve, ok := responses[0].(*ResolveMessage)
	require.True(t, ok)
	assert.EqualValues(t, 1, resolve.ExportID)
	assert.Equal(t, "Hello, World!", resolve.Value)
}

func TestHandleBatchPullUnknownExport(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	responses := session.HandleBatch(context.Background(), []Message{&PullMessage{ImportID: 77}})
	require.Len(t, responses, 1)
	reject, ok := responses[0].(*RejectMessage)
	require.True(t, ok)
	we, ok := reject.Error.(*WireError)
	require.True(t, ok)
	assert.Equal(t, string(ErrorCodeNotFound), we.Type)
}

func TestHandleBatchCallErrorRejectsOnPull(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	messages := []Message{
		&PushMessage{Expression: &WirePipeline{TargetID: 0, Path: []PropertyKey{StringKey("boom")}, HasArgs: true, Args: []any{}}},
		&PullMessage{ImportID: 1},
	}
	responses := session.HandleBatch(context.Background(), messages)
	require.Len(t, responses, 1)
	reject, ok := responses[0].(*RejectMessage)
	require.True(t, ok)
	we := reject.Error.(*WireError)
	assert.Equal(t, string(ErrorCodeBadRequest), we.Type)
}

func TestHandleBatchGetProperty(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	messages := []Message{
		&PushMessage{Expression: &WirePipeline{TargetID: 0, Path: []PropertyKey{StringKey("greeting")}}},
		&PullMessage{ImportID: 1},
	}
	responses := session.HandleBatch(context.Background(), messages)
	require.Len(t, responses, 1)
	resolve := responses[0].(*ResolveMessage)
	assert.Equal(t, "hi", resolve.Value)
}

func TestHandlePipeliningWithinSingleBatch(t *testing.T) {
	// A pull against an export produced by an earlier push in the same
	// batch must see that push's result without a separate round trip.
	session := NewSession(newTestTarget(), SessionOptions{})
	messages := []Message{
		&PushMessage{Expression: &WirePipeline{TargetID: 0, Path: []PropertyKey{StringKey("hello")}, Args: []any{"Ada"}, HasArgs: true}},
		&PushMessage{Expression: &WirePipeline{TargetID: 0, Path: []PropertyKey{StringKey("hello")}, Args: []any{"Grace"}, HasArgs: true}},
		&PullMessage{ImportID: 1},
		&PullMessage{ImportID: 2},
	}
	responses := session.HandleBatch(context.Background(), messages)
	require.Len(t, responses, 2)
	assert.Equal(t, "Hello, Ada!", responses[0].(*ResolveMessage).Value)
	assert.Equal(t, "Hello, Grace!", responses[1].(*ResolveMessage).Value)
}

func TestHandleReleaseDisposesExport(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	session.HandleBatch(context.Background(), []Message{
		&PushMessage{Expression: &WirePipeline{TargetID: 0, Path: []PropertyKey{StringKey("greeting")}}},
	})
	require.True(t, session.exports.Contains(1))
	session.HandleBatch(context.Background(), []Message{&ReleaseMessage{ImportID: 1, RefCount: 1}})
	assert.False(t, session.exports.Contains(1))
}

func TestAbortRejectsPendingPulls(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	ch := make(chan pullOutcome, 1)
	session.mu.Lock()
	session.pending[5] = &pendingPull{resultCh: ch}
	session.mu.Unlock()

	session.HandleBatch(context.Background(), []Message{&AbortMessage{Error: &WireError{Type: "internal", Message: "dying"}}})

	select {
	case out := <-ch:
		require.NotNil(t, out.err)
		assert.Equal(t, "dying", out.err.Message)
	default:
		t.Fatal("expected pending pull to be rejected")
	}
}

func TestMainImportReturnsStableStub(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	first := session.MainImport()
	second := session.MainImport()
	assert.Same(t, first.hook, second.hook)
}
