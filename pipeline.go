package gocapnweb

import "context"

// PipelineBatch groups several pipelined operations so they are flushed to
// the peer in a single round trip instead of one per call. This is an
// explicit client-side convenience: Go has no implicit microtask queue to
// coalesce synchronous calls the way a promise-based client would, so
// callers that want pipelining opt into a batch instead of getting it for
// free from call syntax alone.
type PipelineBatch struct {
	session *Session
}

func NewPipelineBatch(session *Session) *PipelineBatch {
	return &PipelineBatch{session: session}
}

// Call queues a pipelined method call against target and returns
// immediately with a promise for its result; no round trip happens until
// Send is called.
func (b *PipelineBatch) Call(ctx context.Context, target *RpcStub, path []PropertyKey, args any) *RpcPromise {
	payload, err := target.Call(ctx, path, NewOwnedPayload(args))
	if err != nil {
		return NewRpcPromise(NewErrorStubHook(AsRpcError(err)))
	}
	return promiseFromPayload(payload)
}

// Get queues a pipelined property read against target.
func (b *PipelineBatch) Get(ctx context.Context, target *RpcStub, path []PropertyKey) *RpcPromise {
	payload, err := target.Get(ctx, path)
	if err != nil {
		return NewRpcPromise(NewErrorStubHook(AsRpcError(err)))
	}
	return promiseFromPayload(payload)
}

func promiseFromPayload(payload *RpcPayload) *RpcPromise {
	stub, ok := payload.Value.(*RpcStub)
	if !ok {
		return NewRpcPromise(NewErrorStubHook(ErrInternal("pipelined operation did not return a capability")))
	}
	return NewRpcPromise(stub.hook)
}

// Send flushes every operation queued on the batch so far to the peer in
// one round trip.
func (b *PipelineBatch) Send(ctx context.Context) error {
	return b.session.flush(ctx)
}
