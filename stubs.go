package gocapnweb

import "context"

// RpcStub is the handle application and session code actually hold:
// a capability reference backed by whichever StubHook variant applies.
// RpcStub implements Capability so it can sit inside an RpcPayload's
// value tree and be dup'd/disposed along with it.
type RpcStub struct {
	hook StubHook
}

func NewRpcStub(hook StubHook) *RpcStub { return &RpcStub{hook: hook} }

// Call invokes the method addressed by path's final element.
func (s *RpcStub) Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error) {
	return s.hook.Call(ctx, path, args)
}

// Get reads the property addressed by path.
func (s *RpcStub) Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error) {
	return s.hook.Get(ctx, path)
}

// Pull resolves the stub to a concrete payload.
func (s *RpcStub) Pull(ctx context.Context) (*RpcPayload, error) {
	return s.hook.Pull(ctx)
}

// Dispose releases this stub's reference to its backing capability.
func (s *RpcStub) Dispose() { s.hook.Dispose() }

func (s *RpcStub) dup() Capability      { return &RpcStub{hook: s.hook.Dup()} }
func (s *RpcStub) disposeCapability()   { s.hook.Dispose() }

// RpcPromise is an RpcStub known to still be pending resolution on the
// other side of the connection. It adds Map, the client-side entry point
// for building a remap instruction program (mapper.go) that the peer will
// execute once per element of the eventual array result, without an extra
// round trip per element.
type RpcPromise struct {
	*RpcStub
}

func NewRpcPromise(hook StubHook) *RpcPromise {
	return &RpcPromise{RpcStub: &RpcStub{hook: hook}}
}

// Map records a transformation to apply to each element of this promise's
// eventual array result, producing a new promise for the transformed
// array. When this promise is backed by a remote import or promise, fn is
// invoked exactly once, synchronously, with a placeholder MapVariable
// standing in for one element; whatever operations it performs on that
// placeholder become the remap program queued for the peer. Otherwise fn
// is not called and the returned promise fails with bad_request.
func (p *RpcPromise) Map(fn func(*MapVariable) any) *RpcPromise {
	return buildMapPromise(p, fn)
}
