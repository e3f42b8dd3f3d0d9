package gocapnweb

import (
	"context"
	"sync"
)

// MethodFunc implements one RPC method exposed by a BaseRpcTarget.
type MethodFunc func(ctx context.Context, args *RpcPayload) (*RpcPayload, error)

// BaseRpcTarget is a convenience RpcTarget backed by a registration map,
// in the same spirit as the teacher's method-table dispatch: application
// code registers named methods and properties once at startup, and Call/Get
// route wire paths into them without any reflection.
type BaseRpcTarget struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
	props   map[string]any
}

func NewBaseRpcTarget() *BaseRpcTarget {
	return &BaseRpcTarget{methods: make(map[string]MethodFunc), props: make(map[string]any)}
}

// Method registers a callable method under name. Returns the receiver so
// registrations can be chained.
func (t *BaseRpcTarget) Method(name string, fn MethodFunc) *BaseRpcTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[name] = fn
	return t
}

// Property registers a plain value (or nested capability) readable under
// name.
func (t *BaseRpcTarget) Property(name string, value any) *BaseRpcTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.props[name] = value
	return t
}

// Call dispatches a method call addressed by path's final element.
func (t *BaseRpcTarget) Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error) {
	if len(path) == 0 {
		if args != nil {
			args.Dispose()
		}
		return nil, ErrBadRequest("no method specified")
	}
	name := path[len(path)-1].String()
	t.mu.RLock()
	fn, ok := t.methods[name]
	t.mu.RUnlock()
	if !ok {
		if args != nil {
			args.Dispose()
		}
		return nil, ErrNotFound("no such method: " + name)
	}
	return fn(ctx, args)
}

// Get reads a registered property, or returns the target itself when path
// is empty (the capability's identity, for e.g. round-tripping it back
// over the wire unchanged).
func (t *BaseRpcTarget) Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error) {
	if len(path) == 0 {
		return NewOwnedPayload(NewRpcStub(NewTargetStubHook(t))), nil
	}
	name := path[0].String()
	t.mu.RLock()
	v, ok := t.props[name]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound("no such property: " + name)
	}
	if len(path) > 1 {
		return (&PayloadStubHook{Value: v}).Get(ctx, path[1:])
	}
	return NewOwnedPayload(v), nil
}
