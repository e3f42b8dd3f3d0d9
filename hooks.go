package gocapnweb

import "context"

// StubHook is the polymorphic backing behind every RpcStub (spec §5.2):
// calling, reading a property off, or pulling a stub all go through
// whichever hook variant currently backs it, without the stub itself
// needing to know whether the capability is local, remote, still pending,
// or an already-broken error.
type StubHook interface {
	// Call invokes the method named by the last element of path, passing
	// args, and returns a payload representing the (possibly still
	// pipelined) result.
	Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error)
	// Get reads the property addressed by path.
	Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error)
	// Pull resolves the hook to a concrete payload, blocking until any
	// pending remote round trip completes.
	Pull(ctx context.Context) (*RpcPayload, error)
	// Dispose releases whatever resource this hook holds (an export table
	// entry, an import table entry, a nested capability tree). Each call
	// drops one reference; it balances one Dup or the original reference.
	Dispose()
	// Dup returns a new reference to the same underlying capability,
	// incrementing whatever refcount backs it.
	Dup() StubHook
}

// RpcTarget is implemented by application capabilities exposed over RPC.
// BaseRpcTarget (target.go) provides a convenient method-registration
// implementation of it.
type RpcTarget interface {
	Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error)
	Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error)
}

// ErrorStubHook backs a stub that can never succeed: every operation
// rejects with the same RpcError (spec §5.2, "broken capabilities").
type ErrorStubHook struct {
	Err *RpcError
}

func NewErrorStubHook(err *RpcError) *ErrorStubHook { return &ErrorStubHook{Err: err} }

func (h *ErrorStubHook) Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error) {
	if args != nil {
		args.Dispose()
	}
	return nil, h.Err
}

func (h *ErrorStubHook) Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error) {
	return nil, h.Err
}

func (h *ErrorStubHook) Pull(ctx context.Context) (*RpcPayload, error) { return nil, h.Err }
func (h *ErrorStubHook) Dispose()                                     {}
func (h *ErrorStubHook) Dup() StubHook                                { return h }

// PayloadStubHook backs a stub over an already-resolved, local value tree
// (e.g. the result of a pull, or a plain value wrapped for export). Get
// traverses into the tree; Call is only valid if the addressed leaf is
// itself callable (another capability), otherwise it is a bad request.
type PayloadStubHook struct {
	Value any
}

func NewPayloadStubHook(value any) *PayloadStubHook { return &PayloadStubHook{Value: value} }

func (h *PayloadStubHook) resolvePath(path []PropertyKey) (any, error) {
	cur := h.Value
	for _, key := range path {
		switch container := cur.(type) {
		case map[string]any:
			v, ok := container[key.String()]
			if !ok {
				return nil, ErrNotFound("no such property: " + key.String())
			}
			cur = v
		case []any:
			if !key.IsInt || key.Int < 0 || int(key.Int) >= len(container) {
				return nil, ErrNotFound("index out of range: " + key.String())
			}
			cur = container[key.Int]
		default:
			return nil, ErrBadRequest("cannot traverse into a scalar value")
		}
	}
	return cur, nil
}

func (h *PayloadStubHook) Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error) {
	v, err := h.resolvePath(path)
	if err != nil {
		return nil, err
	}
	return NewOwnedPayload(v), nil
}

func (h *PayloadStubHook) Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error) {
	if len(path) == 0 {
		if args != nil {
			args.Dispose()
		}
		return nil, ErrBadRequest("value is not callable")
	}
	methodPath, methodKey := path[:len(path)-1], path[len(path)-1]
	v, err := h.resolvePath(methodPath)
	if err != nil {
		if args != nil {
			args.Dispose()
		}
		return nil, err
	}
	target, ok := v.(Capability)
	if !ok {
		if args != nil {
			args.Dispose()
		}
		return nil, ErrBadRequest("property " + methodKey.String() + " is not callable")
	}
	stub, ok := target.(*RpcStub)
	if !ok {
		if args != nil {
			args.Dispose()
		}
		return nil, ErrBadRequest("property " + methodKey.String() + " is not callable")
	}
	return stub.hook.Call(ctx, []PropertyKey{methodKey}, args)
}

func (h *PayloadStubHook) Pull(ctx context.Context) (*RpcPayload, error) {
	return NewOwnedPayload(h.Value), nil
}

func (h *PayloadStubHook) Dispose() {
	var tracked []Capability
	trackReferences(h.Value, &tracked)
	for _, c := range tracked {
		c.disposeCapability()
	}
}

func (h *PayloadStubHook) Dup() StubHook { return h }

// TargetStubHook backs a stub over a locally-implemented RpcTarget: calls
// and property reads dispatch directly into application code, with no
// wire round trip.
type TargetStubHook struct {
	Target RpcTarget
}

func NewTargetStubHook(target RpcTarget) *TargetStubHook {
	return &TargetStubHook{Target: target}
}

func (h *TargetStubHook) Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error) {
	return h.Target.Call(ctx, path, args)
}

func (h *TargetStubHook) Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error) {
	return h.Target.Get(ctx, path)
}

func (h *TargetStubHook) Pull(ctx context.Context) (*RpcPayload, error) {
	return nil, ErrBadRequest("cannot pull a local capability")
}

func (h *TargetStubHook) Dispose() {
	if disposer, ok := h.Target.(interface{ Dispose() }); ok {
		disposer.Dispose()
	}
}

func (h *TargetStubHook) Dup() StubHook { return h }

// ImportStubHook backs a stub over a capability that lives on the remote
// peer. Calls and gets are sent as pipelined pushes against the peer's
// export id without waiting for any prior round trip to resolve; Pull
// issues an actual "pull" message.
type ImportStubHook struct {
	session  *Session
	importID ImportID
}

func newImportStubHook(session *Session, importID ImportID) *ImportStubHook {
	return &ImportStubHook{session: session, importID: importID}
}

func (h *ImportStubHook) Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error) {
	return h.session.sendPipelineCall(ctx, h.importID, path, args)
}

func (h *ImportStubHook) Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error) {
	return h.session.sendPipelineGet(ctx, h.importID, path)
}

func (h *ImportStubHook) Pull(ctx context.Context) (*RpcPayload, error) {
	return h.session.pullImport(ctx, h.importID)
}

func (h *ImportStubHook) Dispose() {
	h.session.releaseImport(h.importID, 1)
}

func (h *ImportStubHook) Dup() StubHook {
	h.session.addImportRef(h.importID)
	return &ImportStubHook{session: h.session, importID: h.importID}
}

// PromiseStubHook backs a stub whose target capability is not yet known:
// it is the result of a call or get against another pending import. Calls
// and gets made against it are themselves pipelined (promise pipelining,
// spec §2) against the promise's import id. This holds after resolution
// too: the hook keeps addressing that id and does not switch to a hook for
// the resolved value.
type PromiseStubHook struct {
	session   *Session
	promiseID ImportID
}

func newPromiseStubHook(session *Session, promiseID ImportID) *PromiseStubHook {
	return &PromiseStubHook{session: session, promiseID: promiseID}
}

func (h *PromiseStubHook) Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error) {
	return h.session.sendPipelineCall(ctx, h.promiseID, path, args)
}

func (h *PromiseStubHook) Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error) {
	return h.session.sendPipelineGet(ctx, h.promiseID, path)
}

func (h *PromiseStubHook) Pull(ctx context.Context) (*RpcPayload, error) {
	return h.session.pullImport(ctx, h.promiseID)
}

func (h *PromiseStubHook) Dispose() {
	h.session.releaseImport(h.promiseID, 1)
}

func (h *PromiseStubHook) Dup() StubHook {
	h.session.addImportRef(h.promiseID)
	return &PromiseStubHook{session: h.session, promiseID: h.promiseID}
}

// MapVariableStubHook is a placeholder capability used only while recording
// a .map() callback (mapper.go): it never performs any real I/O. Instead
// every Call/Get appends an instruction to the enclosing mapBuilder and
// returns a new MapVariableStubHook referencing that instruction's result,
// following the remap evaluator's indexing convention (mapper.go's
// evaluateRemapInstructions):
// negative indices are captures, zero is the per-element input, positive
// indices are prior instruction results.
type MapVariableStubHook struct {
	builder *mapBuilder
	index   int64
}

func (h *MapVariableStubHook) Call(ctx context.Context, path []PropertyKey, args *RpcPayload) (*RpcPayload, error) {
	idx := h.builder.recordCall(h.index, path, args)
	stub := NewRpcStub(&MapVariableStubHook{builder: h.builder, index: idx})
	return NewOwnedPayload(stub), nil
}

func (h *MapVariableStubHook) Get(ctx context.Context, path []PropertyKey) (*RpcPayload, error) {
	idx := h.builder.recordGet(h.index, path)
	stub := NewRpcStub(&MapVariableStubHook{builder: h.builder, index: idx})
	return NewOwnedPayload(stub), nil
}

func (h *MapVariableStubHook) Pull(ctx context.Context) (*RpcPayload, error) {
	return nil, ErrBadRequest("cannot pull a value inside a map() callback")
}

func (h *MapVariableStubHook) Dispose() {}
func (h *MapVariableStubHook) Dup() StubHook {
	return &MapVariableStubHook{builder: h.builder, index: h.index}
}
