package gocapnweb

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// SessionOptions configures a Session's ambient behavior.
type SessionOptions struct {
	// IncludeStackTraces controls whether RpcError.Stack is carried on the
	// reject and abort messages this session sends. Off by default: stacks
	// are a debugging aid, not something to leak to untrusted peers. Error
	// values nested inside a resolved result are serialized with their
	// Stack unchanged.
	IncludeStackTraces bool
	Logger             *log.Logger
}

type pendingPull struct {
	resultCh chan pullOutcome
}

type pullOutcome struct {
	payload *RpcPayload
	err     *RpcError
}

// Session is the state machine driving one end of a capability-RPC
// connection: import/export tables, pending-pull tracking, and the
// push/pull/resolve/reject/release/abort dispatch that a transport feeds
// it one batch at a time. One Session exists per connection; it is not
// meant to be shared across connections.
type Session struct {
	mu         sync.Mutex
	ids        *IDAllocator
	exports    *ExportTable
	imports    *ImportTable
	exportByHook map[StubHook]ExportID
	pending    map[ImportID]*pendingPull
	outbox     []Message
	options    SessionOptions
	mainTarget RpcTarget
	transport  Transport
	aborted    bool
	abortErr   *RpcError
}

// NewSession creates a session whose main (bootstrap) capability, id 0, is
// mainTarget (spec §3).
func NewSession(mainTarget RpcTarget, options SessionOptions) *Session {
	if options.Logger == nil {
		options.Logger = log.Default()
	}
	s := &Session{
		ids:          NewIDAllocator(),
		exports:      NewExportTable(),
		imports:      NewImportTable(),
		exportByHook: make(map[StubHook]ExportID),
		pending:      make(map[ImportID]*pendingPull),
		mainTarget:   mainTarget,
		options:      options,
	}
	s.exports.Add(0, NewTargetStubHook(mainTarget))
	s.exportByHook[s.exports.entries[0].Hook] = 0
	return s
}

// NewClientSession creates a session driven by an explicit transport
// round trip (client.go): calls that need a result enqueue a message and
// then block in flush until the transport returns a response batch.
// mainTarget may be nil for pure clients that never export anything of
// their own back to the peer.
func NewClientSession(transport Transport, mainTarget RpcTarget, options SessionOptions) *Session {
	if mainTarget == nil {
		mainTarget = &BaseRpcTarget{}
	}
	s := NewSession(mainTarget, options)
	s.transport = transport
	if attacher, ok := transport.(sessionAttacher); ok {
		attacher.AttachSession(s)
	}
	return s
}

// sessionAttacher is implemented by transports that deliver inbound
// messages asynchronously (WebSocket, HTTP/3 stream) rather than as the
// direct return value of SendAndReceive.
type sessionAttacher interface {
	AttachSession(*Session)
}

// flush sends everything queued in the outbox and processes the response
// batch, satisfying any pullImport calls waiting on it. A no-op when no
// transport is attached (server-side sessions respond synchronously from
// within HandleBatch instead).
func (s *Session) flush(ctx context.Context) error {
	if s.transport == nil {
		return nil
	}
	outbox := s.DrainOutbox()
	if len(outbox) == 0 {
		return nil
	}
	responses, err := s.transport.SendAndReceive(ctx, outbox)
	if err != nil {
		return err
	}
	s.HandleBatch(ctx, responses)
	return nil
}

// MainImport returns a stub for the peer's bootstrap capability (id 0),
// usable immediately for pipelined calls before any round trip completes.
func (s *Session) MainImport() *RpcStub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.imports.Get(0); ok {
		return NewRpcStub(entry.Hook)
	}
	hook := newImportStubHook(s, 0)
	s.imports.Add(0, hook)
	return NewRpcStub(hook)
}

// --- Importer / Exporter -------------------------------------------------

func (s *Session) ResolveExportTag(id ExportID) (*RpcStub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	importID := id.ToImportID()
	if entry, ok := s.imports.Get(importID); ok {
		entry.RefCount++
		return NewRpcStub(entry.Hook), nil
	}
	hook := newImportStubHook(s, importID)
	s.imports.Add(importID, hook)
	return NewRpcStub(hook), nil
}

func (s *Session) ResolveImportTag(id ImportID) (*RpcStub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exportID := ExportID(id)
	entry, ok := s.exports.Get(exportID)
	if !ok {
		return nil, ErrBadRequest(fmt.Sprintf("no such export: %d", exportID))
	}
	entry.RefCount++
	return NewRpcStub(entry.Hook), nil
}

func (s *Session) ResolvePromiseTag(id ExportID) (*RpcStub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	importID := id.ToImportID()
	if entry, ok := s.imports.Get(importID); ok {
		entry.RefCount++
		return NewRpcStub(entry.Hook), nil
	}
	hook := newPromiseStubHook(s, importID)
	s.imports.Add(importID, hook)
	return NewRpcStub(hook), nil
}

// ExportStub implements Exporter. Every stub, regardless of what kind of
// hook backs it, is always (re-)exported fresh under this session's own
// export numbering — there is no "hand the peer back its own capability"
// shortcut, matching the wire contract's unconditional export tag.
func (s *Session) ExportStub(stub *RpcStub) (isImportTag bool, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.exportByHook[stub.hook]; ok {
		s.exports.AddRef(existing, 1)
		return false, int64(existing)
	}
	newID := s.ids.AllocateLocalExport()
	s.exports.Add(newID, stub.hook)
	s.exportByHook[stub.hook] = newID
	return false, int64(newID)
}

// --- hook-facing helpers (used by ImportStubHook / PromiseStubHook) ------

func (s *Session) wireIDForImport(id ImportID) int64 {
	if id.IsRemote() {
		return int64(-id)
	}
	return int64(id)
}

func (s *Session) addImportRef(id ImportID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imports.AddRef(id, 1)
}

func (s *Session) releaseImport(id ImportID, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imports.Release(id, count)
}

func (s *Session) enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, msg)
}

// DrainOutbox returns and clears every message queued for the peer since
// the last drain. flush and HandleBatch call this to collect what a local
// operation (a stub call/get, a .map() build, a pull) has queued.
func (s *Session) DrainOutbox() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbox
	s.outbox = nil
	return out
}

func (s *Session) sendPipelineCall(ctx context.Context, targetID ImportID, path []PropertyKey, args *RpcPayload) (*RpcPayload, error) {
	var argsExpr any
	hasArgs := args != nil
	if hasArgs {
		args.EnsureDeepCopied()
		serialized, err := SerializeExpressionTree(s, args.Value)
		if err != nil {
			return nil, err
		}
		argsExpr = serialized
	}
	expr := &WirePipeline{TargetID: s.wireIDForImport(targetID), Path: path, Args: argsExpr, HasArgs: hasArgs}
	s.enqueue(&PushMessage{Expression: expr})

	s.mu.Lock()
	promiseID := s.ids.AllocateLocalImport()
	hook := newPromiseStubHook(s, promiseID)
	s.imports.Add(promiseID, hook)
	s.mu.Unlock()
	return NewOwnedPayload(NewRpcStub(hook)), nil
}

func (s *Session) sendPipelineGet(ctx context.Context, targetID ImportID, path []PropertyKey) (*RpcPayload, error) {
	expr := &WirePipeline{TargetID: s.wireIDForImport(targetID), Path: path}
	s.enqueue(&PushMessage{Expression: expr})

	s.mu.Lock()
	promiseID := s.ids.AllocateLocalImport()
	hook := newPromiseStubHook(s, promiseID)
	s.imports.Add(promiseID, hook)
	s.mu.Unlock()
	return NewOwnedPayload(NewRpcStub(hook)), nil
}

func (s *Session) sendRemap(expr *WireRemap) *RpcPromise {
	s.enqueue(&PushMessage{Expression: expr})

	s.mu.Lock()
	promiseID := s.ids.AllocateLocalImport()
	hook := newPromiseStubHook(s, promiseID)
	s.imports.Add(promiseID, hook)
	s.mu.Unlock()
	return NewRpcPromise(hook)
}

// pullImport issues a "pull" for id and blocks until the peer's matching
// resolve/reject is processed by HandleBatch, or ctx is done.
func (s *Session) pullImport(ctx context.Context, id ImportID) (*RpcPayload, error) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return nil, s.abortErr
	}
	pending := &pendingPull{resultCh: make(chan pullOutcome, 1)}
	s.pending[id] = pending
	s.mu.Unlock()

	s.enqueue(&PullMessage{ImportID: s.wireIDForImport(id)})
	if err := s.flush(ctx); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, AsRpcError(err)
	}

	select {
	case out := <-pending.resultCh:
		if out.err != nil {
			return nil, out.err
		}
		return out.payload, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ErrCanceled("pull canceled: " + ctx.Err().Error())
	}
}

// --- inbound batch processing --------------------------------------------

// HandleBatch processes every message of an inbound batch against this
// session's state, returning whatever response messages resulted (resolve/
// reject for anything pulled, nothing for ordinary pushes unless also
// pulled within the same batch). Processing order follows wire order;
// pulls against an id pushed earlier in the same batch see its result.
func (s *Session) HandleBatch(ctx context.Context, messages []Message) []Message {
	var responses []Message
	for _, msg := range messages {
		switch m := msg.(type) {
		case *PushMessage:
			s.handlePush(ctx, m)
		case *PullMessage:
			if resp := s.handlePull(ctx, m); resp != nil {
				responses = append(responses, resp)
			}
		case *ResolveMessage:
			s.handleResolve(m)
		case *RejectMessage:
			s.handleReject(m)
		case *ReleaseMessage:
			s.handleRelease(m)
		case *AbortMessage:
			s.handleAbort(m)
		}
	}
	responses = append(responses, s.DrainOutbox()...)
	return responses
}

func (s *Session) handlePush(ctx context.Context, m *PushMessage) {
	s.mu.Lock()
	exportID := s.ids.AllocateLocalExport()
	s.mu.Unlock()
	parsed, err := ParseExpressionTree(s, m.Expression)
	if err != nil {
		s.exports.Add(exportID, NewErrorStubHook(AsRpcError(err)))
		return
	}
	payload, evalErr := EvaluateExpression(ctx, s, parsed)
	if evalErr != nil {
		s.exports.Add(exportID, NewErrorStubHook(AsRpcError(evalErr)))
		return
	}
	s.exports.Add(exportID, hookForResolvedPayload(payload))
}

func hookForResolvedPayload(payload *RpcPayload) StubHook {
	if stub, ok := payload.Value.(*RpcStub); ok {
		return stub.hook
	}
	return NewPayloadStubHook(payload.Value)
}

func (s *Session) handlePull(ctx context.Context, m *PullMessage) Message {
	exportID := ExportID(m.ImportID)
	entry, ok := s.exports.Get(exportID)
	if !ok {
		return &RejectMessage{ExportID: m.ImportID, Error: s.outgoingError(ErrNotFound(fmt.Sprintf("no such export: %d", exportID)))}
	}
	payload, err := entry.Hook.Pull(ctx)
	if err != nil {
		return &RejectMessage{ExportID: m.ImportID, Error: s.outgoingError(AsRpcError(err))}
	}
	serialized, err := SerializeExpressionTree(s, payload.Value)
	if err != nil {
		return &RejectMessage{ExportID: m.ImportID, Error: s.outgoingError(AsRpcError(err))}
	}
	return &ResolveMessage{ExportID: m.ImportID, Value: serialized}
}

// outgoingError converts err to the wire form sent in reject and abort
// messages, dropping its stack unless IncludeStackTraces is set.
func (s *Session) outgoingError(err *RpcError) *WireError {
	we := &WireError{Type: string(err.Code), Message: err.Message, Data: err.Data}
	if s.options.IncludeStackTraces {
		we.Stack = err.Stack
	}
	return we
}

func (s *Session) handleResolve(m *ResolveMessage) {
	id := ImportID(m.ExportID)
	s.mu.Lock()
	pending, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	parsed, err := ParseExpressionTree(s, m.Value)
	if err != nil {
		pending.resultCh <- pullOutcome{err: AsRpcError(err)}
		return
	}
	pending.resultCh <- pullOutcome{payload: NewOwnedPayload(parsed)}
}

func (s *Session) handleReject(m *RejectMessage) {
	id := ImportID(m.ExportID)
	s.mu.Lock()
	pending, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	parsed, err := ParseExpressionTree(s, m.Error)
	if err != nil {
		pending.resultCh <- pullOutcome{err: AsRpcError(err)}
		return
	}
	if rerr, ok := parsed.(*RpcError); ok {
		pending.resultCh <- pullOutcome{err: rerr}
		return
	}
	pending.resultCh <- pullOutcome{err: ErrInternal("rejected with non-error value")}
}

func (s *Session) handleRelease(m *ReleaseMessage) {
	s.exports.Release(ExportID(m.ImportID), m.RefCount)
}

func (s *Session) handleAbort(m *AbortMessage) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	parsed, err := ParseExpressionTree(s, m.Error)
	if rerr, ok := parsed.(*RpcError); err == nil && ok {
		s.abortErr = rerr
	} else {
		s.abortErr = ErrInternal("session aborted by peer")
	}
	pending := s.pending
	s.pending = make(map[ImportID]*pendingPull)
	s.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- pullOutcome{err: s.abortErr}
	}
	s.exports.Clear()
	s.imports.Clear()
	s.options.Logger.Printf("rpc session aborted: %v", s.abortErr)
}

// Abort tears down the session locally and queues an abort message for the
// peer, matching the abort semantics the handler side applies to itself.
func (s *Session) Abort(err *RpcError) {
	s.enqueue(&AbortMessage{Error: s.outgoingError(err)})
	s.handleAbort(&AbortMessage{Error: err})
}
