package gocapnweb

import (
	"context"
	"fmt"
)

// MapVariable is the placeholder value handed to a .map() callback
// standing in for one element of the array being mapped, or for the result
// of an operation already recorded on it. Every operation performed on it is
// recorded by the enclosing mapBuilder rather than executed, so the whole
// callback can be shipped to the peer as a remap program and run once per
// element without a round trip per element.
type MapVariable struct {
	*RpcStub
}

// Field reads a named property off the placeholder.
func (v *MapVariable) Field(name string) *MapVariable {
	payload, err := v.Get(context.Background(), []PropertyKey{StringKey(name)})
	if err != nil {
		return &MapVariable{RpcStub: NewRpcStub(NewErrorStubHook(AsRpcError(err)))}
	}
	return mapVariableFromPayload(payload)
}

// Index reads an array element off the placeholder.
func (v *MapVariable) Index(i int64) *MapVariable {
	payload, err := v.Get(context.Background(), []PropertyKey{IntKey(i)})
	if err != nil {
		return &MapVariable{RpcStub: NewRpcStub(NewErrorStubHook(AsRpcError(err)))}
	}
	return mapVariableFromPayload(payload)
}

// CallMethod records a method call against the placeholder.
func (v *MapVariable) CallMethod(name string, args any) *MapVariable {
	payload, err := v.Call(context.Background(), []PropertyKey{StringKey(name)}, NewOwnedPayload(args))
	if err != nil {
		return &MapVariable{RpcStub: NewRpcStub(NewErrorStubHook(AsRpcError(err)))}
	}
	return mapVariableFromPayload(payload)
}

func mapVariableFromPayload(payload *RpcPayload) *MapVariable {
	stub, ok := payload.Value.(*RpcStub)
	if !ok {
		stub = NewRpcStub(NewErrorStubHook(ErrInternal("map() callback produced a non-capability value")))
	}
	return &MapVariable{RpcStub: stub}
}

type mapInstruction struct {
	sourceIndex int64
	path        []PropertyKey
	args        any
	hasArgs     bool
}

func (m mapInstruction) toWire() any {
	return &WirePipeline{TargetID: m.sourceIndex, Path: m.path, Args: m.args, HasArgs: m.hasArgs}
}

// mapBuilder accumulates the instruction program recorded by one .map()
// callback invocation (evaluateRemapInstructions' indexing convention:
// 0 addresses the per-element input, negative addresses a capture, and
// positive addresses a prior instruction's result). session is needed to
// export any outer-scope capability the callback captures by reference
// (spec §4.8 bullet 4).
type mapBuilder struct {
	session      *Session
	captures     []WireCapture
	captureRefs  map[*RpcStub]int64
	instructions []mapInstruction
}

// addCapture exports stub (if not already captured by this builder) and
// returns the negative reference index later instructions use to address
// it, per the 0/negative/positive indexing convention above.
func (b *mapBuilder) addCapture(stub *RpcStub) int64 {
	if idx, ok := b.captureRefs[stub]; ok {
		return idx
	}
	isImportTag, id := b.session.ExportStub(stub)
	b.captures = append(b.captures, WireCapture{IsExport: !isImportTag, ID: id})
	idx := int64(-len(b.captures))
	if b.captureRefs == nil {
		b.captureRefs = make(map[*RpcStub]int64)
	}
	b.captureRefs[stub] = idx
	return idx
}

func (b *mapBuilder) recordGet(sourceIndex int64, path []PropertyKey) int64 {
	b.instructions = append(b.instructions, mapInstruction{sourceIndex: sourceIndex, path: path})
	return int64(len(b.instructions))
}

func (b *mapBuilder) recordCall(sourceIndex int64, path []PropertyKey, args *RpcPayload) int64 {
	var argsExpr any
	hasArgs := args != nil
	if hasArgs {
		argsExpr = b.toReferenceExpr(args.Value)
	}
	b.instructions = append(b.instructions, mapInstruction{sourceIndex: sourceIndex, path: path, args: argsExpr, hasArgs: hasArgs})
	return int64(len(b.instructions))
}

// toReferenceExpr replaces any MapVariable found within value with a
// bare-reference pipeline (no path, no args) pointing at whatever
// instruction index it represents, and any outer-scope *RpcStub/*RpcPromise
// captured by the callback with a bare-reference pipeline pointing at a
// newly (or previously) recorded capture, leaving every other value
// untouched.
func (b *mapBuilder) toReferenceExpr(value any) any {
	switch v := value.(type) {
	case *MapVariable:
		hook, ok := v.hook.(*MapVariableStubHook)
		if !ok {
			return value
		}
		return &WirePipeline{TargetID: hook.index}
	case *RpcPromise:
		return &WirePipeline{TargetID: b.addCapture(v.RpcStub)}
	case *RpcStub:
		return &WirePipeline{TargetID: b.addCapture(v)}
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = b.toReferenceExpr(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = b.toReferenceExpr(item)
		}
		return out
	default:
		return v
	}
}

func (b *mapBuilder) toWireInstructions(finalValue any) []any {
	out := make([]any, 0, len(b.instructions)+1)
	for _, instr := range b.instructions {
		out = append(out, instr.toWire())
	}
	out = append(out, b.toReferenceExpr(finalValue))
	return out
}

// buildMapPromise drives fn once against a fresh input placeholder,
// converts whatever it recorded into a WireRemap program targeting the
// same capability p already addresses, and sends it as a new push,
// returning a promise for the per-element-transformed array.
func buildMapPromise(p *RpcPromise, fn func(*MapVariable) any) *RpcPromise {
	var session *Session
	switch h := p.hook.(type) {
	case *PromiseStubHook:
		session = h.session
	case *ImportStubHook:
		session = h.session
	default:
		return NewRpcPromise(NewErrorStubHook(ErrBadRequest("map() requires a pending remote promise")))
	}

	builder := &mapBuilder{session: session}
	input := &MapVariable{RpcStub: NewRpcStub(&MapVariableStubHook{builder: builder, index: 0})}
	result := fn(input)
	instructions := builder.toWireInstructions(result)

	switch h := p.hook.(type) {
	case *PromiseStubHook:
		expr := &WireRemap{TargetID: session.wireIDForImport(h.promiseID), Captures: builder.captures, Instructions: instructions}
		return session.sendRemap(expr)
	case *ImportStubHook:
		expr := &WireRemap{TargetID: session.wireIDForImport(h.importID), Captures: builder.captures, Instructions: instructions}
		return session.sendRemap(expr)
	default:
		return NewRpcPromise(NewErrorStubHook(ErrBadRequest("map() requires a pending remote promise")))
	}
}

// ApplyRemap is the receiving side's map() executor: it pulls the target
// array, resolves each capture once, then runs the instruction program
// once per element, failing the whole operation on the first element that
// errors (fail-fast, rather than partial results).
func ApplyRemap(ctx context.Context, session *Session, remap *WireRemap) (*RpcPayload, error) {
	entry, err := resolveTargetID(session, remap.TargetID)
	if err != nil {
		return nil, err
	}
	base, err := entry.Hook.Pull(ctx)
	if err != nil {
		return nil, err
	}
	arr, ok := base.Value.([]any)
	if !ok {
		return nil, ErrBadRequest("map() target is not an array")
	}

	captures := make([]any, len(remap.Captures))
	for i, c := range remap.Captures {
		var stub *RpcStub
		var err error
		if c.IsExport {
			stub, err = session.ResolveExportTag(ExportID(c.ID))
		} else {
			stub, err = session.ResolveImportTag(ImportID(c.ID))
		}
		if err != nil {
			return nil, err
		}
		captures[i] = stub
	}
	defer disposeCaptures(captures)

	results := make([]any, len(arr))
	for i, element := range arr {
		value, err := evaluateRemapInstructions(ctx, remap.Instructions, element, captures)
		if err != nil {
			return nil, fmt.Errorf("map() failed at element %d: %w", i, err)
		}
		results[i] = value
	}
	return NewOwnedPayload(results), nil
}

func disposeCaptures(captures []any) {
	for _, c := range captures {
		if stub, ok := c.(*RpcStub); ok {
			stub.Dispose()
		}
	}
}

func evaluateRemapInstructions(ctx context.Context, instructions []any, element any, captures []any) (any, error) {
	stepResults := make([]any, 0, len(instructions))
	resolve := func(idx int64) (any, error) {
		switch {
		case idx == 0:
			return element, nil
		case idx < 0:
			capIdx := -idx - 1
			if int(capIdx) >= len(captures) {
				return nil, ErrBadRequest("invalid map() capture index")
			}
			return captures[capIdx], nil
		default:
			pos := int(idx) - 1
			if pos >= len(stepResults) {
				return nil, ErrBadRequest("invalid map() instruction index")
			}
			return stepResults[pos], nil
		}
	}

	// Every step result but the last is an intermediate hook local to this
	// element's evaluation and must be disposed once the element is done,
	// whether it finished successfully or failed partway through.
	var intermediates []Capability
	disposeIntermediates := func(upTo int) {
		for _, r := range stepResults[:upTo] {
			if cap, ok := r.(Capability); ok {
				intermediates = append(intermediates, cap)
			}
		}
		for _, cap := range intermediates {
			cap.disposeCapability()
		}
	}

	var last any
	for _, instr := range instructions {
		pipeline, ok := instr.(*WirePipeline)
		if !ok {
			disposeIntermediates(len(stepResults))
			return nil, ErrBadRequest("invalid map() instruction")
		}
		target, err := resolve(pipeline.TargetID)
		if err != nil {
			disposeIntermediates(len(stepResults))
			return nil, err
		}
		resolvedArgs, err := substituteReferences(pipeline.Args, resolve)
		if err != nil {
			disposeIntermediates(len(stepResults))
			return nil, err
		}
		result, err := applyMapOperation(ctx, target, pipeline.Path, resolvedArgs, pipeline.HasArgs)
		if err != nil {
			disposeIntermediates(len(stepResults))
			return nil, err
		}
		stepResults = append(stepResults, result)
		last = result
	}
	// Every recorded step is intermediate except the final one, which
	// becomes this element's result and is left for its owner to dispose.
	if len(stepResults) > 0 {
		disposeIntermediates(len(stepResults) - 1)
	}
	return last, nil
}

func applyMapOperation(ctx context.Context, target any, path []PropertyKey, args any, hasArgs bool) (any, error) {
	if stub, ok := target.(*RpcStub); ok {
		if hasArgs {
			payload, err := stub.Call(ctx, path, NewOwnedPayload(args))
			if err != nil {
				return nil, err
			}
			return payload.Value, nil
		}
		payload, err := stub.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		return payload.Value, nil
	}
	cur := target
	for _, key := range path {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[key.String()]
			if !ok {
				return nil, ErrNotFound("no such property: " + key.String())
			}
			cur = v
		case []any:
			if !key.IsInt || key.Int < 0 || int(key.Int) >= len(c) {
				return nil, ErrNotFound("index out of range: " + key.String())
			}
			cur = c[key.Int]
		default:
			return nil, ErrBadRequest("cannot traverse into a scalar value")
		}
	}
	if hasArgs {
		return nil, ErrBadRequest("value is not callable")
	}
	return cur, nil
}

// substituteReferences walks a map() instruction's argument tree,
// replacing every bare-reference pipeline (no path, no args) produced by
// mapBuilder.toReferenceExpr with whatever resolve says it points at.
func substituteReferences(expr any, resolve func(int64) (any, error)) (any, error) {
	switch v := expr.(type) {
	case nil:
		return nil, nil
	case *WirePipeline:
		if v.Path == nil && !v.HasArgs {
			return resolve(v.TargetID)
		}
		return nil, ErrBadRequest("unsupported nested map() expression")
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			r, err := substituteReferences(val, resolve)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := substituteReferences(item, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
