package gocapnweb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRecordsFieldAccessAsInstruction(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	payload, err := session.sendPipelineCall(context.Background(), 0, []PropertyKey{StringKey("roster")}, nil)
	require.NoError(t, err)
	session.DrainOutbox() // discard the roster call's own push

	stub := payload.Value.(*RpcStub)
	promise := NewRpcPromise(stub.hook)

	mapped := promise.Map(func(v *MapVariable) any {
		return v.Field("name")
	})
	require.NotNil(t, mapped)

	outbox := session.DrainOutbox()
	require.Len(t, outbox, 1)
	push, ok := outbox[0].(*PushMessage)
	require.True(t, ok)
	remap, ok := push.Expression.(*WireRemap)
	require.True(t, ok)
	// The recorded get, then a trailing bare reference naming the
	// callback's result (instruction 1).
	require.Len(t, remap.Instructions, 2)
	instr := remap.Instructions[0].(*WirePipeline)
	assert.EqualValues(t, 0, instr.TargetID)
	require.Len(t, instr.Path, 1)
	assert.Equal(t, "name", instr.Path[0].String())
	result := remap.Instructions[1].(*WirePipeline)
	assert.EqualValues(t, 1, result.TargetID)
}

func TestMapOnNonPromiseStubReturnsError(t *testing.T) {
	stub := NewRpcStub(NewPayloadStubHook([]any{1, 2, 3}))
	promise := NewRpcPromise(stub.hook)
	mapped := promise.Map(func(v *MapVariable) any { return v })

	_, err := mapped.Pull(context.Background())
	rerr, ok := err.(*RpcError)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeBadRequest, rerr.Code)
}

func TestMapBuilderToReferenceExprReplacesMapVariable(t *testing.T) {
	builder := &mapBuilder{}
	placeholder := &MapVariable{RpcStub: NewRpcStub(&MapVariableStubHook{builder: builder, index: 3})}
	expr := builder.toReferenceExpr(placeholder)
	pipeline, ok := expr.(*WirePipeline)
	require.True(t, ok)
	assert.EqualValues(t, 3, pipeline.TargetID)
	assert.Nil(t, pipeline.Path)
	assert.False(t, pipeline.HasArgs)
}

func TestMapCallbackCapturingOuterStubEmitsCaptureTagAndReference(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	payload, err := session.sendPipelineCall(context.Background(), 0, []PropertyKey{StringKey("roster")}, nil)
	require.NoError(t, err)
	session.DrainOutbox() // discard the roster call's own push

	stub := payload.Value.(*RpcStub)
	promise := NewRpcPromise(stub.hook)

	greeting := NewRpcStub(NewPayloadStubHook("hello"))
	mapped := promise.Map(func(v *MapVariable) any {
		return v.CallMethod("greet", greeting)
	})
	require.NotNil(t, mapped)

	outbox := session.DrainOutbox()
	require.Len(t, outbox, 1)
	push, ok := outbox[0].(*PushMessage)
	require.True(t, ok)
	remap, ok := push.Expression.(*WireRemap)
	require.True(t, ok)

	require.Len(t, remap.Captures, 1)
	assert.True(t, remap.Captures[0].IsExport)

	// The recorded call, then the trailing reference to its result.
	require.Len(t, remap.Instructions, 2)
	instr := remap.Instructions[0].(*WirePipeline)
	args, ok := instr.Args.(*WirePipeline)
	require.True(t, ok, "captured stub argument should be a bare-reference pipeline")
	assert.EqualValues(t, -1, args.TargetID)
}

func TestMapCallbackCapturingSameOuterStubTwiceReusesCapture(t *testing.T) {
	builder := &mapBuilder{session: NewSession(newTestTarget(), SessionOptions{})}
	stub := NewRpcStub(NewPayloadStubHook("shared"))

	first := builder.toReferenceExpr(stub).(*WirePipeline)
	second := builder.toReferenceExpr(stub).(*WirePipeline)

	assert.Equal(t, first.TargetID, second.TargetID)
	assert.Len(t, builder.captures, 1)
}
