package gocapnweb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpressionTreeResolvesTags(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})

	parsed, err := ParseExpressionTree(session, &WireExport{ExportID: 5})
	require.NoError(t, err)
	stub, ok := parsed.(*RpcStub)
	require.True(t, ok)
	_, ok = stub.hook.(*ImportStubHook)
	assert.True(t, ok)
}

func TestParseExpressionTreeRejectsImportTag(t *testing.T) {
	// An "import" tag is never valid as input: only a sender's own
	// serializer would have produced one, and this session's serializer no
	// longer does that, so receiving one means a non-conformant peer.
	session := NewSession(newTestTarget(), SessionOptions{})

	parsed, err := ParseExpressionTree(session, &WireImport{ImportID: 5})
	require.NoError(t, err)
	stub, ok := parsed.(*RpcStub)
	require.True(t, ok)
	_, err = stub.Pull(context.Background())
	rerr, ok := err.(*RpcError)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeBadRequest, rerr.Code)
}

func TestParseExpressionTreeDate(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	parsed, err := ParseExpressionTree(session, &WireDate{MillisSinceEpoch: 1000})
	require.NoError(t, err)
	ts, ok := parsed.(time.Time)
	require.True(t, ok)
	assert.Equal(t, int64(1000), ts.UnixMilli())
}

func TestParseExpressionTreeUnknownErrorCodeCollapsesToInternal(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	parsed, err := ParseExpressionTree(session, &WireError{Type: "something_weird", Message: "oops"})
	require.NoError(t, err)
	rerr, ok := parsed.(*RpcError)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeInternal, rerr.Code)
}

func TestParseExpressionTreeLeavesPipelineUntouched(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	pipeline := &WirePipeline{TargetID: 0, Path: []PropertyKey{StringKey("hello")}}
	parsed, err := ParseExpressionTree(session, pipeline)
	require.NoError(t, err)
	assert.Same(t, pipeline, parsed)
}

func TestParseExpressionTreeRecursesIntoContainers(t *testing.T) {
	session := NewSession(newTestTarget(), SessionOptions{})
	tree := map[string]any{
		"list": []any{&WireDate{MillisSinceEpoch: 0}},
	}
	parsed, err := ParseExpressionTree(session, tree)
	require.NoError(t, err)
	out := parsed.(map[string]any)
	list := out["list"].([]any)
	_, ok := list[0].(time.Time)
	assert.True(t, ok)
}
