package gocapnweb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessagePush(t *testing.T) {
	msg, err := ParseMessage([]byte(`["push",["pipeline",0,["hello"],["World"]]]`))
	require.NoError(t, err)
	push, ok := msg.(*PushMessage)
	require.True(t, ok)
	pipeline, ok := push.Expression.(*WirePipeline)
	require.True(t, ok)
	assert.EqualValues(t, 0, pipeline.TargetID)
	assert.True(t, pipeline.HasArgs)
	require.Len(t, pipeline.Path, 1)
	assert.Equal(t, "hello", pipeline.Path[0].String())
}

func TestParseMessagePull(t *testing.T) {
	msg, err := ParseMessage([]byte(`["pull",1]`))
	require.NoError(t, err)
	pull, ok := msg.(*PullMessage)
	require.True(t, ok)
	assert.EqualValues(t, 1, pull.ImportID)
}

func TestParseMessageUnknownTagFails(t *testing.T) {
	_, err := ParseMessage([]byte(`["wat",1]`))
	assert.Error(t, err)
}

func TestSerializeMessageRoundTrip(t *testing.T) {
	original := &ResolveMessage{ExportID: 3, Value: "ok"}
	line, err := SerializeMessage(original)
	require.NoError(t, err)
	parsed, err := ParseMessage(line)
	require.NoError(t, err)
	resolve, ok := parsed.(*ResolveMessage)
	require.True(t, ok)
	assert.EqualValues(t, 3, resolve.ExportID)
	assert.Equal(t, "ok", resolve.Value)
}

func TestEscapedArrayRoundTrip(t *testing.T) {
	// A plain array whose first element collides with a reserved tag must
	// round-trip through the escaping rule without becoming a tagged
	// expression.
	value := []any{"error", "not", "actually", "an", "error"}
	wire := wireExpressionToJSON(value)
	arr, ok := wire.([]any)
	require.True(t, ok)
	require.Len(t, arr, 1)
	inner, ok := arr[0].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"error", "not", "actually", "an", "error"}, inner)

	parsedBack, err := wireExpressionFromJSON(normalizeNumbers(roundTripJSON(t, wire)))
	require.NoError(t, err)
	assert.Equal(t, value, parsedBack)
}

func TestPlainArrayWithNonReservedLeadingStringIsNotEscaped(t *testing.T) {
	// A plain array whose first element is a string but not a reserved tag
	// must NOT be wrapped in an extra escaping layer by the encoder.
	value := []any{"foo", int64(1), int64(2)}
	wire := wireExpressionToJSON(value)
	assert.Equal(t, []any{"foo", int64(1), int64(2)}, wire)

	parsedBack, err := wireExpressionFromJSON(normalizeNumbers(roundTripJSON(t, wire)))
	require.NoError(t, err)
	assert.Equal(t, value, parsedBack)
}

func TestDecoderDoesNotUnwrapGenuinelyNestedNonReservedArray(t *testing.T) {
	// A literal single-element array wrapping an array whose own first
	// element is a non-reserved string is genuine nesting, not the
	// escape-unwrap product of a reserved-tag collision, and must be left
	// alone by the decoder.
	wireForm := []any{[]any{"foo", int64(1), int64(2)}}
	parsed, err := wireExpressionFromJSON(wireForm)
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"foo", int64(1), int64(2)}}, parsed)
}

func TestWireErrorRoundTrip(t *testing.T) {
	we := &WireError{Type: "bad_request", Message: "nope"}
	line, err := SerializeMessage(&RejectMessage{ExportID: 1, Error: we})
	require.NoError(t, err)
	parsed, err := ParseMessage(line)
	require.NoError(t, err)
	reject := parsed.(*RejectMessage)
	parsedErr, ok := reject.Error.(*WireError)
	require.True(t, ok)
	assert.Equal(t, "bad_request", parsedErr.Type)
	assert.Equal(t, "nope", parsedErr.Message)
}

func TestParseBatchSkipsBlankLines(t *testing.T) {
	batch := []byte("[\"pull\",1]\n\n[\"pull\",2]\n")
	messages, err := ParseBatch(batch)
	require.NoError(t, err)
	require.Len(t, messages, 2)
}

// roundTripJSON simulates what actually decoding wireExpressionToJSON's
// output over the wire would produce: marshal then decode via our own
// number-preserving decoder.
func roundTripJSON(t *testing.T, v any) any {
	t.Helper()
	line, err := json.Marshal(v)
	require.NoError(t, err)
	decoded, err := decodeJSONLine(line)
	require.NoError(t, err)
	return decoded
}
