// Package gocapnweb implements the Cap'n Web capability-based RPC wire
// protocol: a session machinery for exchanging typed messages that create,
// invoke, pass, and release capabilities between two peers, with promise
// pipelining across a single transport round trip.
package gocapnweb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PropertyKey is either a string (object key) or an int64 (array index),
// as carried in a pipeline/remap property path.
type PropertyKey struct {
	Str    string
	Int    int64
	IsInt  bool
}

func StringKey(s string) PropertyKey { return PropertyKey{Str: s} }
func IntKey(i int64) PropertyKey     { return PropertyKey{Int: i, IsInt: true} }

func (k PropertyKey) ToJSON() any {
	if k.IsInt {
		return k.Int
	}
	return k.Str
}

func (k PropertyKey) String() string {
	if k.IsInt {
		return fmt.Sprintf("%d", k.Int)
	}
	return k.Str
}

func propertyKeyFromJSON(v any) (PropertyKey, error) {
	switch t := v.(type) {
	case string:
		return StringKey(t), nil
	case int64:
		return IntKey(t), nil
	case float64:
		return IntKey(int64(t)), nil
	default:
		return PropertyKey{}, fmt.Errorf("invalid property key: %#v", v)
	}
}

func parsePropertyPath(raw any) ([]PropertyKey, error) {
	if raw == nil {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("property path must be an array")
	}
	path := make([]PropertyKey, 0, len(arr))
	for _, item := range arr {
		key, err := propertyKeyFromJSON(item)
		if err != nil {
			return nil, err
		}
		path = append(path, key)
	}
	return path, nil
}

func propertyPathToJSON(path []PropertyKey) any {
	if path == nil {
		return nil
	}
	out := make([]any, len(path))
	for i, k := range path {
		out[i] = k.ToJSON()
	}
	return out
}

// Wire expression tagged forms (spec §4.2). Each wraps the array shape
// ["tag", ...] once decoded out of the generic JSON array.

type WireError struct {
	Type    string
	Message string
	Stack   string
	Data    any
}

func (w *WireError) toJSON() []any {
	out := []any{"error", w.Type, w.Message}
	switch {
	case w.Stack != "" && w.Data != nil:
		out = append(out, w.Stack, w.Data)
	case w.Stack != "":
		out = append(out, w.Stack)
	case w.Data != nil:
		out = append(out, nil, w.Data)
	}
	return out
}

func wireErrorFromJSON(arr []any) (*WireError, error) {
	if len(arr) < 3 {
		return nil, fmt.Errorf("error expression requires at least 3 elements")
	}
	typ, _ := arr[1].(string)
	msg, _ := arr[2].(string)
	w := &WireError{Type: typ, Message: msg}
	if len(arr) > 3 {
		if s, ok := arr[3].(string); ok {
			w.Stack = s
		}
	}
	if len(arr) > 4 {
		if d, ok := arr[4].(map[string]any); ok {
			w.Data = d
		}
	}
	return w, nil
}

type WireImport struct{ ImportID int64 }

func (w *WireImport) toJSON() []any { return []any{"import", w.ImportID} }

type WireExport struct{ ExportID int64 }

func (w *WireExport) toJSON() []any { return []any{"export", w.ExportID} }

type WirePromise struct{ PromiseID int64 }

func (w *WirePromise) toJSON() []any { return []any{"promise", w.PromiseID} }

type WireDate struct{ MillisSinceEpoch float64 }

func (w *WireDate) toJSON() []any { return []any{"date", w.MillisSinceEpoch} }

// WirePipeline: ["pipeline", targetID, path|null, args|null].
// HasArgs false means property get (on the wire: no fourth element, or a
// null one); HasArgs true means method call (the last path element is the
// method name). A call whose Args is nil is encoded with an empty args array.
type WirePipeline struct {
	TargetID int64
	Path     []PropertyKey
	Args     any
	HasArgs  bool
}

func (w *WirePipeline) toJSON() []any {
	out := []any{"pipeline", w.TargetID, propertyPathToJSON(w.Path)}
	if w.HasArgs {
		args := wireExpressionToJSON(w.Args)
		if args == nil {
			args = []any{}
		}
		out = append(out, args)
	}
	return out
}

func wirePipelineFromJSON(arr []any) (*WirePipeline, error) {
	if len(arr) < 2 {
		return nil, fmt.Errorf("pipeline expression requires at least 2 elements")
	}
	targetID, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("pipeline target id: %w", err)
	}
	p := &WirePipeline{TargetID: targetID}
	if len(arr) > 2 && arr[2] != nil {
		path, err := parsePropertyPath(arr[2])
		if err != nil {
			return nil, err
		}
		p.Path = path
	}
	if len(arr) > 3 && arr[3] != nil {
		parsedArgs, err := wireExpressionFromJSON(arr[3])
		if err != nil {
			return nil, err
		}
		p.Args = parsedArgs
		p.HasArgs = true
	}
	return p, nil
}

// WireCapture is a remap capture reference: ["import", id] or ["export", id].
type WireCapture struct {
	IsExport bool
	ID       int64
}

func (c WireCapture) toJSON() []any {
	tag := "import"
	if c.IsExport {
		tag = "export"
	}
	return []any{tag, c.ID}
}

func wireCaptureFromJSON(v any) (WireCapture, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return WireCapture{}, fmt.Errorf("capture requires [\"import\"|\"export\", id]")
	}
	tag, _ := arr[0].(string)
	id, err := toInt64(arr[1])
	if err != nil {
		return WireCapture{}, err
	}
	switch tag {
	case "import":
		return WireCapture{IsExport: false, ID: id}, nil
	case "export":
		return WireCapture{IsExport: true, ID: id}, nil
	default:
		return WireCapture{}, fmt.Errorf("invalid capture tag %q", tag)
	}
}

// WireRemap: ["remap", targetID, path|null, captures, instructions] (§4.8).
type WireRemap struct {
	TargetID     int64
	Path         []PropertyKey
	Captures     []WireCapture
	Instructions []any
}

func (w *WireRemap) toJSON() []any {
	captures := make([]any, len(w.Captures))
	for i, c := range w.Captures {
		captures[i] = c.toJSON()
	}
	instructions := make([]any, len(w.Instructions))
	for i, instr := range w.Instructions {
		instructions[i] = wireExpressionToJSON(instr)
	}
	return []any{"remap", w.TargetID, propertyPathToJSON(w.Path), captures, instructions}
}

func wireRemapFromJSON(arr []any) (*WireRemap, error) {
	if len(arr) != 5 {
		return nil, fmt.Errorf("remap expression requires exactly 5 elements")
	}
	targetID, err := toInt64(arr[1])
	if err != nil {
		return nil, err
	}
	r := &WireRemap{TargetID: targetID}
	if arr[2] != nil {
		path, err := parsePropertyPath(arr[2])
		if err != nil {
			return nil, err
		}
		r.Path = path
	}
	capturesRaw, ok := arr[3].([]any)
	if !ok {
		return nil, fmt.Errorf("remap captures must be an array")
	}
	for _, c := range capturesRaw {
		wc, err := wireCaptureFromJSON(c)
		if err != nil {
			return nil, err
		}
		r.Captures = append(r.Captures, wc)
	}
	instrRaw, ok := arr[4].([]any)
	if !ok {
		return nil, fmt.Errorf("remap instructions must be an array")
	}
	for _, instr := range instrRaw {
		parsed, err := wireExpressionFromJSON(instr)
		if err != nil {
			return nil, err
		}
		r.Instructions = append(r.Instructions, parsed)
	}
	return r, nil
}

// wireExpressionFromJSON recursively decodes a generic JSON value (as
// produced by decodeJSONLine) into wire expression structs wherever a
// reserved tag is recognized, applying the escape-array unwrap rule.
func wireExpressionFromJSON(value any) (any, error) {
	switch v := value.(type) {
	case nil, bool, string, int64, float64:
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			parsed, err := wireExpressionFromJSON(val)
			if err != nil {
				return nil, err
			}
			out[k] = parsed
		}
		return out, nil
	case []any:
		if len(v) == 0 {
			return v, nil
		}
		// Escaped literal array: [[...]] where the inner array starts with a
		// reserved tag string.
		if len(v) == 1 {
			if inner, ok := v[0].([]any); ok && len(inner) > 0 {
				if s, isStr := inner[0].(string); isStr && isReservedTag(s) {
					out := make([]any, len(inner))
					for i, item := range inner {
						parsed, err := wireExpressionFromJSON(item)
						if err != nil {
							return nil, err
						}
						out[i] = parsed
					}
					return out, nil
				}
			}
		}
		if tag, ok := v[0].(string); ok {
			switch tag {
			case "error":
				return wireErrorFromJSON(v)
			case "import":
				if len(v) != 2 {
					return nil, fmt.Errorf("import expression requires exactly 2 elements")
				}
				id, err := toInt64(v[1])
				if err != nil {
					return nil, err
				}
				return &WireImport{ImportID: id}, nil
			case "export":
				if len(v) != 2 {
					return nil, fmt.Errorf("export expression requires exactly 2 elements")
				}
				id, err := toInt64(v[1])
				if err != nil {
					return nil, err
				}
				return &WireExport{ExportID: id}, nil
			case "promise":
				if len(v) != 2 {
					return nil, fmt.Errorf("promise expression requires exactly 2 elements")
				}
				id, err := toInt64(v[1])
				if err != nil {
					return nil, err
				}
				return &WirePromise{PromiseID: id}, nil
			case "date":
				if len(v) != 2 {
					return nil, fmt.Errorf("date expression requires exactly 2 elements")
				}
				ms, err := toFloat64(v[1])
				if err != nil {
					return nil, err
				}
				return &WireDate{MillisSinceEpoch: ms}, nil
			case "pipeline":
				return wirePipelineFromJSON(v)
			case "remap":
				return wireRemapFromJSON(v)
			default:
				out := make([]any, len(v))
				for i, item := range v {
					parsed, err := wireExpressionFromJSON(item)
					if err != nil {
						return nil, err
					}
					out[i] = parsed
				}
				return out, nil
			}
		}
		out := make([]any, len(v))
		for i, item := range v {
			parsed, err := wireExpressionFromJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = parsed
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid wire expression: %#v", value)
	}
}

// wireExpressionToJSON is the inverse of wireExpressionFromJSON: it turns
// in-memory expressions (plain values or tagged structs) back into plain
// JSON-marshalable values, applying the escape rule to any plain array
// whose first serialized element is itself a reserved tag string.
func wireExpressionToJSON(expr any) any {
	switch v := expr.(type) {
	case nil, bool, string, int, int64, float64:
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = wireExpressionToJSON(val)
		}
		return out
	case []any:
		serialized := make([]any, len(v))
		for i, item := range v {
			serialized[i] = wireExpressionToJSON(item)
		}
		if len(serialized) > 0 {
			if s, ok := serialized[0].(string); ok && isReservedTag(s) {
				return []any{serialized}
			}
		}
		return serialized
	case *WireError:
		return v.toJSON()
	case *WireImport:
		return v.toJSON()
	case *WireExport:
		return v.toJSON()
	case *WirePromise:
		return v.toJSON()
	case *WireDate:
		return v.toJSON()
	case *WirePipeline:
		return v.toJSON()
	case *WireRemap:
		return v.toJSON()
	default:
		// Opaque application value (struct, etc.) — pass through to the
		// standard JSON encoder untouched.
		return v
	}
}

func isReservedTag(s string) bool {
	switch s {
	case "error", "import", "export", "promise", "date", "pipeline", "remap":
		return true
	default:
		return false
	}
}

// Wire messages (spec §4.2 table).

type Message interface {
	ToJSON() []any
}

type PushMessage struct{ Expression any }

func (m *PushMessage) ToJSON() []any { return []any{"push", wireExpressionToJSON(m.Expression)} }

type PullMessage struct{ ImportID int64 }

func (m *PullMessage) ToJSON() []any { return []any{"pull", m.ImportID} }

type ResolveMessage struct {
	ExportID int64
	Value    any
}

func (m *ResolveMessage) ToJSON() []any {
	return []any{"resolve", m.ExportID, wireExpressionToJSON(m.Value)}
}

type RejectMessage struct {
	ExportID int64
	Error    any
}

func (m *RejectMessage) ToJSON() []any {
	return []any{"reject", m.ExportID, wireExpressionToJSON(m.Error)}
}

type ReleaseMessage struct {
	ImportID int64
	RefCount int64
}

func (m *ReleaseMessage) ToJSON() []any { return []any{"release", m.ImportID, m.RefCount} }

type AbortMessage struct{ Error any }

func (m *AbortMessage) ToJSON() []any { return []any{"abort", wireExpressionToJSON(m.Error)} }

// decodeJSONLine decodes one line of JSON into our generic value domain,
// using json.Number so integer IDs survive round-trips exactly, then
// normalizes numbers to int64 (no fractional part) or float64.
func decodeJSONLine(line []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return normalizeNumbers(raw), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if !strings.ContainsAny(string(t), ".eE") {
			if n, err := t.Int64(); err == nil {
				return n
			}
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeNumbers(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeNumbers(val)
		}
		return out
	default:
		return v
	}
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	default:
		return 0, fmt.Errorf("expected integer, got %#v", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %#v", v)
	}
}

// ParseMessage decodes a single wire message line (spec §4.2). An unknown
// top-level tag is returned as an error. Its callers do not abort the
// session on it: the WebSocket and HTTP/3 read loops skip the message, and
// the HTTP batch endpoint answers 400 Bad Request.
func ParseMessage(line []byte) (Message, error) {
	raw, err := decodeJSONLine(line)
	if err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	arr, ok := raw.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("wire message must be a non-empty array")
	}
	tag, ok := arr[0].(string)
	if !ok {
		return nil, fmt.Errorf("message type must be a string")
	}
	switch tag {
	case "push":
		if len(arr) != 2 {
			return nil, fmt.Errorf("push message requires exactly 2 elements")
		}
		expr, err := wireExpressionFromJSON(arr[1])
		if err != nil {
			return nil, err
		}
		return &PushMessage{Expression: expr}, nil
	case "pull":
		if len(arr) != 2 {
			return nil, fmt.Errorf("pull message requires exactly 2 elements")
		}
		id, err := toInt64(arr[1])
		if err != nil {
			return nil, err
		}
		return &PullMessage{ImportID: id}, nil
	case "resolve":
		if len(arr) != 3 {
			return nil, fmt.Errorf("resolve message requires exactly 3 elements")
		}
		id, err := toInt64(arr[1])
		if err != nil {
			return nil, err
		}
		val, err := wireExpressionFromJSON(arr[2])
		if err != nil {
			return nil, err
		}
		return &ResolveMessage{ExportID: id, Value: val}, nil
	case "reject":
		if len(arr) != 3 {
			return nil, fmt.Errorf("reject message requires exactly 3 elements")
		}
		id, err := toInt64(arr[1])
		if err != nil {
			return nil, err
		}
		val, err := wireExpressionFromJSON(arr[2])
		if err != nil {
			return nil, err
		}
		return &RejectMessage{ExportID: id, Error: val}, nil
	case "release":
		if len(arr) != 3 {
			return nil, fmt.Errorf("release message requires exactly 3 elements")
		}
		id, err := toInt64(arr[1])
		if err != nil {
			return nil, err
		}
		refcount, err := toInt64(arr[2])
		if err != nil {
			return nil, err
		}
		return &ReleaseMessage{ImportID: id, RefCount: refcount}, nil
	case "abort":
		if len(arr) != 2 {
			return nil, fmt.Errorf("abort message requires exactly 2 elements")
		}
		val, err := wireExpressionFromJSON(arr[1])
		if err != nil {
			return nil, err
		}
		return &AbortMessage{Error: val}, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", tag)
	}
}

// SerializeMessage encodes a single message to one JSON line (no trailing
// newline).
func SerializeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg.ToJSON())
}

// ParseBatch decodes a newline-delimited batch (spec §4.2/§6). A
// zero-length body is a valid empty batch.
func ParseBatch(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	messages := make([]Message, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SerializeBatch encodes messages as a newline-delimited batch body.
func SerializeBatch(messages []Message) ([]byte, error) {
	var buf bytes.Buffer
	for i, msg := range messages {
		line, err := SerializeMessage(msg)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}
