package gocapnweb

import "time"

// Exporter assigns wire-level ids to outgoing capability references
// discovered while serializing an outgoing expression tree. Session
// implements this against its own export table, allocating a fresh export
// id the first time a given stub is serialized in a session's lifetime and
// reusing it (with an incremented refcount) thereafter.
type Exporter interface {
	ExportStub(stub *RpcStub) (isImportTag bool, id int64)
}

// SerializeExpressionTree is the inverse of ParseExpressionTree: it walks
// an application-level value tree and replaces every *RpcStub with its
// wire tag (via exporter), every *RpcError with a WireError, and every
// time.Time with a WireDate, ready for wireExpressionToJSON.
func SerializeExpressionTree(exporter Exporter, value any) (any, error) {
	switch v := value.(type) {
	case *RpcStub:
		isImport, id := exporter.ExportStub(v)
		if isImport {
			return &WireImport{ImportID: id}, nil
		}
		return &WireExport{ExportID: id}, nil
	case *RpcPromise:
		isImport, id := exporter.ExportStub(v.RpcStub)
		if isImport {
			return &WireImport{ImportID: id}, nil
		}
		return &WirePromise{PromiseID: id}, nil
	case *RpcError:
		return &WireError{Type: string(v.Code), Message: v.Message, Stack: v.Stack, Data: v.Data}, nil
	case time.Time:
		return &WireDate{MillisSinceEpoch: float64(v.UnixMilli())}, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			serialized, err := SerializeExpressionTree(exporter, val)
			if err != nil {
				return nil, err
			}
			out[k] = serialized
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			serialized, err := SerializeExpressionTree(exporter, item)
			if err != nil {
				return nil, err
			}
			out[i] = serialized
		}
		return out, nil
	default:
		return v, nil
	}
}
