package gocapnweb

import "time"

// Importer resolves wire-level capability references encountered while
// parsing an incoming expression tree into live stubs. Session implements
// this by consulting its export/import tables (spec §4.1's id-space
// convention, ids.go): an "export" tag is the peer handing over a brand
// new capability, an "import" tag is the peer handing back a reference to
// one of ours, and a "promise" tag is like "export" but not yet resolved.
type Importer interface {
	ResolveExportTag(id ExportID) (*RpcStub, error)
	ResolveImportTag(id ImportID) (*RpcStub, error)
	ResolvePromiseTag(id ExportID) (*RpcStub, error)
}

// ParseExpressionTree walks a tree already produced by wireExpressionFromJSON
// and replaces every wire capability/date tag with its live, in-memory
// equivalent: *RpcStub for export/promise tags, time.Time for date tags.
// An "import" tag is never valid input — only a sender's own serializer
// produces it, for a capability it is handing back to the peer that
// already owns it — so here it always resolves to a broken stub rather
// than a live capability. WirePipeline and WireRemap nodes are left
// untouched — the evaluator (evaluator.go) interprets those against the
// rest of the batch, not the parser.
func ParseExpressionTree(importer Importer, expr any) (any, error) {
	switch v := expr.(type) {
	case *WireImport:
		return NewRpcStub(NewErrorStubHook(ErrBadRequest("import tags are not accepted as input"))), nil
	case *WireExport:
		return importer.ResolveExportTag(ExportID(v.ExportID))
	case *WirePromise:
		return importer.ResolvePromiseTag(ExportID(v.PromiseID))
	case *WireDate:
		return time.UnixMilli(int64(v.MillisSinceEpoch)).UTC(), nil
	case *WireError:
		return &RpcError{Code: normalizeErrorCode(v.Type), Message: v.Message, Stack: v.Stack, Data: v.Data}, nil
	case *WirePipeline, *WireRemap:
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			parsed, err := ParseExpressionTree(importer, val)
			if err != nil {
				return nil, err
			}
			out[k] = parsed
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			parsed, err := ParseExpressionTree(importer, item)
			if err != nil {
				return nil, err
			}
			out[i] = parsed
		}
		return out, nil
	default:
		return v, nil
	}
}

func normalizeErrorCode(raw string) ErrorCode {
	code := ErrorCode(raw)
	if knownErrorCodes[code] {
		return code
	}
	return ErrorCodeInternal
}
