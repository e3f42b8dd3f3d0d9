package gocapnweb

import (
	"context"
	"fmt"
)

// EvaluateExpression interprets a parsed expression tree (the output of
// ParseExpressionTree) against session's export table: pipeline nodes
// dispatch a call/get against whatever they target, remap nodes run the
// map() applicator, and everything else is returned as-is once any nested
// pipeline/remap nodes within it have themselves been evaluated.
func EvaluateExpression(ctx context.Context, session *Session, expr any) (*RpcPayload, error) {
	switch v := expr.(type) {
	case *WirePipeline:
		return evaluatePipeline(ctx, session, v)
	case *WireRemap:
		return ApplyRemap(ctx, session, v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			resolved, err := EvaluateExpression(ctx, session, val)
			if err != nil {
				return nil, err
			}
			out[k] = resolved.Value
		}
		return NewOwnedPayload(out), nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := EvaluateExpression(ctx, session, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved.Value
		}
		return NewOwnedPayload(out), nil
	default:
		return NewOwnedPayload(v), nil
	}
}

func evaluatePipeline(ctx context.Context, session *Session, p *WirePipeline) (*RpcPayload, error) {
	entry, err := resolveTargetID(session, p.TargetID)
	if err != nil {
		return nil, err
	}
	if p.HasArgs {
		argsPayload, err := EvaluateExpression(ctx, session, p.Args)
		if err != nil {
			return nil, err
		}
		return entry.Hook.Call(ctx, p.Path, argsPayload)
	}
	return entry.Hook.Get(ctx, p.Path)
}

// resolveTargetID looks up a pipeline/remap target in the evaluating
// side's own export table. A pipeline target id is always, by
// construction (Session.wireIDForImport), either the literal export id or
// its negation; trying both covers a target addressed from either side of
// the id-space convention in ids.go without requiring a redundant tag.
func resolveTargetID(session *Session, id int64) (*ExportEntry, error) {
	if entry, ok := session.exports.Get(ExportID(id)); ok {
		return entry, nil
	}
	if id < 0 {
		if entry, ok := session.exports.Get(ExportID(-id)); ok {
			return entry, nil
		}
	}
	return nil, ErrBadRequest(fmt.Sprintf("no such pipeline target: %d", id))
}
