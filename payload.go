package gocapnweb

import "sync"

// Capability is implemented by any in-memory value standing in for a
// capability reference inside an application-level payload tree (stubs and
// promises). A payload must dup() every capability it retains beyond its
// original borrowed scope, and dispose of every capability it owns exactly
// once.
type Capability interface {
	dup() Capability
	disposeCapability()
}

// PayloadSource records where an RpcPayload's Value came from, which
// determines whether EnsureDeepCopied must actually copy anything (spec
// §5.3): values borrowed from the caller's arguments are not safe to
// retain past the current turn without copying, values handed back from a
// user call need no copy but still need their capabilities tracked, and
// values this side already owns need nothing further.
type PayloadSource int

const (
	// PayloadSourceParams: value is a method call's argument tree, borrowed
	// from whatever produced it (a parsed wire batch, or the evaluator's
	// working set). Must be deep-copied before being retained past the call.
	PayloadSourceParams PayloadSource = iota
	// PayloadSourceReturn: value is what a user RpcTarget method returned.
	// Freshly constructed by application code, so already safe to own, but
	// any capabilities inside it still need to be tracked for disposal.
	PayloadSourceReturn
	// PayloadSourceOwned: value already belongs to this payload outright
	// (e.g. reconstructed from the wire, or the result of a prior
	// EnsureDeepCopied). No further copying is ever needed.
	PayloadSourceOwned
)

// RpcPayload wraps an application-level value tree together with the
// capabilities (stubs/promises) reachable within it, so the tree can be
// disposed as a unit without the caller needing to walk it by hand.
type RpcPayload struct {
	mu       sync.Mutex
	Value    any
	Source   PayloadSource
	tracked  []Capability
	disposed bool
}

func NewParamsPayload(value any) *RpcPayload {
	return &RpcPayload{Value: value, Source: PayloadSourceParams}
}

func NewReturnPayload(value any) *RpcPayload {
	return &RpcPayload{Value: value, Source: PayloadSourceReturn}
}

func NewOwnedPayload(value any) *RpcPayload {
	return &RpcPayload{Value: value, Source: PayloadSourceOwned}
}

// EnsureDeepCopied makes p safe to retain indefinitely. It is idempotent:
// once Source is Owned, calling it again is a no-op. For Params it deep
// copies the value tree, dup'ing every capability encountered (since the
// original copy, and whatever owns it, remain free to dispose their own
// reference). For Return it does not copy the tree (already fresh) but
// still walks it to collect capabilities for later disposal.
func (p *RpcPayload) EnsureDeepCopied() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.Source {
	case PayloadSourceOwned:
		return
	case PayloadSourceParams:
		p.tracked = nil
		p.Value = deepCopyAndTrack(p.Value, &p.tracked)
	case PayloadSourceReturn:
		p.tracked = nil
		trackReferences(p.Value, &p.tracked)
	}
	p.Source = PayloadSourceOwned
}

// Dispose releases every capability this payload has collected. Safe to
// call multiple times; only the first call has effect.
func (p *RpcPayload) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true
	for _, c := range p.tracked {
		c.disposeCapability()
	}
	p.tracked = nil
}

func deepCopyAndTrack(value any, tracked *[]Capability) any {
	switch v := value.(type) {
	case Capability:
		dup := v.dup()
		*tracked = append(*tracked, dup)
		return dup
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = deepCopyAndTrack(val, tracked)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopyAndTrack(item, tracked)
		}
		return out
	default:
		return v
	}
}

func trackReferences(value any, tracked *[]Capability) {
	switch v := value.(type) {
	case Capability:
		*tracked = append(*tracked, v)
	case map[string]any:
		for _, val := range v {
			trackReferences(val, tracked)
		}
	case []any:
		for _, item := range v {
			trackReferences(item, tracked)
		}
	}
}
