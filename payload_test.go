package gocapnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapability struct {
	disposed *bool
}

func (c *fakeCapability) dup() Capability {
	return &fakeCapability{disposed: c.disposed}
}

func (c *fakeCapability) disposeCapability() {
	*c.disposed = true
}

func TestEnsureDeepCopiedParamsDupsCapabilities(t *testing.T) {
	disposed := false
	cap := &fakeCapability{disposed: &disposed}
	payload := NewParamsPayload(map[string]any{"cap": cap})
	payload.EnsureDeepCopied()

	copied := payload.Value.(map[string]any)["cap"].(*fakeCapability)
	assert.NotSame(t, cap, copied)
	assert.Equal(t, PayloadSourceOwned, payload.Source)

	// Dispose() only affects the copy, not the original.
	payload.Dispose()
	assert.True(t, disposed)
}

func TestEnsureDeepCopiedIsIdempotent(t *testing.T) {
	payload := NewOwnedPayload([]any{"a", "b"})
	payload.EnsureDeepCopied()
	assert.Equal(t, []any{"a", "b"}, payload.Value)
	assert.Equal(t, PayloadSourceOwned, payload.Source)
}

func TestEnsureDeepCopiedReturnTracksWithoutCopy(t *testing.T) {
	disposed := false
	cap := &fakeCapability{disposed: &disposed}
	value := []any{cap}
	payload := NewReturnPayload(value)
	payload.EnsureDeepCopied()

	// Return-sourced payloads keep the same slice identity (no copy).
	got := payload.Value.([]any)
	require.Len(t, got, 1)
	assert.Same(t, cap, got[0].(*fakeCapability))

	payload.Dispose()
	assert.True(t, disposed)
}

func TestDisposeOnlyFiresOnce(t *testing.T) {
	calls := 0
	disposed := false
	cap := &countingCapability{count: &calls, disposed: &disposed}
	payload := NewReturnPayload(cap)
	payload.EnsureDeepCopied()

	payload.Dispose()
	payload.Dispose()
	assert.Equal(t, 1, calls)
}

type countingCapability struct {
	count    *int
	disposed *bool
}

func (c *countingCapability) dup() Capability { return c }
func (c *countingCapability) disposeCapability() {
	*c.count++
	*c.disposed = true
}
