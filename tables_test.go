package gocapnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type disposeCountingHook struct {
	ErrorStubHook
	disposeCount *int
}

func (h *disposeCountingHook) Dispose() {
	*h.disposeCount++
}

func newDisposeCountingHook(count *int) StubHook {
	return &disposeCountingHook{disposeCount: count}
}

func TestExportTableAddAndGet(t *testing.T) {
	table := NewExportTable()
	hook := newDisposeCountingHook(new(int))
	entry := table.Add(1, hook)
	assert.EqualValues(t, 1, entry.RefCount)

	got, ok := table.Get(1)
	require.True(t, ok)
	assert.Same(t, entry, got)
	assert.True(t, table.Contains(1))
	assert.False(t, table.Contains(2))
}

func TestExportTableCumulativeRefcount(t *testing.T) {
	table := NewExportTable()
	disposed := 0
	hook := newDisposeCountingHook(&disposed)
	table.Add(1, hook)
	table.AddRef(1, 2) // refcount now 3

	assert.False(t, table.Release(1, 1)) // refcount 2
	assert.False(t, table.Release(1, 1)) // refcount 1
	assert.Equal(t, 0, disposed)
	assert.True(t, table.Release(1, 1)) // refcount 0, disposed
	assert.Equal(t, 1, disposed)
	assert.False(t, table.Contains(1))
}

func TestExportTableClearDisposesAll(t *testing.T) {
	table := NewExportTable()
	disposedA, disposedB := 0, 0
	table.Add(1, newDisposeCountingHook(&disposedA))
	table.Add(2, newDisposeCountingHook(&disposedB))
	table.Clear()
	assert.Equal(t, 1, disposedA)
	assert.Equal(t, 1, disposedB)
	assert.False(t, table.Contains(1))
	assert.False(t, table.Contains(2))
}

func TestExportTableSnapshotRestore(t *testing.T) {
	table := NewExportTable()
	table.Add(1, newDisposeCountingHook(new(int)))
	snap := table.Snapshot()

	table.Add(2, newDisposeCountingHook(new(int)))
	assert.True(t, table.Contains(2))

	table.Restore(snap)
	assert.True(t, table.Contains(1))
	assert.False(t, table.Contains(2))
}

func TestImportTableRefcountAndDispose(t *testing.T) {
	table := NewImportTable()
	disposed := 0
	table.Add(1, newDisposeCountingHook(&disposed))
	table.AddRef(1, 1)
	assert.False(t, table.Release(1, 1))
	assert.True(t, table.Release(1, 1))
	assert.Equal(t, 1, disposed)
}

func TestReleaseUnknownIDIsNoop(t *testing.T) {
	table := NewExportTable()
	assert.False(t, table.Release(99, 1))
}
