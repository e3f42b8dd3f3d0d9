package gocapnweb

import "sync"

// ExportEntry is one row of an ExportTable: a capability this side has
// handed to the peer, together with how many times the peer (or a pending
// local pipeline) still holds a reference to it.
type ExportEntry struct {
	ID       ExportID
	Hook     StubHook
	RefCount int64
}

// ImportEntry is one row of an ImportTable: a capability the peer has
// handed to this side.
type ImportEntry struct {
	ID       ImportID
	Hook     StubHook
	RefCount int64
}

// ExportTable tracks every capability this side has exported to the peer,
// keyed by the export id this side allocated for it (spec §3/§4.1).
// Refcounted so the same underlying hook survives being referenced from
// multiple places in a batch until every reference is released.
type ExportTable struct {
	mu      sync.Mutex
	entries map[ExportID]*ExportEntry
}

func NewExportTable() *ExportTable {
	return &ExportTable{entries: make(map[ExportID]*ExportEntry)}
}

// Add registers hook under a freshly allocated export id with refcount 1.
func (t *ExportTable) Add(id ExportID, hook StubHook) *ExportEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := &ExportEntry{ID: id, Hook: hook, RefCount: 1}
	t.entries[id] = entry
	return entry
}

func (t *ExportTable) Get(id ExportID) (*ExportEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

func (t *ExportTable) Contains(id ExportID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *ExportTable) AddRef(id ExportID, count int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.RefCount += count
	}
}

// Release drops count references from id's entry, disposing and removing
// it once the refcount reaches zero (spec §4.4's cumulative release
// semantics). Returns true if the entry was disposed by this call.
func (t *ExportTable) Release(id ExportID, count int64) bool {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	entry.RefCount -= count
	disposed := entry.RefCount <= 0
	if disposed {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if disposed {
		entry.Hook.Dispose()
	}
	return disposed
}

// Clear disposes and removes every entry, used when a session aborts.
func (t *ExportTable) Clear() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[ExportID]*ExportEntry)
	t.mu.Unlock()
	for _, e := range entries {
		e.Hook.Dispose()
	}
}

// Snapshot returns a copy of the current entries (each entry copied, hooks
// shared) that Restore can later put back. Session does not call it; batch
// processing does not roll back.
func (t *ExportTable) Snapshot() map[ExportID]*ExportEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ExportID]*ExportEntry, len(t.entries))
	for k, v := range t.entries {
		copied := *v
		out[k] = &copied
	}
	return out
}

func (t *ExportTable) Restore(snapshot map[ExportID]*ExportEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = snapshot
}

// ImportTable tracks every capability the peer has handed to this side,
// keyed by the id as seen from this side (positive if allocated locally
// for the result of one of this side's own pushes, negative if it mirrors
// an id the peer introduced with an "export" or "promise" tag, 0 for the
// peer's main capability — see ids.go).
type ImportTable struct {
	mu      sync.Mutex
	entries map[ImportID]*ImportEntry
}

func NewImportTable() *ImportTable {
	return &ImportTable{entries: make(map[ImportID]*ImportEntry)}
}

func (t *ImportTable) Add(id ImportID, hook StubHook) *ImportEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := &ImportEntry{ID: id, Hook: hook, RefCount: 1}
	t.entries[id] = entry
	return entry
}

func (t *ImportTable) Get(id ImportID) (*ImportEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

func (t *ImportTable) Contains(id ImportID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *ImportTable) AddRef(id ImportID, count int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.RefCount += count
	}
}

func (t *ImportTable) Release(id ImportID, count int64) bool {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	entry.RefCount -= count
	disposed := entry.RefCount <= 0
	if disposed {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if disposed {
		entry.Hook.Dispose()
	}
	return disposed
}

func (t *ImportTable) Clear() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[ImportID]*ImportEntry)
	t.mu.Unlock()
	for _, e := range entries {
		e.Hook.Dispose()
	}
}

func (t *ImportTable) Snapshot() map[ImportID]*ImportEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ImportID]*ImportEntry, len(t.entries))
	for k, v := range t.entries {
		copied := *v
		out[k] = &copied
	}
	return out
}

func (t *ImportTable) Restore(snapshot map[ImportID]*ImportEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = snapshot
}
