package heap

// allocRegistry indexes every control block that is not yet freed, so the
// collector can resolve candidate ids back to objects. Entries do not
// count as references. Guarded by Heap.mu.
type allocRegistry struct {
	entries map[uint64]*box
}

func newAllocRegistry() allocRegistry {
	return allocRegistry{entries: make(map[uint64]*box)}
}

func (r *allocRegistry) insert(b *box) {
	if _, dup := r.entries[b.id]; dup {
		invariant("allocation #%d registered twice", b.id)
	}
	r.entries[b.id] = b
}

func (r *allocRegistry) remove(id uint64) {
	delete(r.entries, id)
}

func (r *allocRegistry) lookup(id uint64) *box {
	return r.entries[id]
}

func (r *allocRegistry) len() int {
	return len(r.entries)
}

// track inserts b once allocation succeeded.
func (h *Heap) track(b *box) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrNotInitialized
	}
	h.allocs.insert(b)
	return nil
}

func (h *Heap) untrack(b *box) {
	h.mu.Lock()
	h.allocs.remove(b.id)
	h.mu.Unlock()
}

// Blocks returns the number of control blocks still registered, including
// dropped values kept alive by weak handles and leaked objects.
func (h *Heap) Blocks() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.allocs.len()
}
