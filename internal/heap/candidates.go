package heap

import "sync"

// candidateSet holds ids of objects whose strong count was decremented to
// a non-zero value. The buffered flag on the box keeps an object from
// being queued twice between passes.
type candidateSet struct {
	mu  sync.Mutex
	ids []uint64
}

// push queues b and returns the number of pending candidates.
func (c *candidateSet) push(b *box) (int, bool) {
	if !b.buffered.CompareAndSwap(false, true) {
		return 0, false
	}
	c.mu.Lock()
	c.ids = append(c.ids, b.id)
	n := len(c.ids)
	c.mu.Unlock()
	return n, true
}

func (c *candidateSet) drain() []uint64 {
	c.mu.Lock()
	ids := c.ids
	c.ids = nil
	c.mu.Unlock()
	return ids
}

func (c *candidateSet) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// suspect records b as a possible cycle member and starts an automatic
// pass once the threshold is reached.
func (h *Heap) suspect(b *box) {
	n, queued := h.candidates.push(b)
	if !queued || h.manual || int64(n) < h.threshold.Load() {
		return
	}
	h.tryCollect(TriggerThreshold)
}
