package alert

import "sync"

// DefaultHistorySize is the number of alerts History keeps when no capacity
// is given.
const DefaultHistorySize = 50

// History is a fixed-capacity, insertion-ordered ring of alerts. Once full,
// each Append discards the oldest entry. It is safe for concurrent use;
// readers always receive copies.
type History struct {
	mu    sync.RWMutex
	buf   []Alert
	start int
	n     int
}

// NewHistory returns an empty History holding at most capacity alerts. A
// non-positive capacity selects DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]Alert, capacity)}
}

// Append records a, evicting the oldest alert if the history is full.
func (h *History) Append(a Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.buf)
	if h.n < capacity {
		h.buf[(h.start+h.n)%capacity] = a
		h.n++
		return
	}
	h.buf[h.start] = a
	h.start = (h.start + 1) % capacity
}

// Len returns the number of alerts held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

// Cap returns the maximum number of alerts held.
func (h *History) Cap() int {
	return len(h.buf)
}

// Snapshot returns the held alerts oldest first.
func (h *History) Snapshot() []Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Alert, h.n)
	for i := range out {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Newest returns the held alerts newest first, the order the dashboard
// displays them in.
func (h *History) Newest() []Alert {
	out := h.Snapshot()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
