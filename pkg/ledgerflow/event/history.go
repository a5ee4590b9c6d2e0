package event

import "sync"

// history is a fixed-capacity ring of events; the oldest entry is
// overwritten when full.
type history struct {
	mu    sync.RWMutex
	buf   []Event
	next  int
	count int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultBusConfig.HistorySize
	}
	return &history{buf: make([]Event, capacity)}
}

func (h *history) add(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// snapshot returns up to limit of the newest events on channel, oldest
// first. An empty channel matches all events; limit <= 0 means no limit.
func (h *history) snapshot(channel Channel, limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Event
	for i := 0; i < h.count; i++ {
		idx := (h.next - 1 - i + len(h.buf)) % len(h.buf)
		e := h.buf[idx]
		if channel != "" && e.Channel != channel {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
