package batch

import "sync"

// hub fans session snapshots out to subscribers. Each subscriber holds at
// most the latest snapshot: a slow reader skips intermediate ones but
// always sees the terminal one, after which its channel is closed.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Session]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan Session]struct{})}
}

func (h *hub) subscribe(id string) chan Session {
	ch := make(chan Session, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[chan Session]struct{})
	}
	h.subs[id][ch] = struct{}{}
	return ch
}

func (h *hub) unsubscribe(id string, ch chan Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id, ch)
}

func (h *hub) removeLocked(id string, ch chan Session) {
	set := h.subs[id]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, id)
	}
}

// deliver sends s to one subscriber, if it is still registered.
func (h *hub) deliver(ch chan Session, s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID][ch]; !ok {
		return
	}
	offer(ch, s)
	if s.Status.Terminal() {
		h.removeLocked(s.ID, ch)
	}
}

func (h *hub) publish(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[s.ID] {
		offer(ch, s)
		if s.Status.Terminal() {
			h.removeLocked(s.ID, ch)
		}
	}
}

// offer replaces any unread snapshot with s. Only the hub sends, under
// its lock, so the second send cannot block.
func offer(ch chan Session, s Session) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- s
}
