package observer

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"procarray.ai/internal/observerproto"
	"procarray.ai/internal/sim/controller"
)

// Hub fans TICK messages out to subscribed sessions. Slow sessions lose
// messages rather than stall the tick loop.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session

	dropped atomic.Uint64
}

type session struct {
	out    chan []byte
	filter map[string]bool
	every  int
}

func NewHub() *Hub {
	return &Hub{sessions: map[string]*session{}}
}

func (h *Hub) join(sid string, sub observerproto.SubscribeMsg, queue int) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &session{out: make(chan []byte, queue)}
	s.apply(sub)
	h.sessions[sid] = s
	return s.out
}

func (h *Hub) update(sid string, sub observerproto.SubscribeMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.sessions[sid]; s != nil {
		s.apply(sub)
	}
}

// send queues b for one session without blocking.
func (h *Hub) send(sid string, b []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sessions[sid]
	if s == nil {
		return false
	}
	select {
	case s.out <- b:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

func (h *Hub) leave(sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.sessions[sid]; s != nil {
		delete(h.sessions, sid)
		close(s.out)
	}
}

func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (s *session) apply(sub observerproto.SubscribeMsg) {
	s.filter = nil
	if len(sub.Controllers) > 0 {
		s.filter = make(map[string]bool, len(sub.Controllers))
		for _, id := range sub.Controllers {
			s.filter[id] = true
		}
	}
	s.every = max(sub.Every, 1)
}

// Publish sends the statuses of one tick to every session that wants it.
func (h *Hub) Publish(runID string, tick uint64, statuses []controller.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) == 0 {
		return
	}
	var all []byte
	for _, s := range h.sessions {
		if tick%uint64(s.every) != 0 {
			continue
		}
		var b []byte
		if s.filter == nil {
			if all == nil {
				all = encodeTick(runID, tick, statuses)
			}
			b = all
		} else {
			picked := make([]controller.Status, 0, len(s.filter))
			for _, st := range statuses {
				if s.filter[st.ID] {
					picked = append(picked, st)
				}
			}
			b = encodeTick(runID, tick, picked)
		}
		if b == nil {
			continue
		}
		select {
		case s.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

func encodeTick(runID string, tick uint64, statuses []controller.Status) []byte {
	b, err := json.Marshal(observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		RunID:           runID,
		Tick:            tick,
		Controllers:     statuses,
	})
	if err != nil {
		return nil
	}
	return b
}
