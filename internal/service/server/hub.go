package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

// hub tracks every open socket per user id. One user can hold several
// sessions at once (tabs, devices); deliveries and echoes fan out to all of
// them.

type wsSession struct {
	userID string

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSession) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) close() {
	s.conn.Close()
}

type hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*wsSession]struct{}
}

func newHub() *hub {
	return &hub{sessions: make(map[string]map[*wsSession]struct{})}
}

func (h *hub) register(s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.userID] == nil {
		h.sessions[s.userID] = make(map[*wsSession]struct{})
	}
	h.sessions[s.userID][s] = struct{}{}
}

func (h *hub) unregister(s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.userID]
	if set == nil {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.userID)
	}
}

// deliver writes to every session of userID, except the one given (used to
// echo a message to the sender's other sessions without bouncing it back to
// the session that sent it).
func (h *hub) deliver(userID string, data []byte, except *wsSession) int {
	h.mu.RLock()
	targets := make([]*wsSession, 0, len(h.sessions[userID]))
	for s := range h.sessions[userID] {
		if s != except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.write(data); err != nil {
			s.close()
			h.unregister(s)
			continue
		}
		delivered++
	}
	return delivered
}
