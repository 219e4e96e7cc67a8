// Package hub delivers routed match messages to websocket clients of this process.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/trivia/internal/broadcast"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/match"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBuffer     = 64
)

type Role string

const (
	RoleOperator Role = "operator"
	RolePlayer   Role = "player"
	RoleDisplay  Role = "display"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleOperator, RolePlayer, RoleDisplay:
		return r, true
	case "":
		return RoleDisplay, true
	}
	return "", false
}

// AnswerSubmitter accepts answers sent over a player's socket.
type AnswerSubmitter interface {
	SubmitAnswer(ctx context.Context, req match.SubmitAnswerRequest) (*match.SubmitAnswerResponse, error)
}

type Config struct {
	Answers AnswerSubmitter
}

type Hub struct {
	answers AnswerSubmitter

	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// outbound is a marshaled message for a whole session, or for one client when client is set.
type outbound struct {
	sessionID string
	msg       broadcast.Message
	data      []byte
	client    *Client
}

func New(c Config) *Hub {
	h := &Hub{
		answers:    c.Answers,
		sessions:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Deliver routes an engine event and queues each message for the matching clients.
func (h *Hub) Deliver(_ context.Context, e event.Event) error {
	for _, m := range broadcast.Route(e) {
		h.enqueue(m, nil)
	}
	return nil
}

func (h *Hub) enqueue(m broadcast.Message, c *Client) {
	b, err := json.Marshal(m)
	if err != nil {
		slog.Error("hub: marshal failed", "event", m.Event, "error", err)
		return
	}

	select {
	case h.broadcast <- outbound{sessionID: m.SessionID, msg: m, data: b, client: c}:
	case <-h.stop:
	}
}

func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for id, clients := range h.sessions {
				for c := range clients {
					close(c.send)
				}
				delete(h.sessions, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if _, ok := h.sessions[c.sessionID]; !ok {
				h.sessions[c.sessionID] = make(map[*Client]struct{})
			}
			h.sessions[c.sessionID][c] = struct{}{}
			h.mu.Unlock()

			slog.Info("hub: client registered",
				"session_id", c.sessionID,
				"role", c.role,
				"participant_id", c.participantID,
			)
			h.greet(c)

		case c := <-h.unregister:
			h.remove(c)

		case m := <-h.broadcast:
			if m.client != nil {
				h.send(m.client, m.data)
				continue
			}

			h.mu.RLock()
			targets := make([]*Client, 0, len(h.sessions[m.sessionID]))
			for c := range h.sessions[m.sessionID] {
				if c.wants(m.msg) {
					targets = append(targets, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range targets {
				h.send(c, m.data)
			}
		}
	}
}

// greet queues the state as the client's first message. It runs on the hub loop, so every
// event routed after the state was taken reaches the client after it.
func (h *Hub) greet(c *Client) {
	m, err := c.state()
	if err != nil {
		slog.Warn("hub: state unavailable", "session_id", c.sessionID, "error", err)
		h.remove(c)
		return
	}

	m.SessionID = c.sessionID
	b, err := json.Marshal(m)
	if err != nil {
		slog.Error("hub: marshal failed", "event", m.Event, "error", err)
		h.remove(c)
		return
	}
	h.send(c, b)
}

// send drops a client whose buffer is full rather than stall everyone else.
func (h *Hub) send(c *Client, data []byte) {
	h.mu.RLock()
	_, ok := h.sessions[c.sessionID][c]
	h.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case c.send <- data:
	default:
		slog.Warn("hub: slow client dropped", "session_id", c.sessionID, "role", c.role)
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[c.sessionID]
	if !ok {
		return
	}
	if _, exists := clients[c]; exists {
		delete(clients, c)
		close(c.send)
	}
	if len(clients) == 0 {
		delete(h.sessions, c.sessionID)
	}

	slog.Info("hub: client unregistered",
		"session_id", c.sessionID,
		"role", c.role,
		"participant_id", c.participantID,
	)
}

// Count returns how many clients watch a session.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions[sessionID])
}

// Stop closes every client's send queue and stops the hub loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
