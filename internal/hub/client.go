package hub

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/trivia/internal/broadcast"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/match"
)

const (
	msgTypeSubmitAnswer = "submit_answer"

	EventNameAnswerResult = "answer.result"
	EventNameError        = "error"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Client struct {
	hub           *Hub
	sessionID     string
	role          Role
	participantID string
	conn          *websocket.Conn
	send          chan []byte
	state         StateFunc
}

// StateFunc renders the match state a client receives first. The hub calls it once the
// client is registered, so no event published after the state was taken is missed.
type StateFunc func() (broadcast.Message, error)

// Conn names who is connecting to which match.
type Conn struct {
	SessionID     string
	Role          Role
	ParticipantID string
}

type clientMsg struct {
	Type       string `json:"type"`
	QuestionID string `json:"question_id"`
	Option     string `json:"option"`
	ElapsedMs  int64  `json:"client_elapsed_ms"`
}

type AnswerResult struct {
	Rank    int  `json:"rank"`
	Correct bool `json:"correct"`
	Points  int  `json:"points"`
}

type ErrorPayload struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// ServeWS upgrades the request and registers the client, then pumps until the connection
// closes. The hub sends the rendered state before any routed event.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, cc Conn, state StateFunc) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "hub: upgrade failed", "session_id", cc.SessionID, "error", err)
		return
	}

	c := &Client{
		hub:           h,
		sessionID:     cc.SessionID,
		role:          cc.Role,
		participantID: cc.ParticipantID,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		state:         state,
	}

	select {
	case h.register <- c:
	case <-h.stop:
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// wants reports whether m is addressed to this client.
func (c *Client) wants(m broadcast.Message) bool {
	switch m.Audience {
	case broadcast.AudienceOperator:
		return c.role == RoleOperator
	case broadcast.AudiencePlayers:
		return c.role != RoleOperator
	case broadcast.AudienceParticipant:
		return c.role == RolePlayer && c.participantID != "" && c.participantID == m.ParticipantID
	}
	return false
}

func (c *Client) reply(event string, data any) {
	c.hub.enqueue(broadcast.Message{SessionID: c.sessionID, Event: event, Data: data}, c)
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("hub: read failed", "session_id", c.sessionID, "error", err)
			}
			return
		}

		switch msg.Type {
		case msgTypeSubmitAnswer:
			c.submitAnswer(msg)
		default:
			c.reply(EventNameError, ErrorPayload{Message: "unknown message type: " + msg.Type})
		}
	}
}

func (c *Client) submitAnswer(msg clientMsg) {
	if c.role != RolePlayer || c.participantID == "" || c.hub.answers == nil {
		c.reply(EventNameError, ErrorPayload{Message: "only players can answer"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	resp, err := c.hub.answers.SubmitAnswer(ctx, match.SubmitAnswerRequest{
		SessionID:     c.sessionID,
		ParticipantID: c.participantID,
		QuestionID:    msg.QuestionID,
		Option:        msg.Option,
		ClientElapsed: time.Duration(msg.ElapsedMs) * time.Millisecond,
	})
	if err != nil {
		e := errors.Convert(err)
		c.reply(EventNameError, ErrorPayload{Reason: string(e.Reason), Message: e.Message})
		return
	}

	c.reply(EventNameAnswerResult, AnswerResult{
		Rank:    resp.Answer.Rank,
		Correct: resp.Answer.Correct,
		Points:  resp.Points,
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("hub: write failed", "session_id", c.sessionID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
