package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/trivia/internal/api"
	"github.com/victornm/trivia/internal/broadcast"
	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/hub"
	"github.com/victornm/trivia/internal/leaderboard"
	"github.com/victornm/trivia/internal/match"
	"github.com/victornm/trivia/internal/question"
	"github.com/victornm/trivia/internal/round/roundtest"
	"github.com/victornm/trivia/internal/storage"
)

const rosterBody = `{"roster": [{"id": "a", "name": "Ada"}, {"id": "b", "name": "Bob"}, {"id": "c", "name": "Cy"}]}`

func questions(n int) []domain.Question {
	out := make([]domain.Question, 0, n)
	for i := range n {
		out = append(out, domain.Question{
			QuestionID: fmt.Sprintf("q%d", i+1),
			Prompt:     fmt.Sprintf("question %d", i+1),
			Options: []domain.Option{
				{ID: "A", Text: "one"},
				{ID: "B", Text: "two"},
				{ID: "C", Text: "three"},
			},
			CorrectOption: "B",
			Difficulty:    domain.DifficultyEasy,
		})
	}
	return out
}

type env struct {
	clock  *roundtest.Clock
	redis  *redis.Client
	router *gin.Engine
}

func setup(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	store, err := storage.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := &env{
		clock:  roundtest.NewClock(),
		redis:  rc,
		router: gin.New(),
	}

	bus := event.NewBus()
	m := match.NewManager(match.Config{
		Rounds:          3,
		RoundDuration:   30 * time.Second,
		TransitionDelay: 2 * time.Second,
		EventBus:        bus,
		Store:           store,
		Questions:       question.NewMemory(questions(5)),
		Now:             e.clock.Now,
		NewTimerFunc:    e.clock.NewTimer,
		NewTickerFunc:   e.clock.NewTicker,
	})
	h := hub.New(hub.Config{Answers: m})

	api.New(api.Config{
		Router:   e.router,
		EventBus: bus,
		Matches:  m,
		Leaderboard: leaderboard.NewService(leaderboard.Config{
			EventBus: bus,
			Redis:    rc,
			Prefix:   "trivia",
		}),
		Scores:       store,
		Hub:          h,
		Redis:        rc,
		PubsubPrefix: "trivia",
	})

	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		bus.Stop()
		h.Stop()
	})

	return e
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) start(t *testing.T) string {
	t.Helper()

	w := e.do(t, http.MethodPost, "/v1/matches", rosterBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp api.StartMatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

// runRound fires the transition delay and waits until the round accepts answers.
func (e *env) runRound(t *testing.T) {
	t.Helper()

	e.clock.NextTimer(t).Fire()
	e.clock.NextTimer(t)
	e.clock.NextTicker(t)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_Health(t *testing.T) {
	e := setup(t)

	w := e.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAPI_StartMatch(t *testing.T) {
	tests := map[string]struct {
		body       string
		wantStatus int
		wantReason string
	}{
		"three participants": {
			body:       rosterBody,
			wantStatus: http.StatusCreated,
		},
		"two participants": {
			body:       `{"roster": [{"id": "a"}, {"id": "b"}]}`,
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_roster",
		},
		"duplicate participant": {
			body:       `{"roster": [{"id": "a"}, {"id": "a"}, {"id": "c"}]}`,
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_roster",
		},
		"not json": {
			body:       `roster`,
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_roster",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := setup(t)

			w := e.do(t, http.MethodPost, "/v1/matches", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantReason != "" {
				require.Equal(t, tt.wantReason, decode[api.ErrorResponse](t, w).Reason)
			}
		})
	}
}

func TestAPI_StartMatch_ParticipantBusy(t *testing.T) {
	e := setup(t)
	e.start(t)

	w := e.do(t, http.MethodPost, "/v1/matches", rosterBody)
	require.Equal(t, http.StatusConflict, w.Code)

	resp := decode[api.ErrorResponse](t, w)
	require.Equal(t, "match_active", resp.Reason)
	require.Equal(t, "FailedPrecondition", resp.Code)
}

func TestAPI_MatchLifecycle(t *testing.T) {
	e := setup(t)
	id := e.start(t)

	state := decode[broadcast.State](t, e.do(t, http.MethodGet, "/v1/matches/"+id, ""))
	require.Equal(t, id, state.SessionID)
	require.Equal(t, "active", state.Status)
	require.Equal(t, 3, state.TotalRounds)
	require.Len(t, state.Standings, 3)

	e.runRound(t)

	player := decode[broadcast.State](t, e.do(t, http.MethodGet, "/v1/matches/"+id+"?role=player", ""))
	require.NotNil(t, player.Question)
	require.Empty(t, player.Question.CorrectOption, "players never see the answer of a running round")

	operator := decode[broadcast.State](t, e.do(t, http.MethodGet, "/v1/matches/"+id+"?role=operator", ""))
	require.NotNil(t, operator.Question)
	require.Equal(t, "B", operator.Question.CorrectOption)

	answer := `{"participant_id": "a", "option": "B", "client_elapsed_ms": 1200}`
	w := e.do(t, http.MethodPost, "/v1/matches/"+id+"/answers", answer)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	got := decode[api.SubmitAnswerResponse](t, w)
	require.Equal(t, 1, got.Rank)
	require.True(t, got.Correct)
	require.Positive(t, got.Points)

	w = e.do(t, http.MethodPost, "/v1/matches/"+id+"/answers", answer)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "duplicate_answer", decode[api.ErrorResponse](t, w).Reason)

	w = e.do(t, http.MethodPost, "/v1/matches/"+id+"/rounds/current/close", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := e.do(t, http.MethodGet, "/v1/matches/"+id+"/leaderboard", "")
		if w.Code != http.StatusOK {
			return false
		}
		l := decode[api.LeaderboardResponse](t, w)
		return len(l.Entries) == 3 && l.Entries[0].ParticipantID == "a" && l.Entries[0].Score > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		w := e.do(t, http.MethodGet, "/v1/matches/"+id+"/scores", "")
		if w.Code != http.StatusOK {
			return false
		}
		for _, s := range decode[api.ScoresResponse](t, w).Scores {
			if s.ParticipantID == "a" {
				return s.TotalScore == got.Points
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	w = e.do(t, http.MethodPost, "/v1/matches/"+id+"/abort", `{"reason": "venue closing"}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		s := decode[broadcast.State](t, e.do(t, http.MethodGet, "/v1/matches/"+id, ""))
		return s.Status == "aborted" && s.Reason == "venue closing"
	}, 2*time.Second, 10*time.Millisecond)

	w = e.do(t, http.MethodPost, "/v1/matches/"+id+"/answers", `{"participant_id": "b", "option": "B"}`)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_UnknownMatch(t *testing.T) {
	tests := map[string]struct {
		method string
		path   string
		body   string
	}{
		"get":         {method: http.MethodGet, path: "/v1/matches/nope"},
		"abort":       {method: http.MethodPost, path: "/v1/matches/nope/abort"},
		"close round": {method: http.MethodPost, path: "/v1/matches/nope/rounds/current/close"},
		"answer":      {method: http.MethodPost, path: "/v1/matches/nope/answers", body: `{"participant_id": "a", "option": "B"}`},
		"leaderboard": {method: http.MethodGet, path: "/v1/matches/nope/leaderboard"},
		"scores":      {method: http.MethodGet, path: "/v1/matches/nope/scores"},
		"qr":          {method: http.MethodGet, path: "/v1/matches/nope/qr.png"},
		"ws":          {method: http.MethodGet, path: "/v1/matches/nope/ws?role=display"},
	}

	e := setup(t)
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			w := e.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
			require.Equal(t, "match_not_found", decode[api.ErrorResponse](t, w).Reason)
		})
	}
}

func TestAPI_JoinQR(t *testing.T) {
	e := setup(t)
	id := e.start(t)

	for _, path := range []string{
		"/v1/matches/" + id + "/qr.png",
		"/v1/matches/" + id + "/qr.png?url=https://quiz.example.com/join",
	} {
		w := e.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "image/png", w.Header().Get("Content-Type"))
		require.True(t, strings.HasPrefix(w.Body.String(), "\x89PNG"))
	}
}

func TestAPI_ServeWS(t *testing.T) {
	e := setup(t)
	id := e.start(t)

	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/matches/" + id + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?role=judge", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?role=player&participant_id=a", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var f struct {
		Event string          `json:"event"`
		Data  broadcast.State `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, broadcast.EventNameState, f.Event)
	require.Equal(t, id, f.Data.SessionID)
	require.Equal(t, "active", f.Data.Status)
}

func TestAPI_PublishesToRedis(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	sub := e.redis.PSubscribe(ctx, "trivia:match:*:players")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	id := e.start(t)

	select {
	case msg := <-sub.Channel():
		require.Equal(t, "trivia:match:"+id+":players", msg.Channel)

		var f struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &f))
		require.Equal(t, domain.EventNameMatchStarted, f.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published")
	}
}

func TestChannel(t *testing.T) {
	tests := map[string]struct {
		msg  broadcast.Message
		want string
	}{
		"operator": {
			msg:  broadcast.Message{SessionID: "s1", Audience: broadcast.AudienceOperator},
			want: "trivia:match:s1:operator",
		},
		"players": {
			msg:  broadcast.Message{SessionID: "s1", Audience: broadcast.AudiencePlayers},
			want: "trivia:match:s1:players",
		},
		"participant": {
			msg:  broadcast.Message{SessionID: "s1", Audience: broadcast.AudienceParticipant, ParticipantID: "a"},
			want: "trivia:match:s1:participant:a",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, api.Channel("trivia", tt.msg))
		})
	}
}
