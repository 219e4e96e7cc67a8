package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/skip2/go-qrcode"
	"google.golang.org/grpc/codes"

	"github.com/victornm/trivia/internal/broadcast"
	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/hub"
	"github.com/victornm/trivia/internal/leaderboard"
	"github.com/victornm/trivia/internal/match"
	"github.com/victornm/trivia/internal/storage"
)

const qrSize = 256

type Matches interface {
	StartMatch(ctx context.Context, roster []domain.Participant) (string, error)
	AbortMatch(ctx context.Context, sessionID, reason string) error
	ForceCloseRound(ctx context.Context, sessionID string) error
	SubmitAnswer(ctx context.Context, req match.SubmitAnswerRequest) (*match.SubmitAnswerResponse, error)
	Snapshot(ctx context.Context, sessionID string, hideAnswer bool) (domain.Snapshot, error)
}

type Leaderboard interface {
	GetLeaderboard(ctx context.Context, req leaderboard.GetLeaderboardRequest) (*domain.Leaderboard, error)
}

// NoLeaderboard serves the leaderboard route when no redis mirror is configured.
type NoLeaderboard struct{}

func (NoLeaderboard) GetLeaderboard(context.Context, leaderboard.GetLeaderboardRequest) (*domain.Leaderboard, error) {
	return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("leaderboard is not configured"))
}

type Scores interface {
	ListScores(ctx context.Context, req storage.ListScoresRequest) ([]domain.Score, error)
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Config struct {
	Router      gin.IRouter
	EventBus    *event.Bus
	Matches     Matches
	Leaderboard Leaderboard
	Scores      Scores
	Hub         *hub.Hub

	// Redis, when set, receives every routed message on per-audience channels.
	Redis        Redis
	PubsubPrefix string
}

type API struct {
	matches     Matches
	leaderboard Leaderboard
	scores      Scores
	hub         *hub.Hub

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		matches:     c.Matches,
		leaderboard: c.Leaderboard,
		scores:      c.Scores,
		hub:         c.Hub,
		redis:       c.Redis,
		prefix:      c.PubsubPrefix,
	}

	r := c.Router
	r.GET("/healthz", a.Health)

	v1 := r.Group("/v1/matches")
	v1.POST("", a.StartMatch)
	v1.GET("/:id", a.GetMatch)
	v1.POST("/:id/abort", a.AbortMatch)
	v1.POST("/:id/rounds/current/close", a.ForceCloseRound)
	v1.POST("/:id/answers", a.SubmitAnswer)
	v1.GET("/:id/leaderboard", a.GetLeaderboard)
	v1.GET("/:id/scores", a.ListScores)
	v1.GET("/:id/ws", a.ServeWS)
	v1.GET("/:id/qr.png", a.JoinQR)

	// Register event handlers
	if c.Hub != nil {
		c.EventBus.SubscribeAll(c.Hub.Deliver)
	}
	if c.Redis != nil {
		c.EventBus.SubscribeAll(a.PublishEvent)
	}

	return a
}

type (
	ParticipantBody struct {
		ID   string `json:"id" binding:"required"`
		Name string `json:"name"`
	}

	StartMatchRequest struct {
		Roster []ParticipantBody `json:"roster" binding:"required"`
	}

	StartMatchResponse struct {
		SessionID string `json:"session_id"`
	}

	AbortMatchRequest struct {
		Reason string `json:"reason"`
	}

	SubmitAnswerRequest struct {
		ParticipantID   string `json:"participant_id" binding:"required"`
		QuestionID      string `json:"question_id"`
		Option          string `json:"option" binding:"required"`
		ClientElapsedMs int64  `json:"client_elapsed_ms"`
	}

	SubmitAnswerResponse struct {
		Rank    int  `json:"rank"`
		Correct bool `json:"correct"`
		Points  int  `json:"points"`
	}

	LeaderboardResponse struct {
		SessionID string             `json:"session_id"`
		Entries   []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		ParticipantID string  `json:"participant_id"`
		Score         float64 `json:"score"`
	}

	ScoresResponse struct {
		SessionID string       `json:"session_id"`
		Scores    []ScoreEntry `json:"scores"`
	}

	ScoreEntry struct {
		ParticipantID string `json:"participant_id"`
		TotalScore    int    `json:"total_score"`
	}

	ErrorResponse struct {
		Code    string `json:"code"`
		Reason  string `json:"reason,omitempty"`
		Message string `json:"message"`
	}
)

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) StartMatch(c *gin.Context) {
	var req StartMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Invalid(errors.ReasonInvalidRoster, "bad request body: %v", err))
		return
	}

	roster := make([]domain.Participant, 0, len(req.Roster))
	for _, p := range req.Roster {
		roster = append(roster, domain.Participant{ParticipantID: p.ID, DisplayName: p.Name})
	}

	id, err := a.matches.StartMatch(c.Request.Context(), roster)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, StartMatchResponse{SessionID: id})
}

// GetMatch returns the match state. Only role=operator sees the running question's answer.
func (a *API) GetMatch(c *gin.Context) {
	hide := c.Query("role") != string(hub.RoleOperator)

	snap, err := a.matches.Snapshot(c.Request.Context(), c.Param("id"), hide)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, broadcast.StateOf(snap).Data)
}

func (a *API) AbortMatch(c *gin.Context) {
	var req AbortMatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("bad request body: %v", err)))
			return
		}
	}

	if err := a.matches.AbortMatch(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) ForceCloseRound(c *gin.Context) {
	if err := a.matches.ForceCloseRound(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("bad request body: %v", err)))
		return
	}

	resp, err := a.matches.SubmitAnswer(c.Request.Context(), match.SubmitAnswerRequest{
		SessionID:     c.Param("id"),
		ParticipantID: req.ParticipantID,
		QuestionID:    req.QuestionID,
		Option:        req.Option,
		ClientElapsed: time.Duration(req.ClientElapsedMs) * time.Millisecond,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitAnswerResponse{
		Rank:    resp.Answer.Rank,
		Correct: resp.Answer.Correct,
		Points:  resp.Points,
	})
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.leaderboard.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := LeaderboardResponse{
		SessionID: l.SessionID,
		Entries:   make([]LeaderboardEntry, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		resp.Entries = append(resp.Entries, LeaderboardEntry{ParticipantID: e.ParticipantID, Score: e.Score})
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) ListScores(c *gin.Context) {
	scores, err := a.scores.ListScores(c.Request.Context(), storage.ListScoresRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := ScoresResponse{
		SessionID: c.Param("id"),
		Scores:    make([]ScoreEntry, 0, len(scores)),
	}
	for _, s := range scores {
		resp.Scores = append(resp.Scores, ScoreEntry{ParticipantID: s.ParticipantID, TotalScore: s.TotalScore})
	}

	c.JSON(http.StatusOK, resp)
}

// ServeWS attaches a websocket: ?role=operator|player|display&participant_id=.
func (a *API) ServeWS(c *gin.Context) {
	role, ok := hub.ParseRole(c.Query("role"))
	if !ok {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown role %q", c.Query("role"))))
		return
	}

	id := c.Param("id")
	hide := role != hub.RoleOperator
	if _, err := a.matches.Snapshot(c.Request.Context(), id, hide); err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	a.hub.ServeWS(c.Writer, c.Request, hub.Conn{
		SessionID:     id,
		Role:          role,
		ParticipantID: c.Query("participant_id"),
	}, func() (broadcast.Message, error) {
		snap, err := a.matches.Snapshot(ctx, id, hide)
		if err != nil {
			return broadcast.Message{}, err
		}
		return broadcast.StateOf(snap), nil
	})
}

// JoinQR renders ?url= (by default this match's state URL) as a PNG for displays.
func (a *API) JoinQR(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.matches.Snapshot(c.Request.Context(), id, true); err != nil {
		writeError(c, err)
		return
	}

	url := c.Query("url")
	if url == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		url = fmt.Sprintf("%s://%s/v1/matches/%s", scheme, c.Request.Host, id)
	}

	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("encode qr code"), errors.WithCause(err)))
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal || e.Code == errors.CodeUnavailable {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), ErrorResponse{
		Code:    codes.Code(e.Code).String(),
		Reason:  string(e.Reason),
		Message: e.Message,
	})
}
