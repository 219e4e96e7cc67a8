package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/round"
)

const (
	DefaultRounds    = 6
	DefaultRetention = 10 * time.Minute

	ShutdownReason = "server shutdown"
)

// QuestionSource supplies a match's distinct questions, once, at start.
type QuestionSource interface {
	SelectRounds(ctx context.Context, count int) ([]domain.Question, error)
}

type Config struct {
	Rounds          int
	RoundDuration   time.Duration
	TransitionDelay time.Duration
	TickInterval    time.Duration
	// Retention is how long a finished or aborted match stays readable.
	Retention time.Duration

	EventBus  round.Publisher
	Store     Store
	Questions QuestionSource

	Now           func() time.Time
	NewTimerFunc  func(d time.Duration) round.Timer
	NewTickerFunc func(d time.Duration) round.Ticker
}

// Manager is the registry of sessions keyed by session id. There is no process-wide match:
// every match is its own Session.
type Manager struct {
	c Config

	mu       sync.RWMutex
	sessions map[string]*entry
	busy     map[string]string // participant id → session id, for active matches

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type entry struct {
	s       *Session
	endTime time.Time
}

func NewManager(c Config) *Manager {
	if c.Rounds <= 0 {
		c.Rounds = DefaultRounds
	}
	if c.RoundDuration <= 0 {
		c.RoundDuration = round.DefaultDuration
	}
	if c.TransitionDelay < 0 {
		c.TransitionDelay = round.DefaultTransitionDelay
	}
	if c.TickInterval <= 0 {
		c.TickInterval = round.DefaultTickInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	m := &Manager{
		c:        c,
		sessions: make(map[string]*entry),
		busy:     make(map[string]string),
		stop:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.reaperLoop()

	return m
}

// StartMatch validates the roster, picks the questions and starts a session.
func (m *Manager) StartMatch(ctx context.Context, roster []domain.Participant) (string, error) {
	if err := validateRoster(roster); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session ID: %w", err)
	}
	sessionID := id.String()

	if err := m.reserve(sessionID, roster); err != nil {
		return "", err
	}

	s, err := m.newSession(ctx, sessionID, roster)
	if err != nil {
		m.release(sessionID, roster, true)
		return "", err
	}

	m.mu.Lock()
	m.sessions[sessionID] = &entry{s: s}
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.release(sessionID, roster, true)
		return "", err
	}

	return sessionID, nil
}

func (m *Manager) newSession(ctx context.Context, sessionID string, roster []domain.Participant) (*Session, error) {
	plan, err := m.c.Questions.SelectRounds(ctx, m.c.Rounds)
	if errors.ReasonOf(err) != "" {
		return nil, err
	}
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithReason(errors.ReasonInsufficientQuestions),
			errors.WithMessagef("select %d questions", m.c.Rounds),
			errors.WithCause(err),
		)
	}
	if err := distinct(plan); err != nil {
		return nil, err
	}

	return NewSession(SessionConfig{
		SessionID:       sessionID,
		Roster:          append([]domain.Participant(nil), roster...),
		Plan:            plan,
		Rounds:          m.c.Rounds,
		RoundDuration:   m.c.RoundDuration,
		TransitionDelay: m.c.TransitionDelay,
		TickInterval:    m.c.TickInterval,
		Publisher:       m.c.EventBus,
		Store:           m.c.Store,
		Now:             m.c.Now,
		NewTimerFunc:    m.c.NewTimerFunc,
		NewTickerFunc:   m.c.NewTickerFunc,
		OnTerminal: func(s *Session) {
			m.release(s.ID(), roster, false)
		},
	}), nil
}

func distinct(plan []domain.Question) error {
	seen := make(map[string]bool, len(plan))
	for _, q := range plan {
		if seen[q.QuestionID] {
			return errors.Invalid(errors.ReasonInsufficientQuestions, "question %s selected twice", q.QuestionID)
		}
		seen[q.QuestionID] = true
	}
	return nil
}

// reserve claims the roster for sessionID, failing when anyone is already playing.
func (m *Manager) reserve(sessionID string, roster []domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range roster {
		if other, ok := m.busy[p.ParticipantID]; ok {
			return errors.Rejected(errors.ReasonMatchActive,
				"participant %s is already playing in match %s", p.ParticipantID, other)
		}
	}
	for _, p := range roster {
		m.busy[p.ParticipantID] = sessionID
	}
	return nil
}

// release frees the roster. drop removes the session entirely; otherwise it is kept for
// late joiners until the retention expires.
func (m *Manager) release(sessionID string, roster []domain.Participant, drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range roster {
		if m.busy[p.ParticipantID] == sessionID {
			delete(m.busy, p.ParticipantID)
		}
	}

	if drop {
		delete(m.sessions, sessionID)
		return
	}
	if e, ok := m.sessions[sessionID]; ok {
		e.endTime = m.c.Now()
	}
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonMatchNotFound),
			errors.WithMessagef("match not found: session=%s", sessionID),
		)
	}
	return e.s, nil
}

func (m *Manager) AbortMatch(ctx context.Context, sessionID, reason string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "aborted by operator"
	}
	return s.Abort(ctx, reason)
}

func (m *Manager) ForceCloseRound(_ context.Context, sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	return s.ForceCloseRound()
}

type SubmitAnswerRequest struct {
	SessionID     string
	ParticipantID string
	QuestionID    string
	Option        string
	// ClientElapsed is what the client measured. It is never used for scoring.
	ClientElapsed time.Duration
}

type SubmitAnswerResponse struct {
	Answer domain.Answer
	Points int
}

func (m *Manager) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	s, err := m.get(req.SessionID)
	if err != nil {
		return nil, err
	}

	a, points, err := s.SubmitAnswer(ctx, req.ParticipantID, req.QuestionID, req.Option)
	if err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "match: answer accepted",
		"session_id", req.SessionID,
		"participant_id", req.ParticipantID,
		"rank", a.Rank,
		"elapsed", a.Elapsed,
		"client_elapsed", req.ClientElapsed,
	)

	return &SubmitAnswerResponse{Answer: a, Points: points}, nil
}

// Snapshot returns the current state of a match for late joiners.
func (m *Manager) Snapshot(_ context.Context, sessionID string, hideAnswer bool) (domain.Snapshot, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return s.Snapshot(hideAnswer), nil
}

// Shutdown aborts every active match and stops the reaper.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.RLock()
	active := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.s.Status() == domain.MatchActive {
			active = append(active, e.s)
		}
	}
	m.mu.RUnlock()

	var eg errgroup.Group
	for _, s := range active {
		eg.Go(func() error {
			return s.Abort(ctx, ShutdownReason)
		})
	}
	return eg.Wait()
}

func (m *Manager) reaperLoop() {
	defer m.wg.Done()

	t := time.NewTicker(max(m.c.Retention/2, time.Second))
	defer t.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.Reap()
		}
	}
}

// Reap drops terminal sessions whose retention expired.
func (m *Manager) Reap() int {
	now := m.c.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.sessions {
		if e.endTime.IsZero() || now.Sub(e.endTime) < m.c.Retention {
			continue
		}
		delete(m.sessions, id)
		n++
	}
	if n > 0 {
		slog.Info("match: reaped sessions", "count", n)
	}
	return n
}
