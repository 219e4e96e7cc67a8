package match

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/round"
)

const storeTimeout = 5 * time.Second

// InternalErrorReason is the abort reason broadcast and stored when a session breaks. The
// cause is only logged.
const InternalErrorReason = "internal error"


var tracer = otel.Tracer("github.com/victornm/trivia/internal/match")

// Store is the write-only persistence the engine reports to. In-memory state stays
// authoritative while a match is active.
type Store interface {
	CreateMatch(ctx context.Context, m domain.Match) error
	RecordRoundResult(ctx context.Context, sessionID string, res domain.RoundResult) error
	FinalizeMatch(ctx context.Context, sessionID string, standings []domain.Standing, winner *domain.Standing) error
	AbortMatch(ctx context.Context, sessionID, reason string, standings []domain.Standing) error
}

type SessionConfig struct {
	SessionID string
	Roster    []domain.Participant
	Plan      []domain.Question
	Rounds    int

	RoundDuration   time.Duration
	TransitionDelay time.Duration
	TickInterval    time.Duration

	Publisher round.Publisher
	Store     Store

	Now           func() time.Time
	NewTimerFunc  func(d time.Duration) round.Timer
	NewTickerFunc func(d time.Duration) round.Ticker

	// OnTerminal is called once, after the terminal record was written and before the
	// terminal event is published.
	OnTerminal func(s *Session)
}

// Session is one match: created → active → finished | aborted. Round transitions and score
// application run on the session's own goroutine; mu guards what concurrent callers read.
type Session struct {
	c SessionConfig

	mu      sync.Mutex
	status  domain.MatchStatus
	index   int
	current *round.Round
	scores  map[string]int
	reason  string
	winner  *domain.Standing

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(c SessionConfig) *Session {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.OnTerminal == nil {
		c.OnTerminal = func(*Session) {}
	}

	scores := make(map[string]int, len(c.Roster))
	for _, p := range c.Roster {
		scores[p.ParticipantID] = 0
	}

	return &Session{
		c:      c,
		status: domain.MatchCreated,
		scores: scores,
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.c.SessionID }

// Start validates the roster and the question plan, records the match and runs round 0.
// Nothing changes when it fails.
func (s *Session) Start(ctx context.Context) error {
	if err := validateRoster(s.c.Roster); err != nil {
		return err
	}
	if s.c.Rounds <= 0 || len(s.c.Plan) < s.c.Rounds {
		return errors.Invalid(errors.ReasonInsufficientQuestions,
			"need %d questions, got %d", s.c.Rounds, len(s.c.Plan))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.MatchCreated {
		return errors.Rejected(errors.ReasonMatchActive, "match %s is %s", s.c.SessionID, s.status)
	}

	err := s.c.Store.CreateMatch(ctx, domain.Match{
		SessionID:  s.c.SessionID,
		Roster:     s.c.Roster,
		Questions:  s.c.Plan[:s.c.Rounds],
		CreateTime: s.c.Now(),
	})
	if err != nil {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("create match %s", s.c.SessionID),
			errors.WithCause(err),
		)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.status = domain.MatchActive
	s.index = 0

	s.c.Publisher.Publish(ctx, domain.EventMatchStarted{
		SessionID:   s.c.SessionID,
		Roster:      s.standingsLocked(),
		TotalRounds: s.c.Rounds,
	})
	slog.InfoContext(ctx, "match: started", "session_id", s.c.SessionID, "rounds", s.c.Rounds)

	go s.run(runCtx)
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, fmt.Errorf("panic: %v", r), "stack", string(debug.Stack()))
		}
	}()

	for i := range s.c.Rounds {
		r := s.beginRound(i)
		if r == nil {
			return
		}

		res := r.Run(ctx)
		if !s.closeRound(ctx, i, res) {
			return
		}
	}

	s.finish(ctx)
}

func (s *Session) beginRound(i int) *round.Round {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.MatchActive {
		return nil
	}

	participants := make([]string, 0, len(s.c.Roster))
	for _, p := range s.c.Roster {
		participants = append(participants, p.ParticipantID)
	}

	s.index = i
	s.current = round.New(round.Config{
		SessionID:       s.c.SessionID,
		Number:          i + 1,
		TotalRounds:     s.c.Rounds,
		Question:        s.c.Plan[i],
		Participants:    participants,
		Duration:        s.c.RoundDuration,
		TransitionDelay: s.c.TransitionDelay,
		TickInterval:    s.c.TickInterval,
		Publisher:       s.c.Publisher,
		Now:             s.c.Now,
		NewTimerFunc:    s.c.NewTimerFunc,
		NewTickerFunc:   s.c.NewTickerFunc,
	})
	return s.current
}

// closeRound applies a closed round's score events, persists and announces it. It reports
// whether the session should go on.
func (s *Session) closeRound(ctx context.Context, i int, res domain.RoundResult) bool {
	ctx, span := tracer.Start(ctx, "match.closeRound", trace.WithAttributes(
		attribute.String("session_id", s.c.SessionID),
		attribute.Int("round", res.Round),
		attribute.String("trigger", string(res.Trigger)),
		attribute.Int("answers", len(res.Answers)),
	))
	defer span.End()

	s.mu.Lock()
	if s.status != domain.MatchActive {
		s.mu.Unlock()
		return false
	}
	if err := s.checkLocked(i, res); err != nil {
		s.mu.Unlock()
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, err)
		return false
	}
	for _, ev := range res.ScoreEvents {
		s.scores[ev.ParticipantID] += ev.Delta
	}
	standings := s.standingsLocked()
	s.mu.Unlock()

	slog.InfoContext(ctx, "match: round closed",
		"session_id", s.c.SessionID,
		"round", res.Round,
		"trigger", res.Trigger,
		"answers", len(res.Answers),
	)

	if res.Err != nil {
		s.warn(ctx, res.Round, res.Err)
	}

	sctx, cancel := storeContext(ctx)
	defer cancel()
	if err := s.c.Store.RecordRoundResult(sctx, s.c.SessionID, res); err != nil {
		span.RecordError(err)
		s.warn(ctx, res.Round, fmt.Errorf("record round result: %w", err))
	}

	s.c.Publisher.Publish(ctx, domain.EventRoundClosed{
		SessionID:     s.c.SessionID,
		Round:         res.Round,
		Trigger:       res.Trigger,
		CorrectOption: res.Question.CorrectOption,
		Answers:       res.Answers,
		ScoreEvents:   res.ScoreEvents,
		Standings:     standings,
		Duration:      res.CloseTime.Sub(res.StartTime),
	})
	return true
}

// checkLocked verifies the invariants a result must hold before it may touch the scores.
func (s *Session) checkLocked(i int, res domain.RoundResult) error {
	if res.Round != i+1 {
		return fmt.Errorf("result for round %d while round %d is current", res.Round, i+1)
	}
	if len(res.ScoreEvents) != len(res.Answers) {
		return fmt.Errorf("round %d: %d score events for %d answers", res.Round, len(res.ScoreEvents), len(res.Answers))
	}

	seen := make(map[string]bool, len(res.ScoreEvents))
	for _, ev := range res.ScoreEvents {
		if _, ok := s.scores[ev.ParticipantID]; !ok {
			return fmt.Errorf("round %d: score event for %s outside the roster", res.Round, ev.ParticipantID)
		}
		if seen[ev.ParticipantID] {
			return fmt.Errorf("round %d: %s scored twice", res.Round, ev.ParticipantID)
		}
		seen[ev.ParticipantID] = true
	}
	return nil
}

func (s *Session) finish(ctx context.Context) {
	s.mu.Lock()
	if s.status != domain.MatchActive {
		s.mu.Unlock()
		return
	}
	s.status = domain.MatchFinished
	standings := s.standingsLocked()
	if w, ok := domain.Winner(standings); ok {
		s.winner = &w
	}
	winner := s.winner
	s.mu.Unlock()

	s.cancel()

	sctx, cancel := storeContext(ctx)
	defer cancel()
	if err := s.c.Store.FinalizeMatch(sctx, s.c.SessionID, standings, winner); err != nil {
		slog.ErrorContext(ctx, "match: finalize failed", "session_id", s.c.SessionID, "error", err)
		s.warn(ctx, s.c.Rounds, fmt.Errorf("finalize match: %w", err))
	}

	s.c.OnTerminal(s)

	s.c.Publisher.Publish(ctx, domain.EventMatchFinished{
		SessionID: s.c.SessionID,
		Winner:    winner,
		Standings: standings,
	})
	slog.InfoContext(ctx, "match: finished", "session_id", s.c.SessionID)
}

// Abort stops an active match. Aborting an aborted match is a no-op.
func (s *Session) Abort(ctx context.Context, reason string) error {
	s.mu.Lock()
	switch s.status {
	case domain.MatchAborted:
		s.mu.Unlock()
		return nil
	case domain.MatchActive:
	default:
		status := s.status
		s.mu.Unlock()
		return errors.Rejected(errors.ReasonMatchNotActive, "match %s is %s", s.c.SessionID, status)
	}
	s.status = domain.MatchAborted
	s.reason = reason
	s.mu.Unlock()

	s.cancel()
	<-s.done

	s.recordAbort(ctx)
	return nil
}

// fail aborts the session from its own goroutine after an invariant broke.
func (s *Session) fail(ctx context.Context, err error, attrs ...any) {
	s.mu.Lock()
	if s.status != domain.MatchActive {
		s.mu.Unlock()
		return
	}
	s.status = domain.MatchAborted
	s.reason = InternalErrorReason
	s.mu.Unlock()

	attrs = append([]any{"session_id", s.c.SessionID, "error", err}, attrs...)
	slog.ErrorContext(ctx, "match: session aborted on invariant violation", attrs...)

	s.cancel()
	s.recordAbort(ctx)
}

func (s *Session) recordAbort(ctx context.Context) {
	s.mu.Lock()
	reason := s.reason
	standings := s.standingsLocked()
	s.mu.Unlock()

	sctx, cancel := storeContext(ctx)
	defer cancel()
	if err := s.c.Store.AbortMatch(sctx, s.c.SessionID, reason, standings); err != nil {
		slog.ErrorContext(ctx, "match: record abort failed", "session_id", s.c.SessionID, "error", err)
	}

	s.c.OnTerminal(s)

	s.c.Publisher.Publish(ctx, domain.EventMatchAborted{
		SessionID: s.c.SessionID,
		Reason:    reason,
		Standings: standings,
	})
	slog.WarnContext(ctx, "match: aborted", "session_id", s.c.SessionID, "reason", reason)
}

func (s *Session) warn(ctx context.Context, round int, err error) {
	slog.WarnContext(ctx, "match: degraded round",
		"session_id", s.c.SessionID,
		"round", round,
		"error", err,
	)
	s.c.Publisher.Publish(ctx, domain.EventRoundWarning{
		SessionID: s.c.SessionID,
		Round:     round,
		Message:   err.Error(),
	})
}

// SubmitAnswer forwards to the running round. questionID, when set, must match it.
func (s *Session) SubmitAnswer(ctx context.Context, participantID, questionID, option string) (domain.Answer, int, error) {
	a, points, err := s.submit(ctx, participantID, questionID, option)
	if err != nil {
		s.c.Publisher.Publish(ctx, domain.EventAnswerRejected{
			SessionID:     s.c.SessionID,
			ParticipantID: participantID,
			Reason:        string(errors.ReasonOf(err)),
		})
	}
	return a, points, err
}

func (s *Session) submit(ctx context.Context, participantID, questionID, option string) (domain.Answer, int, error) {
	s.mu.Lock()
	status, r := s.status, s.current
	s.mu.Unlock()

	if status != domain.MatchActive {
		return domain.Answer{}, 0, errors.Rejected(errors.ReasonMatchNotActive, "match %s is %s", s.c.SessionID, status)
	}
	if r == nil {
		return domain.Answer{}, 0, errors.Rejected(errors.ReasonRoundClosed, "no round is running")
	}
	if questionID != "" && questionID != r.Question().QuestionID {
		return domain.Answer{}, 0, errors.Rejected(errors.ReasonStaleQuestion,
			"question %s is not the current question", questionID)
	}

	return r.Submit(ctx, participantID, option)
}

// ForceCloseRound closes the current round as if its countdown expired.
func (s *Session) ForceCloseRound() error {
	s.mu.Lock()
	status, r := s.status, s.current
	s.mu.Unlock()

	if status != domain.MatchActive {
		return errors.Rejected(errors.ReasonMatchNotActive, "match %s is %s", s.c.SessionID, status)
	}
	if r == nil || !r.ForceClose() {
		return errors.Rejected(errors.ReasonRoundClosed, "no round to close")
	}
	return nil
}

func (s *Session) Status() domain.MatchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Done is closed when the round loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot copies the session state. hideAnswer strips the running question's correct
// option, for anyone but the operator.
func (s *Session) Snapshot(hideAnswer bool) domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.Snapshot{
		SessionID:   s.c.SessionID,
		Status:      s.status,
		TotalRounds: s.c.Rounds,
		Standings:   s.standingsLocked(),
		Reason:      s.reason,
	}
	if s.winner != nil {
		w := *s.winner
		snap.Winner = &w
	}

	if r := s.current; r != nil {
		snap.Round = r.Number()
		snap.RoundStatus = r.Status()
		snap.Remaining = r.Remaining()

		if snap.RoundStatus != domain.RoundPending {
			q := r.Question()
			q.Options = append([]domain.Option(nil), q.Options...)
			if hideAnswer && snap.RoundStatus == domain.RoundRunning {
				q.CorrectOption = ""
			}
			snap.Question = &q
		}
	}

	return snap
}

func (s *Session) standingsLocked() []domain.Standing {
	out := make([]domain.Standing, 0, len(s.c.Roster))
	for _, p := range s.c.Roster {
		out = append(out, domain.Standing{
			ParticipantID: p.ParticipantID,
			DisplayName:   p.DisplayName,
			Score:         s.scores[p.ParticipantID],
		})
	}
	return domain.Rank(out)
}

func validateRoster(roster []domain.Participant) error {
	if len(roster) != domain.RosterSize {
		return errors.Invalid(errors.ReasonInvalidRoster,
			"a match needs exactly %d participants, got %d", domain.RosterSize, len(roster))
	}

	seen := make(map[string]bool, len(roster))
	for _, p := range roster {
		if p.ParticipantID == "" {
			return errors.Invalid(errors.ReasonInvalidRoster, "participant id is empty")
		}
		if seen[p.ParticipantID] {
			return errors.Invalid(errors.ReasonInvalidRoster, "participant %s is listed twice", p.ParticipantID)
		}
		seen[p.ParticipantID] = true
	}
	return nil
}

func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}
