package match_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/match"
	"github.com/victornm/trivia/internal/round/roundtest"
)

var roster = []domain.Participant{
	{ParticipantID: "a", DisplayName: "Ada"},
	{ParticipantID: "b", DisplayName: "Bob"},
	{ParticipantID: "c", DisplayName: "Cy"},
}

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
			Difficulty:    domain.DifficultyMedium,
		})
	}
	return out
}

type fakeSource struct {
	questions []domain.Question
	err       error
}

func (f *fakeSource) SelectRounds(_ context.Context, count int) ([]domain.Question, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.questions[:min(count, len(f.questions))], nil
}

type fakeStore struct {
	mu sync.Mutex

	createErr   error
	recordErr   error
	recordPanic bool

	created   []domain.Match
	results   []domain.RoundResult
	finalized []string
	aborted   map[string]string
}

func (f *fakeStore) CreateMatch(_ context.Context, m domain.Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, m)
	return nil
}

func (f *fakeStore) RecordRoundResult(_ context.Context, _ string, res domain.RoundResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.recordPanic {
		panic("storage exploded")
	}
	f.results = append(f.results, res)
	return f.recordErr
}

func (f *fakeStore) FinalizeMatch(_ context.Context, sessionID string, _ []domain.Standing, _ *domain.Standing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finalized = append(f.finalized, sessionID)
	return nil
}

func (f *fakeStore) AbortMatch(_ context.Context, sessionID, reason string, _ []domain.Standing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.aborted == nil {
		f.aborted = map[string]string{}
	}
	f.aborted[sessionID] = reason
	return nil
}

type harness struct {
	clock  *roundtest.Clock
	rec    *roundtest.Recorder
	store  *fakeStore
	source *fakeSource
	m      *match.Manager
}

func newHarness(t *testing.T, rounds int) *harness {
	t.Helper()

	h := &harness{
		clock:  roundtest.NewClock(),
		rec:    roundtest.NewRecorder(),
		store:  &fakeStore{},
		source: &fakeSource{questions: questions(rounds)},
	}
	h.m = match.NewManager(match.Config{
		Rounds:          rounds,
		RoundDuration:   30 * time.Second,
		TransitionDelay: 2 * time.Second,
		Retention:       time.Minute,
		EventBus:        h.rec,
		Store:           h.store,
		Questions:       h.source,
		Now:             h.clock.Now,
		NewTimerFunc:    h.clock.NewTimer,
		NewTickerFunc:   h.clock.NewTicker,
	})
	t.Cleanup(func() { _ = h.m.Shutdown(context.Background()) })
	return h
}

// play runs round n: fires its transition delay, lets act submit answers, then expires the
// countdown and waits for the round to be announced closed.
func (h *harness) play(t *testing.T, n int, act func()) {
	t.Helper()

	h.clock.NextTimer(t).Fire()
	countdown := h.clock.NextTimer(t)
	h.clock.NextTicker(t)

	if act != nil {
		act()
	}
	countdown.Fire()
	h.rec.WaitFor(t, domain.EventNameRoundClosed, n)
}

func (h *harness) submit(t *testing.T, id, participantID, option string) *match.SubmitAnswerResponse {
	t.Helper()

	resp, err := h.m.SubmitAnswer(context.Background(), match.SubmitAnswerRequest{
		SessionID:     id,
		ParticipantID: participantID,
		Option:        option,
	})
	require.NoError(t, err)
	return resp
}

func TestManager_PlaysExactlyConfiguredRounds(t *testing.T) {
	h := newHarness(t, 3)

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	for n := 1; n <= 3; n++ {
		h.play(t, n, func() {
			h.clock.Advance(3 * time.Second)
			h.submit(t, id, "a", "B")
		})
	}

	finished := h.rec.WaitFor(t, domain.EventNameMatchFinished, 1)
	e := finished[0].(domain.EventMatchFinished)
	require.NotNil(t, e.Winner)
	require.Equal(t, "a", e.Winner.ParticipantID)
	require.Equal(t, 3*25, e.Winner.Score)

	require.Len(t, h.rec.Named(domain.EventNameRoundStarting), 3)
	require.Len(t, h.rec.Named(domain.EventNameRoundClosed), 3)

	snap, err := h.m.Snapshot(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, domain.MatchFinished, snap.Status)
	require.Equal(t, 3, snap.Round)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.created, 1)
	require.Len(t, h.store.results, 3)
	require.Equal(t, []string{id}, h.store.finalized)
}

func TestManager_ScoresOnlyMoveByRoundEvents(t *testing.T) {
	h := newHarness(t, 3)

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	answers := [][]string{
		{"c", "A", "a", "B"},
		{"b", "B"},
		{},
	}
	for n, round := range answers {
		h.play(t, n+1, func() {
			for i := 0; i < len(round); i += 2 {
				h.clock.Advance(time.Second)
				h.submit(t, id, round[i], round[i+1])
			}
		})
	}

	totals := map[string]int{}
	for _, ev := range h.rec.Named(domain.EventNameRoundClosed) {
		closed := ev.(domain.EventRoundClosed)
		for _, se := range closed.ScoreEvents {
			require.Equal(t, closed.Round, se.Round)
			totals[se.ParticipantID] += se.Delta
		}
		for _, st := range closed.Standings {
			require.Equal(t, totals[st.ParticipantID], st.Score, "round %d %s", closed.Round, st.ParticipantID)
		}
	}
	require.Less(t, totals["c"], 0)
}

func TestManager_TimeoutWithOneAnswer(t *testing.T) {
	h := newHarness(t, 1)

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	h.play(t, 1, func() {
		h.submit(t, id, "b", "B")
	})

	closed := h.rec.Named(domain.EventNameRoundClosed)[0].(domain.EventRoundClosed)
	require.Equal(t, domain.TriggerTimeout, closed.Trigger)
	require.Len(t, closed.ScoreEvents, 1)
	require.Equal(t, "B", closed.CorrectOption)
}

func TestManager_AbortIsIdempotent(t *testing.T) {
	h := newHarness(t, 3)

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)
	h.play(t, 1, nil)

	require.NoError(t, h.m.AbortMatch(context.Background(), id, "operator"))
	require.NoError(t, h.m.AbortMatch(context.Background(), id, "again"))

	require.Len(t, h.rec.Named(domain.EventNameMatchAborted), 1)

	snap, err := h.m.Snapshot(context.Background(), id, false)
	require.NoError(t, err)
	require.Equal(t, domain.MatchAborted, snap.Status)
	require.Equal(t, "operator", snap.Reason)

	_, err = h.m.SubmitAnswer(context.Background(), match.SubmitAnswerRequest{SessionID: id, ParticipantID: "a", Option: "B"})
	require.Equal(t, errors.ReasonMatchNotActive, errors.ReasonOf(err))

	h.store.mu.Lock()
	require.Equal(t, "operator", h.store.aborted[id])
	h.store.mu.Unlock()

	// The roster is free again.
	_, err = h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)
}

func TestManager_StartMatchRejects(t *testing.T) {
	tests := map[string]struct {
		roster     []domain.Participant
		arrange    func(h *harness)
		wantCode   errors.Code
		wantReason errors.Reason
	}{
		"two participants": {
			roster:     roster[:2],
			wantCode:   errors.CodeInvalidArgument,
			wantReason: errors.ReasonInvalidRoster,
		},
		"duplicate participant": {
			roster:     []domain.Participant{roster[0], roster[1], roster[0]},
			wantCode:   errors.CodeInvalidArgument,
			wantReason: errors.ReasonInvalidRoster,
		},
		"empty participant id": {
			roster:     []domain.Participant{roster[0], roster[1], {DisplayName: "ghost"}},
			wantCode:   errors.CodeInvalidArgument,
			wantReason: errors.ReasonInvalidRoster,
		},
		"too few questions": {
			roster:     roster,
			arrange:    func(h *harness) { h.source.questions = questions(2) },
			wantCode:   errors.CodeInvalidArgument,
			wantReason: errors.ReasonInsufficientQuestions,
		},
		"question source down": {
			roster:     roster,
			arrange:    func(h *harness) { h.source.err = stderrors.New("connection refused") },
			wantCode:   errors.CodeUnavailable,
			wantReason: errors.ReasonInsufficientQuestions,
		},
		"store down": {
			roster:   roster,
			arrange:  func(h *harness) { h.store.createErr = stderrors.New("connection refused") },
			wantCode: errors.CodeUnavailable,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 3)
			if tt.arrange != nil {
				tt.arrange(h)
			}

			_, err := h.m.StartMatch(context.Background(), tt.roster)
			require.Error(t, err)

			var e *errors.Error
			require.True(t, stderrors.As(err, &e))
			require.Equal(t, tt.wantCode, e.Code)
			require.Equal(t, tt.wantReason, e.Reason)
			require.Empty(t, h.rec.Named(domain.EventNameMatchStarted))

			// Nothing stays reserved after a failed start.
			h.source.questions, h.source.err, h.store.createErr = questions(3), nil, nil
			_, err = h.m.StartMatch(context.Background(), roster)
			require.NoError(t, err)
		})
	}
}

func TestManager_ParticipantAlreadyPlaying(t *testing.T) {
	h := newHarness(t, 3)

	_, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	_, err = h.m.StartMatch(context.Background(), []domain.Participant{
		{ParticipantID: "x"}, {ParticipantID: "y"}, roster[2],
	})
	require.Equal(t, errors.ReasonMatchActive, errors.ReasonOf(err))
}

func TestManager_PersistenceFailureKeepsPlaying(t *testing.T) {
	h := newHarness(t, 2)
	h.store.recordErr = stderrors.New("disk full")

	_, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	h.play(t, 1, nil)
	h.play(t, 2, nil)

	h.rec.WaitFor(t, domain.EventNameMatchFinished, 1)
	require.Len(t, h.rec.Named(domain.EventNameRoundWarning), 2)
}

func TestManager_InvalidQuestionDegradesRound(t *testing.T) {
	h := newHarness(t, 2)
	h.source.questions[0].Options = h.source.questions[0].Options[:1]

	_, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	// The broken round closes without a delay timer.
	closed := h.rec.WaitFor(t, domain.EventNameRoundClosed, 1)[0].(domain.EventRoundClosed)
	require.Equal(t, domain.TriggerFailed, closed.Trigger)
	require.Len(t, h.rec.WaitFor(t, domain.EventNameRoundWarning, 1), 1)

	h.play(t, 2, nil)
	h.rec.WaitFor(t, domain.EventNameMatchFinished, 1)
}

func TestManager_SessionFatalAborts(t *testing.T) {
	h := newHarness(t, 3)
	h.store.recordPanic = true

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	h.clock.NextTimer(t).Fire()
	countdown := h.clock.NextTimer(t)
	h.clock.NextTicker(t)
	countdown.Fire()

	aborted := h.rec.WaitFor(t, domain.EventNameMatchAborted, 1)[0].(domain.EventMatchAborted)
	require.Equal(t, match.InternalErrorReason, aborted.Reason, "the panic and its stack stay in the logs")

	snap, err := h.m.Snapshot(context.Background(), id, false)
	require.NoError(t, err)
	require.Equal(t, domain.MatchAborted, snap.Status)
	require.Equal(t, match.InternalErrorReason, snap.Reason)

	h.store.mu.Lock()
	require.Equal(t, match.InternalErrorReason, h.store.aborted[id])
	h.store.mu.Unlock()
}

func TestManager_SubmitAnswerRejects(t *testing.T) {
	h := newHarness(t, 3)

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	_, err = h.m.SubmitAnswer(context.Background(), match.SubmitAnswerRequest{SessionID: id, ParticipantID: "a", Option: "B"})
	require.Equal(t, errors.ReasonRoundClosed, errors.ReasonOf(err), "round still pending")

	h.clock.NextTimer(t).Fire()
	h.clock.NextTimer(t)
	h.clock.NextTicker(t)

	tests := map[string]struct {
		req        match.SubmitAnswerRequest
		wantReason errors.Reason
	}{
		"stale question": {
			req:        match.SubmitAnswerRequest{SessionID: id, ParticipantID: "a", QuestionID: "q2", Option: "B"},
			wantReason: errors.ReasonStaleQuestion,
		},
		"unknown participant": {
			req:        match.SubmitAnswerRequest{SessionID: id, ParticipantID: "z", QuestionID: "q1", Option: "B"},
			wantReason: errors.ReasonUnknownParticipant,
		},
		"invalid option": {
			req:        match.SubmitAnswerRequest{SessionID: id, ParticipantID: "a", Option: "Z"},
			wantReason: errors.ReasonInvalidOption,
		},
		"unknown match": {
			req:        match.SubmitAnswerRequest{SessionID: "nope", ParticipantID: "a", Option: "B"},
			wantReason: errors.ReasonMatchNotFound,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.m.SubmitAnswer(context.Background(), tt.req)
			require.Equal(t, tt.wantReason, errors.ReasonOf(err))
		})
	}

	resp := h.submit(t, id, "a", "B")
	require.Equal(t, 1, resp.Answer.Rank)

	_, err = h.m.SubmitAnswer(context.Background(), match.SubmitAnswerRequest{SessionID: id, ParticipantID: "a", Option: "C"})
	require.Equal(t, errors.ReasonDuplicateAnswer, errors.ReasonOf(err))

	require.NotEmpty(t, h.rec.Named(domain.EventNameAnswerRejected))
}

func TestManager_SnapshotHidesRunningAnswer(t *testing.T) {
	h := newHarness(t, 3)

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	snap, err := h.m.Snapshot(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, domain.MatchActive, snap.Status)
	require.Nil(t, snap.Question, "pending round shows no question")

	h.clock.NextTimer(t).Fire()
	h.clock.NextTimer(t)
	h.clock.NextTicker(t)

	player, err := h.m.Snapshot(context.Background(), id, true)
	require.NoError(t, err)
	require.Equal(t, domain.RoundRunning, player.RoundStatus)
	require.Empty(t, player.Question.CorrectOption)
	require.Equal(t, 30*time.Second, player.Remaining)

	operator, err := h.m.Snapshot(context.Background(), id, false)
	require.NoError(t, err)
	require.Equal(t, "B", operator.Question.CorrectOption)
}

func TestManager_ForceCloseRound(t *testing.T) {
	h := newHarness(t, 3)

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	h.clock.NextTimer(t).Fire()
	h.clock.NextTimer(t)
	h.clock.NextTicker(t)

	require.NoError(t, h.m.ForceCloseRound(context.Background(), id))
	closed := h.rec.WaitFor(t, domain.EventNameRoundClosed, 1)[0].(domain.EventRoundClosed)
	require.Equal(t, domain.TriggerForced, closed.Trigger)

	err = h.m.ForceCloseRound(context.Background(), "nope")
	require.Equal(t, errors.ReasonMatchNotFound, errors.ReasonOf(err))
}

func TestManager_ShutdownAbortsActiveMatches(t *testing.T) {
	h := newHarness(t, 3)

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)

	require.NoError(t, h.m.Shutdown(context.Background()))

	aborted := h.rec.WaitFor(t, domain.EventNameMatchAborted, 1)[0].(domain.EventMatchAborted)
	require.Equal(t, id, aborted.SessionID)
	require.Equal(t, match.ShutdownReason, aborted.Reason)
}

func TestManager_ReapsExpiredMatches(t *testing.T) {
	h := newHarness(t, 1)

	id, err := h.m.StartMatch(context.Background(), roster)
	require.NoError(t, err)
	h.play(t, 1, nil)
	h.rec.WaitFor(t, domain.EventNameMatchFinished, 1)

	require.Zero(t, h.m.Reap())

	h.clock.Advance(2 * time.Minute)
	require.Equal(t, 1, h.m.Reap())

	_, err = h.m.Snapshot(context.Background(), id, false)
	require.Equal(t, errors.ReasonMatchNotFound, errors.ReasonOf(err))
}
