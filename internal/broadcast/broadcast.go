// Package broadcast shapes engine events into per-audience messages. It knows nothing about
// transports: the websocket hub and the redis fan-out both deliver what Route returns.
package broadcast

import (
	"time"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/event"
)

type Audience string

const (
	// AudienceOperator sees everything, correct options included.
	AudienceOperator Audience = "operator"
	// AudiencePlayers is every display and player screen of a match.
	AudiencePlayers Audience = "players"
	// AudienceParticipant is a single participant, named by Message.ParticipantID.
	AudienceParticipant Audience = "participant"
)

type Message struct {
	SessionID     string   `json:"-"`
	Audience      Audience `json:"-"`
	ParticipantID string   `json:"-"`

	Event string `json:"event"`
	Data  any    `json:"data"`
}

type (
	OptionView struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}

	QuestionView struct {
		QuestionID    string       `json:"question_id"`
		Prompt        string       `json:"prompt"`
		Options       []OptionView `json:"options"`
		Difficulty    string       `json:"difficulty"`
		CorrectOption string       `json:"correct_option,omitempty"`
	}

	StandingView struct {
		ParticipantID string `json:"participant_id"`
		DisplayName   string `json:"display_name"`
		Score         int    `json:"score"`
		Place         int    `json:"place"`
	}

	AnswerView struct {
		ParticipantID string `json:"participant_id"`
		Rank          int    `json:"rank"`
		Option        string `json:"option,omitempty"`
		ElapsedMs     int64  `json:"elapsed_ms,omitempty"`
		Correct       *bool  `json:"correct,omitempty"`
		Points        *int   `json:"points,omitempty"`
	}

	ScoreView struct {
		ParticipantID string `json:"participant_id"`
		Delta         int    `json:"delta"`
	}

	MatchStarted struct {
		SessionID   string         `json:"session_id"`
		TotalRounds int            `json:"total_rounds"`
		Standings   []StandingView `json:"standings"`
	}

	RoundStarting struct {
		SessionID   string `json:"session_id"`
		Round       int    `json:"round"`
		TotalRounds int    `json:"total_rounds"`
		DelayMs     int64  `json:"delay_ms"`
	}

	RoundRunning struct {
		SessionID  string       `json:"session_id"`
		Round      int          `json:"round"`
		Question   QuestionView `json:"question"`
		DurationMs int64        `json:"duration_ms"`
		StartTime  time.Time    `json:"start_time"`
	}

	CountdownTick struct {
		SessionID        string `json:"session_id"`
		Round            int    `json:"round"`
		SecondsRemaining int    `json:"seconds_remaining"`
	}

	AnswerAccepted struct {
		SessionID string     `json:"session_id"`
		Round     int        `json:"round"`
		Answer    AnswerView `json:"answer"`
	}

	AnswerRejected struct {
		SessionID     string `json:"session_id"`
		ParticipantID string `json:"participant_id"`
		Reason        string `json:"reason"`
	}

	RoundClosed struct {
		SessionID     string         `json:"session_id"`
		Round         int            `json:"round"`
		Trigger       string         `json:"trigger"`
		CorrectOption string         `json:"correct_option"`
		Answers       []AnswerView   `json:"answers"`
		Scores        []ScoreView    `json:"scores"`
		Standings     []StandingView `json:"standings"`
	}

	RoundWarning struct {
		SessionID string `json:"session_id"`
		Round     int    `json:"round"`
		Message   string `json:"message"`
	}

	MatchFinished struct {
		SessionID string         `json:"session_id"`
		Winner    *StandingView  `json:"winner"`
		Standings []StandingView `json:"standings"`
	}

	MatchAborted struct {
		SessionID string         `json:"session_id"`
		Reason    string         `json:"reason"`
		Standings []StandingView `json:"standings"`
	}

	// State is sent to a socket right after it connects.
	State struct {
		SessionID        string         `json:"session_id"`
		Status           string         `json:"status"`
		Round            int            `json:"round"`
		TotalRounds      int            `json:"total_rounds"`
		RoundStatus      string         `json:"round_status,omitempty"`
		Question         *QuestionView  `json:"question,omitempty"`
		SecondsRemaining int            `json:"seconds_remaining"`
		Standings        []StandingView `json:"standings"`
		Winner           *StandingView  `json:"winner,omitempty"`
		Reason           string         `json:"reason,omitempty"`
	}
)

// EventNameState names the snapshot message a socket receives on connect.
const EventNameState = "state"

// Route returns the messages e produces, one per audience that may see it. Unknown events
// produce none.
func Route(e event.Event) []Message {
	switch e := e.(type) {
	case domain.EventMatchStarted:
		data := MatchStarted{SessionID: e.SessionID, TotalRounds: e.TotalRounds, Standings: standings(e.Roster)}
		return everyone(e.SessionID, e.Name(), data)

	case domain.EventRoundStarting:
		data := RoundStarting{
			SessionID:   e.SessionID,
			Round:       e.Round,
			TotalRounds: e.TotalRounds,
			DelayMs:     e.Delay.Milliseconds(),
		}
		return everyone(e.SessionID, e.Name(), data)

	case domain.EventRoundRunning:
		full := RoundRunning{
			SessionID:  e.SessionID,
			Round:      e.Round,
			Question:   question(e.Question, true),
			DurationMs: e.Duration.Milliseconds(),
			StartTime:  e.StartTime,
		}
		hidden := full
		hidden.Question = question(e.Question, false)
		return []Message{
			{SessionID: e.SessionID, Audience: AudienceOperator, Event: e.Name(), Data: full},
			{SessionID: e.SessionID, Audience: AudiencePlayers, Event: e.Name(), Data: hidden},
		}

	case domain.EventCountdownTick:
		data := CountdownTick{SessionID: e.SessionID, Round: e.Round, SecondsRemaining: e.SecondsRemaining}
		return everyone(e.SessionID, e.Name(), data)

	case domain.EventAnswerAccepted:
		return routeAnswer(e)

	case domain.EventAnswerRejected:
		data := AnswerRejected{SessionID: e.SessionID, ParticipantID: e.ParticipantID, Reason: e.Reason}
		return []Message{
			{SessionID: e.SessionID, Audience: AudienceOperator, Event: e.Name(), Data: data},
			{SessionID: e.SessionID, Audience: AudienceParticipant, ParticipantID: e.ParticipantID, Event: e.Name(), Data: data},
		}

	case domain.EventRoundClosed:
		return routeRoundClosed(e)

	case domain.EventRoundWarning:
		data := RoundWarning{SessionID: e.SessionID, Round: e.Round, Message: e.Message}
		return []Message{{SessionID: e.SessionID, Audience: AudienceOperator, Event: e.Name(), Data: data}}

	case domain.EventMatchFinished:
		data := MatchFinished{SessionID: e.SessionID, Standings: standings(e.Standings)}
		if e.Winner != nil {
			w := standing(*e.Winner)
			data.Winner = &w
		}
		return everyone(e.SessionID, e.Name(), data)

	case domain.EventMatchAborted:
		data := MatchAborted{SessionID: e.SessionID, Reason: e.Reason, Standings: standings(e.Standings)}
		return everyone(e.SessionID, e.Name(), data)
	}

	return nil
}

// routeAnswer reveals correctness and points only to the operator and the answering
// participant; other players learn who answered and in which order.
func routeAnswer(e domain.EventAnswerAccepted) []Message {
	a := e.Answer
	correct, points := a.Correct, e.Points

	full := AnswerAccepted{SessionID: e.SessionID, Round: e.Round, Answer: AnswerView{
		ParticipantID: a.ParticipantID,
		Rank:          a.Rank,
		Option:        a.Option,
		ElapsedMs:     a.Elapsed.Milliseconds(),
		Correct:       &correct,
		Points:        &points,
	}}
	reduced := AnswerAccepted{SessionID: e.SessionID, Round: e.Round, Answer: AnswerView{
		ParticipantID: a.ParticipantID,
		Rank:          a.Rank,
	}}

	return []Message{
		{SessionID: e.SessionID, Audience: AudienceOperator, Event: e.Name(), Data: full},
		{SessionID: e.SessionID, Audience: AudiencePlayers, Event: e.Name(), Data: reduced},
		{SessionID: e.SessionID, Audience: AudienceParticipant, ParticipantID: a.ParticipantID, Event: e.Name(), Data: full},
	}
}

// routeRoundClosed gives the operator every answer in full. Players get the correct option,
// the standings and who answered in which order; each answering participant also gets their
// own option, correctness and delta.
func routeRoundClosed(e domain.EventRoundClosed) []Message {
	points := make(map[string]int, len(e.ScoreEvents))
	for _, se := range e.ScoreEvents {
		points[se.ParticipantID] = se.Delta
	}

	full := roundClosedHeader(e)
	reduced := roundClosedHeader(e)
	msgs := make([]Message, 0, 2+len(e.Answers))

	for _, a := range e.Answers {
		correct, p := a.Correct, points[a.ParticipantID]
		view := AnswerView{
			ParticipantID: a.ParticipantID,
			Rank:          a.Rank,
			Option:        a.Option,
			ElapsedMs:     a.Elapsed.Milliseconds(),
			Correct:       &correct,
			Points:        &p,
		}
		full.Answers = append(full.Answers, view)
		reduced.Answers = append(reduced.Answers, AnswerView{ParticipantID: a.ParticipantID, Rank: a.Rank})

		own := roundClosedHeader(e)
		own.Answers = append(own.Answers, view)
		own.Scores = append(own.Scores, ScoreView{ParticipantID: a.ParticipantID, Delta: p})
		msgs = append(msgs, Message{
			SessionID:     e.SessionID,
			Audience:      AudienceParticipant,
			ParticipantID: a.ParticipantID,
			Event:         e.Name(),
			Data:          own,
		})
	}
	for _, se := range e.ScoreEvents {
		full.Scores = append(full.Scores, ScoreView{ParticipantID: se.ParticipantID, Delta: se.Delta})
	}

	return append([]Message{
		{SessionID: e.SessionID, Audience: AudienceOperator, Event: e.Name(), Data: full},
		{SessionID: e.SessionID, Audience: AudiencePlayers, Event: e.Name(), Data: reduced},
	}, msgs...)
}

func roundClosedHeader(e domain.EventRoundClosed) RoundClosed {
	return RoundClosed{
		SessionID:     e.SessionID,
		Round:         e.Round,
		Trigger:       string(e.Trigger),
		CorrectOption: e.CorrectOption,
		Answers:       []AnswerView{},
		Scores:        []ScoreView{},
		Standings:     standings(e.Standings),
	}
}

// StateOf renders a snapshot. Callers pass a snapshot already stripped for the audience.
func StateOf(s domain.Snapshot) Message {
	data := State{
		SessionID:        s.SessionID,
		Status:           string(s.Status),
		Round:            s.Round,
		TotalRounds:      s.TotalRounds,
		RoundStatus:      string(s.RoundStatus),
		SecondsRemaining: int((s.Remaining + time.Second - 1) / time.Second),
		Standings:        standings(s.Standings),
		Reason:           s.Reason,
	}
	if s.Question != nil {
		q := question(*s.Question, true)
		data.Question = &q
	}
	if s.Winner != nil {
		w := standing(*s.Winner)
		data.Winner = &w
	}
	return Message{SessionID: s.SessionID, Event: EventNameState, Data: data}
}

func everyone(sessionID, name string, data any) []Message {
	return []Message{
		{SessionID: sessionID, Audience: AudienceOperator, Event: name, Data: data},
		{SessionID: sessionID, Audience: AudiencePlayers, Event: name, Data: data},
	}
}

func question(q domain.Question, withAnswer bool) QuestionView {
	v := QuestionView{
		QuestionID: q.QuestionID,
		Prompt:     q.Prompt,
		Options:    make([]OptionView, 0, len(q.Options)),
		Difficulty: q.Difficulty.String(),
	}
	for _, o := range q.Options {
		v.Options = append(v.Options, OptionView{ID: o.ID, Text: o.Text})
	}
	if withAnswer {
		v.CorrectOption = q.CorrectOption
	}
	return v
}

func standing(s domain.Standing) StandingView {
	return StandingView{ParticipantID: s.ParticipantID, DisplayName: s.DisplayName, Score: s.Score, Place: s.Place}
}

func standings(in []domain.Standing) []StandingView {
	out := make([]StandingView, 0, len(in))
	for _, s := range in {
		out = append(out, standing(s))
	}
	return out
}
