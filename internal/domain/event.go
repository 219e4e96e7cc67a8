package domain

import "time"

const (
	EventNameMatchStarted   = "match.started"
	EventNameRoundStarting  = "round.starting"
	EventNameRoundRunning   = "round.running"
	EventNameCountdownTick  = "round.tick"
	EventNameAnswerAccepted = "answer.accepted"
	EventNameAnswerRejected = "answer.rejected"
	EventNameRoundClosed    = "round.closed"
	EventNameRoundWarning   = "round.warning"
	EventNameMatchFinished  = "match.finished"
	EventNameMatchAborted   = "match.aborted"
)

type EventMatchStarted struct {
	SessionID   string
	Roster      []Standing
	TotalRounds int
}

func (EventMatchStarted) Name() string { return EventNameMatchStarted }

// EventRoundStarting is emitted before the transition delay. Round is 1-based.
type EventRoundStarting struct {
	SessionID   string
	Round       int
	TotalRounds int
	Delay       time.Duration
}

func (EventRoundStarting) Name() string { return EventNameRoundStarting }

// EventRoundRunning carries the full question, correct option included. Audience routing
// strips it for players.
type EventRoundRunning struct {
	SessionID string
	Round     int
	Question  Question
	Duration  time.Duration
	StartTime time.Time
}

func (EventRoundRunning) Name() string { return EventNameRoundRunning }

type EventCountdownTick struct {
	SessionID        string
	Round            int
	SecondsRemaining int
}

func (EventCountdownTick) Name() string { return EventNameCountdownTick }

type EventAnswerAccepted struct {
	SessionID string
	Round     int
	Answer    Answer
	Points    int
}

func (EventAnswerAccepted) Name() string { return EventNameAnswerAccepted }

// EventAnswerRejected never reaches the other players.
type EventAnswerRejected struct {
	SessionID     string
	ParticipantID string
	Reason        string
}

func (EventAnswerRejected) Name() string { return EventNameAnswerRejected }

type EventRoundClosed struct {
	SessionID     string
	Round         int
	Trigger       CloseTrigger
	CorrectOption string
	Answers       []Answer
	ScoreEvents   []ScoreEvent
	Standings     []Standing
	Duration      time.Duration
}

func (EventRoundClosed) Name() string { return EventNameRoundClosed }

// EventRoundWarning reports a degraded round to the operator: the match keeps going.
type EventRoundWarning struct {
	SessionID string
	Round     int
	Message   string
}

func (EventRoundWarning) Name() string { return EventNameRoundWarning }

type EventMatchFinished struct {
	SessionID string
	Winner    *Standing
	Standings []Standing
}

func (EventMatchFinished) Name() string { return EventNameMatchFinished }

type EventMatchAborted struct {
	SessionID string
	Reason    string
	Standings []Standing
}

func (EventMatchAborted) Name() string { return EventNameMatchAborted }
