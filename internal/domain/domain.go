package domain

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// RosterSize is the fixed number of participants in a match.
const RosterSize = 3

// OptionCount is the number of options every question carries.
const OptionCount = 3

type Difficulty int

const (
	DifficultyEasy Difficulty = iota + 1
	DifficultyMedium
	DifficultyHard
)

func (d Difficulty) String() string {
	switch d {
	case DifficultyEasy:
		return "easy"
	case DifficultyMedium:
		return "medium"
	case DifficultyHard:
		return "hard"
	default:
		return fmt.Sprintf("difficulty(%d)", int(d))
	}
}

func ParseDifficulty(s string) (Difficulty, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy", "1":
		return DifficultyEasy, nil
	case "medium", "2":
		return DifficultyMedium, nil
	case "hard", "3":
		return DifficultyHard, nil
	}
	return 0, fmt.Errorf("unknown difficulty %q", s)
}

type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type Question struct {
	QuestionID    string
	Prompt        string
	Options       []Option
	CorrectOption string
	Difficulty    Difficulty
}

// Validate reports whether the question can be played.
func (q Question) Validate() error {
	if q.QuestionID == "" {
		return fmt.Errorf("question: missing id")
	}
	if strings.TrimSpace(q.Prompt) == "" {
		return fmt.Errorf("question %s: empty prompt", q.QuestionID)
	}
	if len(q.Options) != OptionCount {
		return fmt.Errorf("question %s: want %d options, got %d", q.QuestionID, OptionCount, len(q.Options))
	}
	if !q.HasOption(q.CorrectOption) {
		return fmt.Errorf("question %s: correct option %q is not an option", q.QuestionID, q.CorrectOption)
	}
	if q.Difficulty < DifficultyEasy || q.Difficulty > DifficultyHard {
		return fmt.Errorf("question %s: invalid %s", q.QuestionID, q.Difficulty)
	}
	return nil
}

func (q Question) HasOption(id string) bool {
	return slices.ContainsFunc(q.Options, func(o Option) bool { return o.ID == id })
}

type Participant struct {
	ParticipantID string
	DisplayName   string
}

type MatchStatus string

const (
	MatchCreated  MatchStatus = "created"
	MatchActive   MatchStatus = "active"
	MatchFinished MatchStatus = "finished"
	MatchAborted  MatchStatus = "aborted"
)

func (s MatchStatus) Terminal() bool {
	return s == MatchFinished || s == MatchAborted
}

type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundRunning RoundStatus = "running"
	RoundClosed  RoundStatus = "closed"
)

// CloseTrigger names what closed a round.
type CloseTrigger string

const (
	TriggerTimeout   CloseTrigger = "timeout"
	TriggerCompleted CloseTrigger = "completed"
	TriggerForced    CloseTrigger = "forced"
	TriggerFailed    CloseTrigger = "failed"
	TriggerCancelled CloseTrigger = "cancelled"
)

// Answer is one participant's submission within a round. Immutable once recorded.
type Answer struct {
	ParticipantID string
	Option        string
	Elapsed       time.Duration
	Rank          int
	Correct       bool
	SubmitTime    time.Time
}

// ScoreEvent is the point delta attributed to one answer.
type ScoreEvent struct {
	ParticipantID string
	Round         int
	Delta         int
}

// Match is the persisted header of a session.
type Match struct {
	SessionID  string
	Roster     []Participant
	Questions  []Question
	CreateTime time.Time
}

// RoundResult is what a closed round hands back to its session.
type RoundResult struct {
	Round       int
	Question    Question
	Trigger     CloseTrigger
	StartTime   time.Time
	CloseTime   time.Time
	Answers     []Answer
	ScoreEvents []ScoreEvent
	Err         error
}

// Standing is a participant's cumulative position.
type Standing struct {
	ParticipantID string
	DisplayName   string
	Score         int
	Place         int
}

// Rank orders standings by score descending, then display name, and assigns shared places
// to equal scores (1, 1, 3).
func Rank(standings []Standing) []Standing {
	out := slices.Clone(standings)
	slices.SortStableFunc(out, func(a, b Standing) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.DisplayName, b.DisplayName)
	})

	for i := range out {
		if i > 0 && out[i].Score == out[i-1].Score {
			out[i].Place = out[i-1].Place
			continue
		}
		out[i].Place = i + 1
	}
	return out
}

// Winner returns the participant with the strictly highest score, false on a tie at the top.
func Winner(ranked []Standing) (Standing, bool) {
	if len(ranked) == 0 {
		return Standing{}, false
	}
	if len(ranked) > 1 && ranked[1].Score == ranked[0].Score {
		return Standing{}, false
	}
	return ranked[0], true
}

// Leaderboard represents a list of participants and their scores within a match.
// The list is sorted by score in descending order.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	ParticipantID string
	Score         float64
}

// Score represents a participant's persisted total within a match.
type Score struct {
	SessionID     string
	ParticipantID string
	TotalScore    int
}
