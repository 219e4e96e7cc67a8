package domain

import "time"

// Snapshot is a consistent, copied view of a session for late joiners.
type Snapshot struct {
	SessionID   string
	Status      MatchStatus
	Round       int
	TotalRounds int
	RoundStatus RoundStatus
	Question    *Question
	Remaining   time.Duration
	Standings   []Standing
	Winner      *Standing
	Reason      string
}
