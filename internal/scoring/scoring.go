// Package scoring turns answers into point deltas. Everything here is pure.
package scoring

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/trivia/internal/domain"
)

const BasePoints = 10

var (
	half  = decimal.RequireFromString("0.5")
	order = decimal.RequireFromString("0.3")

	factors = map[domain.Difficulty]decimal.Decimal{
		domain.DifficultyEasy:   decimal.RequireFromString("1.0"),
		domain.DifficultyMedium: decimal.RequireFromString("1.5"),
		domain.DifficultyHard:   decimal.RequireFromString("2.0"),
	}
)

// Input is everything a single answer's score depends on.
type Input struct {
	Correct    bool
	Difficulty domain.Difficulty
	Elapsed    time.Duration
	MaxRound   time.Duration
	// ArrivalRank is the 1-based position among all answers of the round.
	ArrivalRank int
	// CorrectRank is the 1-based position among correct answers of the round, 0 when incorrect.
	CorrectRank int
}

// Base returns floor(BasePoints × difficulty factor). Unknown difficulties score as easy.
func Base(d domain.Difficulty) int {
	f, ok := factors[d]
	if !ok {
		f = factors[domain.DifficultyEasy]
	}
	return int(decimal.NewFromInt(BasePoints).Mul(f).Floor().IntPart())
}

// Score computes the delta for one answer.
//
// A wrong answer costs floor(base/2) only when it is the very first answer of the round.
// A right answer earns base, a speed bonus tapering linearly from base/2 to 0 over the
// round, and floor(base × 0.3) when it is the first right answer.
func Score(in Input) int {
	base := decimal.NewFromInt(int64(Base(in.Difficulty)))

	if !in.Correct {
		if in.ArrivalRank == 1 {
			return -int(base.Mul(half).Floor().IntPart())
		}
		return 0
	}

	total := base.IntPart() + speedBonus(base, in.Elapsed, in.MaxRound)
	if in.CorrectRank == 1 {
		total += base.Mul(order).Floor().IntPart()
	}
	return int(total)
}

// speedBonus is floor(base × (max − elapsed)/max × 0.5), computed as an exact integer
// quotient so no rounding can push it over a floor boundary.
func speedBonus(base decimal.Decimal, elapsed, maxRound time.Duration) int64 {
	maxMs := maxRound.Milliseconds()
	if maxMs <= 0 {
		return 0
	}
	ms := max(elapsed.Milliseconds(), 0)
	ms = min(ms, maxMs)

	num := base.Mul(decimal.NewFromInt(maxMs - ms))
	q, _ := num.QuoRem(decimal.NewFromInt(2*maxMs), 0)
	return q.IntPart()
}

// Finalize scores a round's answers. Answers are processed in arrival order; correct ranks
// are derived from that order. The result has one event per answer, in arrival order.
func Finalize(round int, answers []domain.Answer, d domain.Difficulty, maxRound time.Duration) []domain.ScoreEvent {
	events := make([]domain.ScoreEvent, 0, len(answers))

	correct := 0
	for _, a := range byRank(answers) {
		in := Input{
			Correct:     a.Correct,
			Difficulty:  d,
			Elapsed:     a.Elapsed,
			MaxRound:    maxRound,
			ArrivalRank: a.Rank,
		}
		if a.Correct {
			correct++
			in.CorrectRank = correct
		}

		events = append(events, domain.ScoreEvent{
			ParticipantID: a.ParticipantID,
			Round:         round,
			Delta:         Score(in),
		})
	}

	return events
}

func byRank(answers []domain.Answer) []domain.Answer {
	sorted := make([]domain.Answer, len(answers))
	for _, a := range answers {
		// Ranks are dense and 1-based within a ledger; fall back to append order otherwise.
		if a.Rank < 1 || a.Rank > len(answers) || sorted[a.Rank-1].ParticipantID != "" {
			return answers
		}
		sorted[a.Rank-1] = a
	}
	return sorted
}
