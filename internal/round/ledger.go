package round

import (
	"sync"
	"time"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

// Ledger records the answers of one round. It is the only place that decides whether a
// submission is accepted, so duplicate and late submissions resolve under a single lock.
type Ledger struct {
	question domain.Question

	mu       sync.Mutex
	status   domain.RoundStatus
	start    time.Time
	expected map[string]struct{}
	answered map[string]int
	answers  []domain.Answer
}

func NewLedger(q domain.Question, participants []string) *Ledger {
	expected := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		expected[p] = struct{}{}
	}

	return &Ledger{
		question: q,
		status:   domain.RoundPending,
		expected: expected,
		answered: make(map[string]int, len(participants)),
	}
}

// Open moves a pending ledger to running, with elapsed times measured from start. It reports
// false when the ledger was already opened or sealed.
func (l *Ledger) Open(start time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != domain.RoundPending {
		return false
	}
	l.status = domain.RoundRunning
	l.start = start
	return true
}

// StartTime is the time the ledger was opened, zero while pending.
func (l *Ledger) StartTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.start
}

// Seal closes the ledger. Later submissions are rejected as round_closed.
func (l *Ledger) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.status = domain.RoundClosed
}

func (l *Ledger) Status() domain.RoundStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.status
}

// Submit records an answer received at now. On success the answer carries its elapsed time
// since Open, its arrival rank and correctness, and complete reports whether every expected
// participant has now answered.
func (l *Ledger) Submit(participantID, option string, now time.Time) (a domain.Answer, complete bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != domain.RoundRunning {
		return domain.Answer{}, false, errors.Rejected(errors.ReasonRoundClosed,
			"round is %s: question=%s", l.status, l.question.QuestionID)
	}
	if _, ok := l.expected[participantID]; !ok {
		return domain.Answer{}, false, errors.Rejected(errors.ReasonUnknownParticipant,
			"participant %s is not in this match", participantID)
	}
	if _, ok := l.answered[participantID]; ok {
		return domain.Answer{}, false, errors.New(errors.CodeAlreadyExists,
			errors.WithReason(errors.ReasonDuplicateAnswer),
			errors.WithMessagef("answer is already submitted: participant=%s question=%s", participantID, l.question.QuestionID),
		)
	}
	if !l.question.HasOption(option) {
		return domain.Answer{}, false, errors.Invalid(errors.ReasonInvalidOption,
			"option %q is not offered by question %s", option, l.question.QuestionID)
	}

	a = domain.Answer{
		ParticipantID: participantID,
		Option:        option,
		Elapsed:       max(now.Sub(l.start), 0),
		Rank:          len(l.answers) + 1,
		Correct:       option == l.question.CorrectOption,
		SubmitTime:    now,
	}
	l.answered[participantID] = len(l.answers)
	l.answers = append(l.answers, a)

	return a, len(l.answers) == len(l.expected), nil
}

// IsComplete reports whether every expected participant answered exactly once.
func (l *Ledger) IsComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.answers) == len(l.expected)
}

// Answers returns a copy of the recorded answers in arrival order.
func (l *Ledger) Answers() []domain.Answer {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Answer, len(l.answers))
	copy(out, l.answers)
	return out
}
