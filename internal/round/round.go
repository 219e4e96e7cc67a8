package round

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/scoring"
)

const (
	DefaultDuration        = 30 * time.Second
	DefaultTransitionDelay = 2 * time.Second
	DefaultTickInterval    = time.Second
)

type Publisher interface {
	Publish(ctx context.Context, e event.Event)
}

type Config struct {
	SessionID    string
	Number       int // 1-based
	TotalRounds  int
	Question     domain.Question
	Participants []string

	Duration        time.Duration
	TransitionDelay time.Duration
	TickInterval    time.Duration

	Publisher Publisher

	Now          func() time.Time
	NewTimerFunc func(d time.Duration) Timer
	// NewTickerFunc drives countdown ticks; tests replace it to control time.
	NewTickerFunc func(d time.Duration) Ticker
}

// Round drives one question through pending → running → closed.
//
// Exactly one of {countdown expiry, ledger completion, forced close, cancellation} closes
// the round: whichever wins the compare-and-swap on closed. The rest are no-ops.
type Round struct {
	c      Config
	ledger *Ledger

	closed atomic.Bool
	done   chan struct{}

	mu      sync.Mutex
	trigger domain.CloseTrigger
}

func New(c Config) *Round {
	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	}
	if c.TransitionDelay < 0 {
		c.TransitionDelay = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewTimerFunc == nil {
		c.NewTimerFunc = NewTimer
	}
	if c.NewTickerFunc == nil {
		c.NewTickerFunc = NewTicker
	}
	if c.Publisher == nil {
		c.Publisher = discard{}
	}

	return &Round{
		c:      c,
		ledger: NewLedger(c.Question, c.Participants),
		done:   make(chan struct{}),
	}
}

// Run blocks until the round is closed and returns its scored result.
func (r *Round) Run(ctx context.Context) domain.RoundResult {
	res := domain.RoundResult{
		Round:    r.c.Number,
		Question: r.c.Question,
	}

	if err := r.c.Question.Validate(); err != nil {
		r.close(domain.TriggerFailed)
		res.Err = errors.New(errors.CodeInternal,
			errors.WithReason(errors.ReasonInvalidQuestion),
			errors.WithMessagef("round %d: question payload unusable", r.c.Number),
			errors.WithCause(err),
		)
		return r.finish(res)
	}

	r.c.Publisher.Publish(ctx, domain.EventRoundStarting{
		SessionID:   r.c.SessionID,
		Round:       r.c.Number,
		TotalRounds: r.c.TotalRounds,
		Delay:       r.c.TransitionDelay,
	})

	delay := r.c.NewTimerFunc(r.c.TransitionDelay)
	select {
	case <-delay.C():
	case <-r.done:
		delay.Stop()
		return r.finish(res)
	case <-ctx.Done():
		delay.Stop()
		r.close(domain.TriggerCancelled)
		return r.finish(res)
	}

	if !r.open() {
		return r.finish(res)
	}

	r.c.Publisher.Publish(ctx, domain.EventRoundRunning{
		SessionID: r.c.SessionID,
		Round:     r.c.Number,
		Question:  r.c.Question,
		Duration:  r.c.Duration,
		StartTime: r.StartTime(),
	})

	countdown := r.c.NewTimerFunc(r.c.Duration)
	defer countdown.Stop()
	ticker := r.c.NewTickerFunc(r.c.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return r.finish(res)
		case <-countdown.C():
			r.close(domain.TriggerTimeout)
		case <-ctx.Done():
			r.close(domain.TriggerCancelled)
		case <-ticker.C():
			if r.closed.Load() {
				continue
			}
			r.c.Publisher.Publish(ctx, domain.EventCountdownTick{
				SessionID:        r.c.SessionID,
				Round:            r.c.Number,
				SecondsRemaining: ceilSeconds(r.Remaining()),
			})
		}
	}
}

func (r *Round) open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return false
	}
	return r.ledger.Open(r.c.Now())
}

// close is the single close guard. It reports whether this call closed the round.
func (r *Round) close(t domain.CloseTrigger) bool {
	if !r.closed.CompareAndSwap(false, true) {
		return false
	}

	r.mu.Lock()
	r.trigger = t
	r.mu.Unlock()

	r.ledger.Seal()
	close(r.done)
	return true
}

func (r *Round) finish(res domain.RoundResult) domain.RoundResult {
	r.mu.Lock()
	res.Trigger = r.trigger
	r.mu.Unlock()

	res.StartTime = r.ledger.StartTime()
	res.CloseTime = r.c.Now()
	res.Answers = r.ledger.Answers()
	res.ScoreEvents = scoring.Finalize(r.c.Number, res.Answers, r.c.Question.Difficulty, r.c.Duration)
	return res
}

// Submit records a participant's answer. Elapsed time is measured by the ledger, from the
// round's own start time. The last expected answer closes the round.
func (r *Round) Submit(ctx context.Context, participantID, option string) (domain.Answer, int, error) {
	a, complete, err := r.ledger.Submit(participantID, option, r.c.Now())
	if err != nil {
		return domain.Answer{}, 0, err
	}

	points := r.pointsFor(a)
	r.c.Publisher.Publish(ctx, domain.EventAnswerAccepted{
		SessionID: r.c.SessionID,
		Round:     r.c.Number,
		Answer:    a,
		Points:    points,
	})

	if complete {
		r.close(domain.TriggerCompleted)
	}

	return a, points, nil
}

// pointsFor scores a against the answers that arrived before it. A score only depends on
// earlier arrivals, so this equals the delta the round will finalize.
func (r *Round) pointsFor(a domain.Answer) int {
	prefix := r.ledger.Answers()[:a.Rank]
	events := scoring.Finalize(r.c.Number, prefix, r.c.Question.Difficulty, r.c.Duration)
	return events[len(events)-1].Delta
}

// ForceClose closes the round as if the countdown expired early.
func (r *Round) ForceClose() bool {
	return r.close(domain.TriggerForced)
}

// Done is closed once the round is closed.
func (r *Round) Done() <-chan struct{} {
	return r.done
}

func (r *Round) Number() int                { return r.c.Number }
func (r *Round) Question() domain.Question  { return r.c.Question }
func (r *Round) Status() domain.RoundStatus { return r.ledger.Status() }

func (r *Round) StartTime() time.Time {
	return r.ledger.StartTime()
}

// Remaining is the countdown left while running, zero otherwise.
func (r *Round) Remaining() time.Duration {
	if r.Status() != domain.RoundRunning {
		return 0
	}
	left := r.c.Duration - r.c.Now().Sub(r.StartTime())
	return max(left, 0)
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

type discard struct{}

func (discard) Publish(context.Context, event.Event) {}
