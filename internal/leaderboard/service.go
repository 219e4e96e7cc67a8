package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/event"
)

const defaultRetention = 24 * time.Hour

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// Retention is how long a finished match's leaderboard stays in redis.
	Retention time.Duration
}

// Service mirrors match standings into a redis sorted set per match. It is a read model:
// the engine never reads it back.
type Service struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewService(c Config) *Service {
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}

	s := &Service{
		redis:     c.Redis,
		prefix:    c.Prefix,
		retention: c.Retention,
	}

	c.EventBus.Subscribe(domain.EventNameMatchStarted, func(ctx context.Context, e event.Event) error {
		ms := e.(domain.EventMatchStarted)
		return s.UpdateLeaderboard(ctx, ms.SessionID, ms.Roster, false)
	})
	c.EventBus.Subscribe(domain.EventNameRoundClosed, func(ctx context.Context, e event.Event) error {
		rc := e.(domain.EventRoundClosed)
		return s.UpdateLeaderboard(ctx, rc.SessionID, rc.Standings, false)
	})
	c.EventBus.Subscribe(domain.EventNameMatchFinished, func(ctx context.Context, e event.Event) error {
		mf := e.(domain.EventMatchFinished)
		return s.UpdateLeaderboard(ctx, mf.SessionID, mf.Standings, true)
	})
	c.EventBus.Subscribe(domain.EventNameMatchAborted, func(ctx context.Context, e event.Event) error {
		ma := e.(domain.EventMatchAborted)
		return s.UpdateLeaderboard(ctx, ma.SessionID, ma.Standings, true)
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the leaderboard for a match, highest score first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonMatchNotFound),
			errors.WithMessagef("leaderboard not found: session=%s", req.SessionID),
		)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: z.Member.(string),
			Score:         z.Score,
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// UpdateLeaderboard overwrites every participant's total. A final update starts the
// retention countdown.
func (s *Service) UpdateLeaderboard(ctx context.Context, sessionID string, standings []domain.Standing, final bool) error {
	if len(standings) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(standings))
	for _, st := range standings {
		members = append(members, redis.Z{
			Score:  float64(st.Score),
			Member: st.ParticipantID,
		})
	}

	key := s.getLeaderboardKey(sessionID)
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, members...)
		if final {
			p.Expire(ctx, key, s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: session=%s: %w", sessionID, err)
	}

	return nil
}

func (s *Service) getLeaderboardKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}
