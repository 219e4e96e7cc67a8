package question

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/trivia/internal/domain"
)

// Redis keeps each question as JSON under {prefix}:question:{id} and the ids in the set
// {prefix}:questions.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedis(rc redis.UniversalClient, prefix string) *Redis {
	return &Redis{redis: rc, prefix: prefix}
}

func (s *Redis) Seed(ctx context.Context, questions []domain.Question) error {
	if len(questions) == 0 {
		return nil
	}

	ids := make([]any, 0, len(questions))
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, q := range questions {
			b, err := json.Marshal(toRecord(q))
			if err != nil {
				return fmt.Errorf("marshal question %s: %w", q.QuestionID, err)
			}
			p.Set(ctx, s.questionKey(q.QuestionID), b, 0)
			ids = append(ids, q.QuestionID)
		}
		p.SAdd(ctx, s.idsKey(), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed questions: %w", err)
	}

	return nil
}

// SelectRounds draws count distinct ids at random and loads their questions.
func (s *Redis) SelectRounds(ctx context.Context, count int) ([]domain.Question, error) {
	ids, err := s.redis.SRandMemberN(ctx, s.idsKey(), int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("select question ids: %w", err)
	}
	if len(ids) < count {
		return nil, insufficient(count, len(ids))
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.questionKey(id))
	}

	vals, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}

	out := make([]domain.Question, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("question %s: missing payload", ids[i])
		}

		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("question %s: decode: %w", ids[i], err)
		}

		// A broken payload is returned as is: the round it lands in fails on its own.
		d, _ := domain.ParseDifficulty(rec.Difficulty)
		q := domain.Question{
			QuestionID:    rec.ID,
			Prompt:        rec.Prompt,
			CorrectOption: rec.CorrectOption,
			Difficulty:    d,
		}
		for _, o := range rec.Options {
			q.Options = append(q.Options, domain.Option{ID: o.ID, Text: o.Text})
		}
		out = append(out, q)
	}

	return out, nil
}

func (s *Redis) idsKey() string {
	return fmt.Sprintf("%s:questions", s.prefix)
}

func (s *Redis) questionKey(id string) string {
	return fmt.Sprintf("%s:question:%s", s.prefix, id)
}
