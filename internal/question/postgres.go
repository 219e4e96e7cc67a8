package question

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/trivia/internal/domain"
)

// Schema creates the questions table the postgres source reads.
const Schema = `
CREATE TABLE IF NOT EXISTS questions (
	question_id    TEXT PRIMARY KEY,
	prompt         TEXT NOT NULL,
	options        JSONB NOT NULL,
	correct_option TEXT NOT NULL,
	difficulty     SMALLINT NOT NULL
);`

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate questions: %w", err)
	}
	return nil
}

// SelectRounds draws count distinct questions at random.
func (s *Postgres) SelectRounds(ctx context.Context, count int) ([]domain.Question, error) {
	const stmt = `
		SELECT question_id, prompt, options, correct_option, difficulty
		FROM questions
		ORDER BY random()
		LIMIT $1;`

	rows, err := s.db.Query(ctx, stmt, count)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Question, 0, count)
	for rows.Next() {
		var (
			q    domain.Question
			opts []byte
			d    int16
		)
		if err := rows.Scan(&q.QuestionID, &q.Prompt, &opts, &q.CorrectOption, &d); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal(opts, &q.Options); err != nil {
			return nil, fmt.Errorf("question %s: decode options: %w", q.QuestionID, err)
		}
		q.Difficulty = domain.Difficulty(d)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}

	if len(out) < count {
		return nil, insufficient(count, len(out))
	}
	return out, nil
}

// Seed upserts the bank in one transaction.
func (s *Postgres) Seed(ctx context.Context, questions []domain.Question) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const stmt = `
		INSERT INTO questions (question_id, prompt, options, correct_option, difficulty)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (question_id) DO UPDATE
		SET prompt = EXCLUDED.prompt,
			options = EXCLUDED.options,
			correct_option = EXCLUDED.correct_option,
			difficulty = EXCLUDED.difficulty;`

	for _, q := range questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("question %s: encode options: %w", q.QuestionID, err)
		}
		if _, err = tx.Exec(ctx, stmt, q.QuestionID, q.Prompt, opts, q.CorrectOption, int16(q.Difficulty)); err != nil {
			return fmt.Errorf("insert question %s: %w", q.QuestionID, err)
		}
	}

	return tx.Commit(ctx)
}
