package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/trivia/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS matches (
	session_id  TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	winner_id   TEXT,
	create_time TIMESTAMPTZ NOT NULL,
	end_time    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS match_participants (
	session_id     TEXT NOT NULL REFERENCES matches (session_id),
	participant_id TEXT NOT NULL,
	display_name   TEXT NOT NULL,
	final_score    INTEGER,
	place          INTEGER,
	PRIMARY KEY (session_id, participant_id)
);

CREATE TABLE IF NOT EXISTS match_questions (
	session_id  TEXT NOT NULL REFERENCES matches (session_id),
	round       INTEGER NOT NULL,
	question_id TEXT NOT NULL,
	PRIMARY KEY (session_id, round)
);

CREATE TABLE IF NOT EXISTS round_results (
	session_id    TEXT NOT NULL REFERENCES matches (session_id),
	round         INTEGER NOT NULL,
	close_trigger TEXT NOT NULL,
	start_time    TIMESTAMPTZ,
	close_time    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, round)
);

CREATE TABLE IF NOT EXISTS answers (
	session_id     TEXT NOT NULL,
	round          INTEGER NOT NULL,
	participant_id TEXT NOT NULL,
	option         TEXT NOT NULL,
	elapsed_ms     BIGINT NOT NULL,
	rank           INTEGER NOT NULL,
	correct        BOOLEAN NOT NULL,
	submit_time    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, round, participant_id)
);

CREATE TABLE IF NOT EXISTS scores (
	session_id     TEXT NOT NULL,
	round          INTEGER NOT NULL,
	participant_id TEXT NOT NULL,
	delta          INTEGER NOT NULL,
	PRIMARY KEY (session_id, round, participant_id)
);`

const codeUniqueViolation = "23505"

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func (s *Postgres) CreateMatch(ctx context.Context, m domain.Match) error {
	const (
		insMatchStmt       = `INSERT INTO matches (session_id, status, create_time) VALUES ($1, $2, $3);`
		insParticipantStmt = `INSERT INTO match_participants (session_id, participant_id, display_name) VALUES ($1, $2, $3);`
		insQuestionStmt    = `INSERT INTO match_questions (session_id, round, question_id) VALUES ($1, $2, $3);`
	)

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		b.Queue(insMatchStmt, m.SessionID, statusActive, m.CreateTime)
		for _, p := range m.Roster {
			b.Queue(insParticipantStmt, m.SessionID, p.ParticipantID, p.DisplayName)
		}
		for i, q := range m.Questions {
			b.Queue(insQuestionStmt, m.SessionID, i+1, q.QuestionID)
		}
		return tx.SendBatch(ctx, b).Close()
	})
	if isUniqueViolation(err) {
		return alreadyExists(err, "match already recorded: session=%s", m.SessionID)
	}
	if err != nil {
		return fmt.Errorf("create match: %w", err)
	}

	return nil
}

func (s *Postgres) RecordRoundResult(ctx context.Context, sessionID string, res domain.RoundResult) error {
	const (
		insRoundStmt  = `INSERT INTO round_results (session_id, round, close_trigger, start_time, close_time) VALUES ($1, $2, $3, $4, $5);`
		insAnswerStmt = `INSERT INTO answers (session_id, round, participant_id, option, elapsed_ms, rank, correct, submit_time) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
		insScoreStmt  = `INSERT INTO scores (session_id, round, participant_id, delta) VALUES ($1, $2, $3, $4);`
	)

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		b.Queue(insRoundStmt, sessionID, res.Round, string(res.Trigger), nullTime(res.StartTime), res.CloseTime)
		for _, a := range res.Answers {
			b.Queue(insAnswerStmt, sessionID, res.Round, a.ParticipantID, a.Option, a.Elapsed.Milliseconds(), a.Rank, a.Correct, a.SubmitTime)
		}
		for _, ev := range res.ScoreEvents {
			b.Queue(insScoreStmt, sessionID, ev.Round, ev.ParticipantID, ev.Delta)
		}
		return tx.SendBatch(ctx, b).Close()
	})
	if isUniqueViolation(err) {
		return alreadyExists(err, "round already recorded: session=%s round=%d", sessionID, res.Round)
	}
	if err != nil {
		return fmt.Errorf("record round %d: %w", res.Round, err)
	}

	return nil
}

func (s *Postgres) FinalizeMatch(ctx context.Context, sessionID string, standings []domain.Standing, winner *domain.Standing) error {
	return s.end(ctx, sessionID, statusFinished, "", standings, winner)
}

func (s *Postgres) AbortMatch(ctx context.Context, sessionID, reason string, standings []domain.Standing) error {
	return s.end(ctx, sessionID, statusAborted, reason, standings, nil)
}

func (s *Postgres) end(ctx context.Context, sessionID, status, reason string, standings []domain.Standing, winner *domain.Standing) error {
	const (
		updMatchStmt       = `UPDATE matches SET status = $2, reason = $3, winner_id = $4, end_time = $5 WHERE session_id = $1;`
		updParticipantStmt = `UPDATE match_participants SET final_score = $3, place = $4 WHERE session_id = $1 AND participant_id = $2;`
	)

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		b.Queue(updMatchStmt, sessionID, status, reason, winnerID(winner), time.Now())
		for _, st := range standings {
			b.Queue(updParticipantStmt, sessionID, st.ParticipantID, st.Score, st.Place)
		}
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return fmt.Errorf("%s match: %w", status, err)
	}

	return nil
}

func (s *Postgres) ListScores(ctx context.Context, req ListScoresRequest) ([]domain.Score, error) {
	const stmt = `
SELECT p.participant_id, COALESCE(SUM(s.delta), 0) AS score
FROM match_participants p
LEFT JOIN scores s ON s.session_id = p.session_id AND s.participant_id = p.participant_id
WHERE p.session_id = $1
GROUP BY p.participant_id
ORDER BY score DESC, p.participant_id;`

	rows, err := s.db.Query(ctx, stmt, req.SessionID)
	if err != nil {
		return nil, err
	}

	scores, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Score, error) {
		var sc domain.Score
		if err := r.Scan(&sc.ParticipantID, &sc.TotalScore); err != nil {
			return domain.Score{}, err
		}
		sc.SessionID = req.SessionID
		return sc, nil
	})
	if err != nil {
		return nil, err
	}

	if len(scores) == 0 {
		return nil, notFound(req.SessionID)
	}
	return scores, nil
}

func (s *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
