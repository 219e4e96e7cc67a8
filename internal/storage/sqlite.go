package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/victornm/trivia/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS matches (
	session_id  TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	winner_id   TEXT,
	create_time INTEGER NOT NULL,
	end_time    INTEGER
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
	start_time    INTEGER,
	close_time    INTEGER NOT NULL,
	PRIMARY KEY (session_id, round)
);

CREATE TABLE IF NOT EXISTS answers (
	session_id     TEXT NOT NULL,
	round          INTEGER NOT NULL,
	participant_id TEXT NOT NULL,
	option         TEXT NOT NULL,
	elapsed_ms     INTEGER NOT NULL,
	rank           INTEGER NOT NULL,
	correct        INTEGER NOT NULL,
	submit_time    INTEGER NOT NULL,
	PRIMARY KEY (session_id, round, participant_id)
);

CREATE TABLE IF NOT EXISTS scores (
	session_id     TEXT NOT NULL,
	round          INTEGER NOT NULL,
	participant_id TEXT NOT NULL,
	delta          INTEGER NOT NULL,
	PRIMARY KEY (session_id, round, participant_id)
);`

// SQLite stores matches in a single file, for single-node deployments and tests. Times are
// unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens dsn (a path, or ":memory:") and applies the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: sqlite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateMatch(ctx context.Context, m domain.Match) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO matches (session_id, status, create_time) VALUES (?, ?, ?);`,
			m.SessionID, statusActive, millis(m.CreateTime)); err != nil {
			return err
		}
		for _, p := range m.Roster {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO match_participants (session_id, participant_id, display_name) VALUES (?, ?, ?);`,
				m.SessionID, p.ParticipantID, p.DisplayName); err != nil {
				return err
			}
		}
		for i, q := range m.Questions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO match_questions (session_id, round, question_id) VALUES (?, ?, ?);`,
				m.SessionID, i+1, q.QuestionID); err != nil {
				return err
			}
		}
		return nil
	})
	if isConstraintViolation(err) {
		return alreadyExists(err, "match already recorded: session=%s", m.SessionID)
	}
	if err != nil {
		return fmt.Errorf("create match: %w", err)
	}

	return nil
}

func (s *SQLite) RecordRoundResult(ctx context.Context, sessionID string, res domain.RoundResult) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO round_results (session_id, round, close_trigger, start_time, close_time) VALUES (?, ?, ?, ?, ?);`,
			sessionID, res.Round, string(res.Trigger), millis(res.StartTime), millis(res.CloseTime)); err != nil {
			return err
		}
		for _, a := range res.Answers {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO answers (session_id, round, participant_id, option, elapsed_ms, rank, correct, submit_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
				sessionID, res.Round, a.ParticipantID, a.Option, a.Elapsed.Milliseconds(), a.Rank, a.Correct, millis(a.SubmitTime)); err != nil {
				return err
			}
		}
		for _, ev := range res.ScoreEvents {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO scores (session_id, round, participant_id, delta) VALUES (?, ?, ?, ?);`,
				sessionID, ev.Round, ev.ParticipantID, ev.Delta); err != nil {
				return err
			}
		}
		return nil
	})
	if isConstraintViolation(err) {
		return alreadyExists(err, "round already recorded: session=%s round=%d", sessionID, res.Round)
	}
	if err != nil {
		return fmt.Errorf("record round %d: %w", res.Round, err)
	}

	return nil
}

func (s *SQLite) FinalizeMatch(ctx context.Context, sessionID string, standings []domain.Standing, winner *domain.Standing) error {
	return s.end(ctx, sessionID, statusFinished, "", standings, winner)
}

func (s *SQLite) AbortMatch(ctx context.Context, sessionID, reason string, standings []domain.Standing) error {
	return s.end(ctx, sessionID, statusAborted, reason, standings, nil)
}

func (s *SQLite) end(ctx context.Context, sessionID, status, reason string, standings []domain.Standing, winner *domain.Standing) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE matches SET status = ?, reason = ?, winner_id = ?, end_time = ? WHERE session_id = ?;`,
			status, reason, winnerID(winner), time.Now().UnixMilli(), sessionID); err != nil {
			return err
		}
		for _, st := range standings {
			if _, err := tx.ExecContext(ctx,
				`UPDATE match_participants SET final_score = ?, place = ? WHERE session_id = ? AND participant_id = ?;`,
				st.Score, st.Place, sessionID, st.ParticipantID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s match: %w", status, err)
	}

	return nil
}

func (s *SQLite) ListScores(ctx context.Context, req ListScoresRequest) ([]domain.Score, error) {
	const stmt = `
SELECT p.participant_id, COALESCE(SUM(s.delta), 0) AS score
FROM match_participants p
LEFT JOIN scores s ON s.session_id = p.session_id AND s.participant_id = p.participant_id
WHERE p.session_id = ?
GROUP BY p.participant_id
ORDER BY score DESC, p.participant_id;`

	rows, err := s.db.QueryContext(ctx, stmt, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []domain.Score
	for rows.Next() {
		sc := domain.Score{SessionID: req.SessionID}
		if err := rows.Scan(&sc.ParticipantID, &sc.TotalScore); err != nil {
			return nil, err
		}
		scores = append(scores, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(scores) == 0 {
		return nil, notFound(req.SessionID)
	}
	return scores, nil
}

// Status returns the recorded status and reason of a match.
func (s *SQLite) Status(ctx context.Context, sessionID string) (status, reason string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT status, reason FROM matches WHERE session_id = ?;`, sessionID,
	).Scan(&status, &reason)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", "", notFound(sessionID)
	}
	return status, reason, err
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback())
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func isConstraintViolation(err error) bool {
	var e *sqlite.Error
	if !stderrors.As(err, &e) {
		return false
	}
	switch e.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
