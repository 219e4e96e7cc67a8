// Package storage persists match records. The engine only writes; ListScores serves the
// read side.
package storage

import (
	"context"
	"time"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
	"github.com/victornm/trivia/internal/match"
)

// Store is a match.Store with the read queries the API needs.
type Store interface {
	match.Store
	ListScores(ctx context.Context, req ListScoresRequest) ([]domain.Score, error)
	Close() error
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)

type ListScoresRequest struct {
	SessionID string
}

const (
	statusActive   = "active"
	statusFinished = "finished"
	statusAborted  = "aborted"
)

func alreadyExists(err error, format string, args ...any) error {
	return errors.New(errors.CodeAlreadyExists,
		errors.WithMessagef(format, args...),
		errors.WithCause(err),
	)
}

func notFound(sessionID string) error {
	return errors.New(errors.CodeNotFound,
		errors.WithReason(errors.ReasonMatchNotFound),
		errors.WithMessagef("no scores recorded: session=%s", sessionID),
	)
}

func winnerID(w *domain.Standing) *string {
	if w == nil {
		return nil
	}
	return &w.ParticipantID
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
