package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/schema"
)

// SessionStore persists execution session lifecycle metadata.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore constructs a SessionStore backed by the provided pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const (
	sessionInsertSQL = `
INSERT INTO sessions (session_id, mode, symbols, status, parameters, start_time)
VALUES (@session_id, @mode, @symbols, @status, @parameters::jsonb, @start_time);
`

	sessionStatusSQL = `
UPDATE sessions
SET status = @status, error_message = @error_message
WHERE session_id = @session_id;
`

	sessionCompleteSQL = `
UPDATE sessions
SET end_time = @end_time
WHERE session_id = @session_id;
`
)

// InsertSession records a new session row.
func (s *SessionStore) InsertSession(ctx context.Context, session *schema.ExecutionSession) error {
	if session == nil || session.SessionID == "" {
		return errs.New("store/session", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	params, err := encodeMetadata(session.Parameters)
	if err != nil {
		return fmt.Errorf("session store: encode parameters: %w", err)
	}
	_, err = s.pool.Exec(ctx, sessionInsertSQL, pgx.NamedArgs{
		"session_id": session.SessionID,
		"mode":       string(session.Mode),
		"symbols":    strings.Join(session.Symbols, ","),
		"status":     string(session.Status),
		"parameters": params,
		"start_time": nullableTime(session.StartTime),
	})
	if err != nil {
		return fmt.Errorf("session store: insert %s: %w", session.SessionID, err)
	}
	return nil
}

// UpdateSessionStatus rewrites the session status and error message.
func (s *SessionStore) UpdateSessionStatus(ctx context.Context, sessionID string, status schema.SessionStatus, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, sessionStatusSQL, pgx.NamedArgs{
		"session_id":    sessionID,
		"status":        string(status),
		"error_message": errorMessage,
	})
	if err != nil {
		return fmt.Errorf("session store: update status %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("store/session", errs.CodeNotFound, errs.WithSession(sessionID))
	}
	return nil
}

// CompleteSession stamps the session end time.
func (s *SessionStore) CompleteSession(ctx context.Context, sessionID string, endTime time.Time) error {
	tag, err := s.pool.Exec(ctx, sessionCompleteSQL, pgx.NamedArgs{
		"session_id": sessionID,
		"end_time":   endTime,
	})
	if err != nil {
		return fmt.Errorf("session store: complete %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("store/session", errs.CodeNotFound, errs.WithSession(sessionID))
	}
	return nil
}
