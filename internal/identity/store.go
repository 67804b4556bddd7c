// Package identity implements the Identity & Session Store component:
// user records, credential verification, and session lifecycle. It is the
// only component permitted to mutate the users and sessions tables.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tymektm/asystent-server/pkg/models"
)

// Store is the repository interface the service depends on; the SQL
// implementation below is the only production implementation, but the
// interface keeps the service testable without a real database.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	UpdateUserAuthState(ctx context.Context, u *models.User) error
	AnyAdminExists(ctx context.Context) (bool, error)

	CreateSession(ctx context.Context, s *models.Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error
	ListSessions(ctx context.Context, userID string) ([]*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteSessionsForUser(ctx context.Context, userID string) error
	OldestSession(ctx context.Context, userID string) (*models.Session, error)
}

// SQLStore is the durable Store backed by the shared SQLite connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an already-migrated database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, password_salt, pbkdf2_iterations, role, tier,
			locked_until, consecutive_fails, last_failure_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, u.ID, u.Email, u.PasswordHash, u.PasswordSalt, u.PBKDF2Iterations, string(u.Role), string(u.Tier),
		nullTime(u.LockedUntil), u.ConsecutiveFails, nullTime(u.LastFailureAt), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, password_salt, pbkdf2_iterations, role, tier,
			locked_until, consecutive_fails, last_failure_at, created_at, updated_at
		FROM users WHERE email = $1
	`, email)
	return scanUser(row)
}

func (s *SQLStore) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, password_salt, pbkdf2_iterations, role, tier,
			locked_until, consecutive_fails, last_failure_at, created_at, updated_at
		FROM users WHERE id = $1
	`, userID)
	return scanUser(row)
}

func (s *SQLStore) UpdateUserAuthState(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET locked_until = $1, consecutive_fails = $2, last_failure_at = $3,
			password_hash = $4, password_salt = $5, pbkdf2_iterations = $6, updated_at = $7
		WHERE id = $8
	`, nullTime(u.LockedUntil), u.ConsecutiveFails, nullTime(u.LastFailureAt),
		u.PasswordHash, u.PasswordSalt, u.PBKDF2Iterations, u.UpdatedAt, u.ID)
	if err != nil {
		return fmt.Errorf("update user auth state: %w", err)
	}
	return nil
}

func (s *SQLStore) AnyAdminExists(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, string(models.SystemRoleAdmin)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check admin existence: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, created_at, last_seen_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.CreatedAt, sess.LastSeenAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, created_at, last_seen_at, expires_at
		FROM sessions WHERE token_hash = $1
	`, tokenHash)
	return scanSession(row)
}

func (s *SQLStore) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = $1 WHERE id = $2`, lastSeen, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, token_hash, created_at, last_seen_at, expires_at
		FROM sessions WHERE user_id = $1 ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteSessionsForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete sessions for user: %w", err)
	}
	return nil
}

func (s *SQLStore) OldestSession(ctx context.Context, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, created_at, last_seen_at, expires_at
		FROM sessions WHERE user_id = $1 ORDER BY created_at ASC LIMIT 1
	`, userID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u           models.User
		role, tier  string
		lockedUntil sql.NullTime
		lastFailure sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.PasswordSalt, &u.PBKDF2Iterations, &role, &tier,
		&lockedUntil, &u.ConsecutiveFails, &lastFailure, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = models.SystemRole(role)
	u.Tier = models.Tier(tier)
	u.LockedUntil = lockedUntil.Time
	u.LastFailureAt = lastFailure.Time
	return &u, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.CreatedAt, &s.LastSeenAt, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSessionRows(rows *sql.Rows) (*models.Session, error) {
	return scanSession(rows)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
