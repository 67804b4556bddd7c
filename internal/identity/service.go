package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/internal/auth"
	"github.com/tymektm/asystent-server/pkg/models"
)

const (
	maxConsecutiveFailures = 5
	failureWindow          = 15 * time.Minute
	lockoutDuration        = 30 * time.Minute
)

// Service implements the register/authenticate/resume/list_sessions/revoke
// operations of the Identity & Session Store component.
type Service struct {
	store              Store
	sessionTTL         time.Duration
	maxSessionsPerUser int
	logger             *slog.Logger
}

// Config configures Service.
type Config struct {
	SessionTTL         time.Duration
	MaxSessionsPerUser int
	Logger             *slog.Logger
}

// NewService constructs a Service over the given store.
func NewService(store Store, cfg Config) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:              store,
		sessionTTL:         cfg.SessionTTL,
		maxSessionsPerUser: cfg.MaxSessionsPerUser,
		logger:             cfg.Logger,
	}
}

// Register creates a new user account with role "user" and tier "free".
func (s *Service) Register(ctx context.Context, email, password string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return "", fmt.Errorf("email and password are required")
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return "", apperrors.ErrUserExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup user: %w", err)
	}

	hash, salt, iters, err := auth.HashPassword(password, auth.MinPBKDF2Iterations)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	now := time.Now()
	user := &models.User{
		ID:               newOpaqueID("usr"),
		Email:            email,
		PasswordHash:     hash,
		PasswordSalt:     salt,
		PBKDF2Iterations: iters,
		Role:             models.SystemRoleUser,
		Tier:             models.TierFree,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return "", err
	}
	return user.ID, nil
}

// Authenticate validates credentials and, on success, creates a new
// session, enforcing the per-user session cap by evicting the oldest.
func (s *Service) Authenticate(ctx context.Context, email, password string) (sessionID, token string, userID string, err error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", "", "", apperrors.ErrInvalidCredentials
	}

	if !user.LockedUntil.IsZero() && time.Now().Before(user.LockedUntil) {
		return "", "", "", apperrors.ErrAccountLocked
	}

	ok, verr := auth.VerifyPassword(password, user.PasswordHash, user.PasswordSalt, user.PBKDF2Iterations)
	if verr != nil || !ok {
		s.recordFailure(ctx, user)
		return "", "", "", apperrors.ErrInvalidCredentials
	}

	user.ConsecutiveFails = 0
	user.LockedUntil = time.Time{}
	user.UpdatedAt = time.Now()
	if err := s.store.UpdateUserAuthState(ctx, user); err != nil {
		s.logger.Warn("failed to clear failure counter", "user_id", user.ID, "error", err)
	}

	if err := s.evictIfOverCap(ctx, user.ID); err != nil {
		s.logger.Warn("session eviction failed", "user_id", user.ID, "error", err)
	}

	sessToken, tokenHash, err := auth.GenerateSessionToken()
	if err != nil {
		return "", "", "", fmt.Errorf("generate session token: %w", err)
	}
	now := time.Now()
	sess := &models.Session{
		ID:         newOpaqueID("sess"),
		UserID:     user.ID,
		TokenHash:  tokenHash,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(s.sessionTTL),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return "", "", "", fmt.Errorf("create session: %w", err)
	}
	return sess.ID, sessToken, user.ID, nil
}

func (s *Service) recordFailure(ctx context.Context, user *models.User) {
	now := time.Now()
	if user.LastFailureAt.IsZero() || now.Sub(user.LastFailureAt) > failureWindow {
		user.ConsecutiveFails = 0
	}
	user.ConsecutiveFails++
	user.LastFailureAt = now
	if user.ConsecutiveFails >= maxConsecutiveFailures {
		user.LockedUntil = now.Add(lockoutDuration)
	}
	user.UpdatedAt = now
	if err := s.store.UpdateUserAuthState(ctx, user); err != nil {
		s.logger.Warn("failed to record auth failure", "user_id", user.ID, "error", err)
	}
}

func (s *Service) evictIfOverCap(ctx context.Context, userID string) error {
	sessions, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return err
	}
	for len(sessions) >= s.maxSessionsPerUser {
		oldest, err := s.store.OldestSession(ctx, userID)
		if err != nil || oldest == nil {
			return err
		}
		if err := s.store.DeleteSession(ctx, oldest.ID); err != nil {
			return err
		}
		sessions = sessions[1:]
	}
	return nil
}

// Resume validates a bearer token against the session store, touching the
// session's last-seen timestamp on success.
func (s *Service) Resume(ctx context.Context, token string) (userID, sessionID string, err error) {
	tokenHash := auth.HashToken(token)
	sess, err := s.store.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return "", "", apperrors.ErrUnknownSession
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.store.DeleteSession(ctx, sess.ID)
		return "", "", apperrors.ErrSessionExpired
	}
	if err := s.store.TouchSession(ctx, sess.ID, time.Now()); err != nil {
		s.logger.Warn("failed to touch session", "session_id", sess.ID, "error", err)
	}
	return sess.UserID, sess.ID, nil
}

// UserTier returns a user's current entitlement tier, used by the
// transport layer to resolve a resumed session's quota class without
// exposing the store directly outside this package.
func (s *Service) UserTier(ctx context.Context, userID string) (models.Tier, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", apperrors.ErrUnknownSession
	}
	return user.Tier, nil
}

// ListSessions returns all active sessions for a user.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	return s.store.ListSessions(ctx, userID)
}

// Revoke deletes a single session, invalidating its bearer token.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	return s.store.DeleteSession(ctx, sessionID)
}

// RevokeAllForUser invalidates every session for a user, used on password
// change.
func (s *Service) RevokeAllForUser(ctx context.Context, userID string) error {
	return s.store.DeleteSessionsForUser(ctx, userID)
}

// BootstrapAdmin creates the first admin account if none exists, writing the
// generated password once to passwordFilePath with owner-only permissions.
func (s *Service) BootstrapAdmin(ctx context.Context, email, passwordFilePath string) error {
	exists, err := s.store.AnyAdminExists(ctx)
	if err != nil {
		return fmt.Errorf("check admin existence: %w", err)
	}
	if exists {
		return nil
	}

	password, err := auth.GenerateRandomPassword(24)
	if err != nil {
		return fmt.Errorf("generate admin password: %w", err)
	}
	hash, salt, iters, err := auth.HashPassword(password, auth.MinPBKDF2Iterations)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	now := time.Now()
	admin := &models.User{
		ID:               newOpaqueID("usr"),
		Email:            strings.ToLower(strings.TrimSpace(email)),
		PasswordHash:     hash,
		PasswordSalt:     salt,
		PBKDF2Iterations: iters,
		Role:             models.SystemRoleAdmin,
		Tier:             models.TierPaid,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(passwordFilePath), 0o700); err != nil {
		return fmt.Errorf("prepare password file directory: %w", err)
	}
	if err := os.WriteFile(passwordFilePath, []byte(password+"\n"), 0o600); err != nil {
		return fmt.Errorf("write admin password file: %w", err)
	}
	s.logger.Warn("bootstrapped admin account; change the generated password",
		"email", admin.Email, "password_file", passwordFilePath)
	return nil
}

func newOpaqueID(prefix string) string {
	raw := make([]byte, 12)
	_, _ = rand.Read(raw)
	return prefix + "_" + hex.EncodeToString(raw)
}
