package identity

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/pkg/models"
)

// fakeStore is a minimal in-memory Store used to exercise Service logic
// without a real database.
type fakeStore struct {
	usersByEmail map[string]*models.User
	usersByID    map[string]*models.User
	sessions     map[string]*models.Session
	byTokenHash  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersByEmail: map[string]*models.User{},
		usersByID:    map[string]*models.User{},
		sessions:     map[string]*models.Session{},
		byTokenHash:  map[string]string{},
	}
}

func (f *fakeStore) CreateUser(ctx context.Context, u *models.User) error {
	cp := *u
	f.usersByEmail[u.Email] = &cp
	f.usersByID[u.ID] = &cp
	return nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, ok := f.usersByEmail[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	u, ok := f.usersByID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}
func (f *fakeStore) UpdateUserAuthState(ctx context.Context, u *models.User) error {
	cp := *u
	f.usersByEmail[u.Email] = &cp
	f.usersByID[u.ID] = &cp
	return nil
}
func (f *fakeStore) AnyAdminExists(ctx context.Context) (bool, error) {
	for _, u := range f.usersByID {
		if u.Role == models.SystemRoleAdmin {
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeStore) CreateSession(ctx context.Context, s *models.Session) error {
	cp := *s
	f.sessions[s.ID] = &cp
	f.byTokenHash[s.TokenHash] = s.ID
	return nil
}
func (f *fakeStore) GetSessionByTokenHash(ctx context.Context, hash string) (*models.Session, error) {
	id, ok := f.byTokenHash[hash]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *f.sessions[id]
	return &cp, nil
}
func (f *fakeStore) TouchSession(ctx context.Context, id string, t time.Time) error {
	if s, ok := f.sessions[id]; ok {
		s.LastSeenAt = t
	}
	return nil
}
func (f *fakeStore) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	var out []*models.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (f *fakeStore) DeleteSession(ctx context.Context, id string) error {
	if s, ok := f.sessions[id]; ok {
		delete(f.byTokenHash, s.TokenHash)
		delete(f.sessions, id)
	}
	return nil
}
func (f *fakeStore) DeleteSessionsForUser(ctx context.Context, userID string) error {
	for id, s := range f.sessions {
		if s.UserID == userID {
			delete(f.byTokenHash, s.TokenHash)
			delete(f.sessions, id)
		}
	}
	return nil
}
func (f *fakeStore) OldestSession(ctx context.Context, userID string) (*models.Session, error) {
	var oldest *models.Session
	for _, s := range f.sessions {
		if s.UserID != userID {
			continue
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := NewService(store, Config{SessionTTL: time.Hour, MaxSessionsPerUser: 5})

	userID, err := svc.Register(ctx, "Marcin@Example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Register(ctx, "marcin@example.com", "another password"); err != apperrors.ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	sessID, token, gotUserID, err := svc.Authenticate(ctx, "marcin@example.com", "correct horse battery staple")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if gotUserID != userID || sessID == "" || token == "" {
		t.Fatalf("unexpected authenticate result: %s %s %s", sessID, token, gotUserID)
	}

	resumedUser, resumedSession, err := svc.Resume(ctx, token)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumedUser != userID || resumedSession != sessID {
		t.Fatalf("resume mismatch: %s %s", resumedUser, resumedSession)
	}
}

func TestAuthenticateLocksAfterFiveFailures(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := NewService(store, Config{SessionTTL: time.Hour, MaxSessionsPerUser: 5})

	if _, err := svc.Register(ctx, "locked@example.com", "right password"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < maxConsecutiveFailures; i++ {
		if _, _, _, err := svc.Authenticate(ctx, "locked@example.com", "wrong"); err != apperrors.ErrInvalidCredentials {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	if _, _, _, err := svc.Authenticate(ctx, "locked@example.com", "right password"); err != apperrors.ErrAccountLocked {
		t.Fatalf("expected ErrAccountLocked after %d failures, got %v", maxConsecutiveFailures, err)
	}
}

func TestSessionCapEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := NewService(store, Config{SessionTTL: time.Hour, MaxSessionsPerUser: 2})

	userID, err := svc.Register(ctx, "cap@example.com", "password123456")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var sessionIDs []string
	for i := 0; i < 3; i++ {
		sessID, _, _, err := svc.Authenticate(ctx, "cap@example.com", "password123456")
		if err != nil {
			t.Fatalf("Authenticate %d: %v", i, err)
		}
		sessionIDs = append(sessionIDs, sessID)
		time.Sleep(time.Millisecond)
	}

	sessions, err := svc.ListSessions(ctx, userID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) > 2 {
		t.Fatalf("expected at most 2 sessions after cap eviction, got %d", len(sessions))
	}
}
