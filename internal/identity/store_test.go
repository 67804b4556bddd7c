package identity

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/tymektm/asystent-server/pkg/models"
)

func TestSQLStoreCreateUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db)
	now := time.Now()
	user := &models.User{
		ID: "usr_1", Email: "a@example.com", PasswordHash: "h", PasswordSalt: "s",
		PBKDF2Iterations: 100000, Role: models.SystemRoleUser, Tier: models.TierFree,
		CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO users").
		WithArgs(user.ID, user.Email, user.PasswordHash, user.PasswordSalt, user.PBKDF2Iterations,
			string(user.Role), string(user.Tier), nil, 0, nil, user.CreatedAt, user.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStoreGetUserByEmailNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db)
	mock.ExpectQuery("SELECT (.+) FROM users WHERE email").
		WithArgs("missing@example.com").
		WillReturnRows(sqlmock.NewRows(nil))

	if _, err := store.GetUserByEmail(context.Background(), "missing@example.com"); err == nil {
		t.Fatal("expected error for missing user")
	}
}

func TestSQLStoreOldestSessionNone(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewSQLStore(db)
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE user_id").
		WithArgs("usr_1").
		WillReturnRows(sqlmock.NewRows(nil))

	sess, err := store.OldestSession(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("OldestSession: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil session, got %+v", sess)
	}
}
