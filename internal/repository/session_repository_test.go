package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"portalauth/internal/models"
)

func TestSessionCreateSetsEightHourExpiry(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := NewSessionRepository(db).WithClock(func() time.Time { return now })

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("sess-1", "id-1", "hash", "portal", "10.0.0.1", "ua", now, now.Add(8*time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	session, err := repo.Create(context.Background(), "id-1", models.SessionMetadata{
		ID:          "sess-1",
		TokenHash:   "hash",
		Application: "portal",
		IPAddress:   "10.0.0.1",
		UserAgent:   "ua",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !session.ExpiresAt.Equal(now.Add(8*time.Hour)) || !session.LastActiveAt.Equal(now) {
		t.Fatalf("unexpected timestamps %+v", session)
	}
	if !session.Live(now) || session.Live(now.Add(9*time.Hour)) {
		t.Fatal("liveness does not follow expiry")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRevokeIsIdempotent(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectExec("UPDATE sessions").
		WithArgs("sess-1", sqlmock.AnyArg(), "admin-1", "logout").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions").
		WithArgs("sess-1", sqlmock.AnyArg(), "admin-1", "logout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ctx := context.Background()
	if err := repo.Revoke(ctx, "sess-1", "logout", "admin-1"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := repo.Revoke(ctx, "sess-1", "logout", "admin-1"); err != nil {
		t.Fatalf("second revoke should be a no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionRevokeUnknown(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectExec("UPDATE sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := repo.Revoke(context.Background(), "ghost", "logout", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionIsValidAndCountActive(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery("revoked_at IS NULL AND expires_at >").
		WithArgs("sess-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("id-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	valid, err := repo.IsValid(context.Background(), "sess-1")
	if err != nil || valid {
		t.Fatalf("expected revoked session to be invalid, got %v %v", valid, err)
	}
	count, err := repo.CountActive(context.Background(), "id-1")
	if err != nil || count != 2 {
		t.Fatalf("expected 2 active sessions, got %d %v", count, err)
	}
}

func TestRevokeAllForIdentityReturnsRevokedIDs(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery("WHERE identity_id = \\$1 AND revoked_at IS NULL AND id <> \\$5").
		WithArgs("id-1", sqlmock.AnyArg(), "id-1", "logout_all", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1").AddRow("s2").AddRow("s3"))

	revoked, err := repo.RevokeAllForIdentity(context.Background(), "id-1", "logout_all", "id-1", "")
	if err != nil {
		t.Fatalf("RevokeAllForIdentity: %v", err)
	}
	if len(revoked) != 3 {
		t.Fatalf("expected 3 revoked sessions, got %v", revoked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
