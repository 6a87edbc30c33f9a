package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"portalauth/internal/models"
)

func TestAuditAppendReturnsSequence(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepository(db)

	mock.ExpectQuery("INSERT INTO audit_events").
		WithArgs(models.AuditLoginFailed, "id-1", "ada@example.com", "tenant-user", "10.0.0.1", nil,
			"identity", "id-1", nil, nil, `{"reason":"bad_password"}`, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := repo.Append(context.Background(), models.AuditEvent{
		Action:       models.AuditLoginFailed,
		ActorID:      "id-1",
		ActorEmail:   "ada@example.com",
		ActorRole:    "tenant-user",
		IPAddress:    "10.0.0.1",
		ResourceType: "identity",
		ResourceID:   "id-1",
		Metadata:     map[string]any{"reason": "bad_password"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected id 42, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditListBetweenDecodesState(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAuditRepository(db)
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM audit_events").
		WithArgs(from, from.Add(24*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "action", "actor_id", "actor_email", "actor_role", "ip_address", "user_agent",
			"resource_type", "resource_id", "previous_state", "new_state", "metadata", "created_at",
		}).AddRow(int64(7), models.AuditMigrated, "admin", "ops@example.com", "operator-admin", nil, nil,
			"identity", "id-1", []byte(`{"authMode":"delegated"}`), []byte(`{"authMode":"custom"}`), nil, from.Add(time.Hour)))

	events, err := repo.ListBetween(context.Background(), from, from.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListBetween: %v", err)
	}
	if len(events) != 1 || events[0].NewState["authMode"] != "custom" || events[0].Metadata != nil {
		t.Fatalf("unexpected events %+v", events)
	}
}
