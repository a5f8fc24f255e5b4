package prompts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/coldbrewlabs/attache/pkg/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetActive(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT content FROM system_prompts`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"content"}).AddRow("Always answer in French."))

	content, ok, err := store.GetActive(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetActive() error = %v", err)
	}
	if !ok || content != "Always answer in French." {
		t.Errorf("GetActive() = (%q, %v)", content, ok)
	}
}

func TestGetActiveNone(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT content FROM system_prompts`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"content"}))

	content, ok, err := store.GetActive(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetActive() error = %v", err)
	}
	if ok || content != "" {
		t.Errorf("GetActive() = (%q, %v), want empty and not ok", content, ok)
	}
}

func TestSetActiveInstallsNextVersion(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE system_prompts SET is_active = false`).
		WithArgs("conv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO system_prompts`).
		WithArgs("conv-1", "Be terse.", 3, "assistant", "user asked for brevity").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	version, err := store.SetActive(context.Background(), "conv-1", "Be terse.", models.RoleAssistant, "user asked for brevity")
	if err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSetActiveRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE system_prompts SET is_active = false`).
		WithArgs("conv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO system_prompts`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := store.SetActive(context.Background(), "conv-1", "x", models.RoleUser, ""); err == nil {
		t.Fatal("SetActive() error = nil, want insert failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("transaction was not rolled back: %v", err)
	}
}

func TestHistory(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "content", "version", "created_by_role", "description", "is_active", "created_at"}).
		AddRow("p1", "conv-1", "v1 text", 1, "user", "", false, now.Add(-time.Hour)).
		AddRow("p2", "conv-1", "v2 text", 2, "assistant", "refined", true, now)

	mock.ExpectQuery(`ORDER BY version ASC`).
		WithArgs("conv-1").
		WillReturnRows(rows)

	history, err := store.History(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d versions, want 2", len(history))
	}
	if history[0].Version != 1 || history[0].IsActive {
		t.Errorf("history[0] = %+v, want inactive version 1", history[0])
	}
	if history[1].Version != 2 || !history[1].IsActive {
		t.Errorf("history[1] = %+v, want active version 2", history[1])
	}
	if history[1].CreatedByRole != models.RoleAssistant {
		t.Errorf("history[1].CreatedByRole = %q", history[1].CreatedByRole)
	}
}
