package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations found")
	}

	for i, m := range migrations {
		if strings.TrimSpace(m.UpSQL) == "" {
			t.Errorf("migration %s has no up SQL", m.ID)
		}
		if strings.TrimSpace(m.DownSQL) == "" {
			t.Errorf("migration %s has no down SQL", m.ID)
		}
		if i > 0 && migrations[i-1].ID >= m.ID {
			t.Errorf("migrations out of order: %s before %s", migrations[i-1].ID, m.ID)
		}
	}

	if !strings.Contains(migrations[0].UpSQL, "CREATE EXTENSION IF NOT EXISTS vector") {
		t.Error("first migration must install the vector extension")
	}
}

func TestMigrateSkipsApplied(t *testing.T) {
	store, mock := newTestStore(t)

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	applied := sqlmock.NewRows([]string{"id"})
	for _, m := range migrations {
		applied.AddRow(m.ID)
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS attache_schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id FROM attache_schema_migrations`).
		WillReturnRows(applied)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("already-applied migrations were re-run: %v", err)
	}
}

func TestMigrateAppliesPendingInOrder(t *testing.T) {
	store, mock := newTestStore(t)

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS attache_schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id FROM attache_schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	for _, m := range migrations {
		mock.ExpectBegin()
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO attache_schema_migrations`).
			WithArgs(m.ID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
