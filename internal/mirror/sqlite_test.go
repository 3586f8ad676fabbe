package mirror

import (
	"path/filepath"
	"testing"
)

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, table := range []string{"mirror_records", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if applied == 0 {
		t.Fatalf("expected at least one applied migration")
	}

	// Reopening must not reapply the recorded migrations.
	db2, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	var appliedAgain int64
	if err := db2.Model(&migrationRecord{}).Count(&appliedAgain).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if appliedAgain != applied {
		t.Fatalf("expected %d migrations after reopen, got %d", applied, appliedAgain)
	}
}
