// Package testing provides shared database helpers for module tests.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/finledger/finledger/internal/database"
)

// NewTestDB creates a throwaway SQLite database with the embedded schema
// for name applied ("stock", "cache", "wallet", "jobs"). A temp file is
// used instead of :memory: so the real WAL pragmas and foreign keys run
// exactly as in production. The cleanup function closes the handle and
// removes the file.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("failed to create temp database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to create test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close test database %s: %v", name, err)
		}
		_ = os.Remove(tmpPath)
		_ = os.Remove(tmpPath + "-wal")
		_ = os.Remove(tmpPath + "-shm")
	}
}
