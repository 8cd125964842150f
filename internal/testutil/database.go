package testutil

import (
	"testing"

	"endcat-go/internal/database"
	"endcat-go/internal/endcat"
	"endcat-go/internal/encryption"
)

// NewTestDatabase creates a new in-memory SQLite database with schema applied.
// Tokens are sealed with the deterministic test sealer.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) endcat.Database {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if _, err := sqlDB.Exec(database.Schema); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	db := database.NewSQLiteDatabaseFromDB(sqlDB, encryption.NewTestSealer())

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
