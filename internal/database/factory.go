package database

import (
	"fmt"
	"os"
	"path/filepath"

	"endcat-go/internal/config"
	"endcat-go/internal/endcat"
)

// DatabaseFileName is the name of the SQLite file inside data_dir.
const DatabaseFileName = "endcat.db"

// NewDatabaseFromConfig creates a Database implementation based on the database config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, sealer endcat.TokenSealer) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, DatabaseFileName), sealer)
	case "memory":
		return NewSQLiteDatabase(":memory:", sealer)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
