package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"endcat-go/internal/config"
	"endcat-go/internal/database"
)

// RestoreDatabase replaces the local SQLite database with the vault's
// snapshot and returns the restored version. Unless force is set it refuses
// to overwrite a local database that is ahead of the snapshot.
//
// It runs without an EndcatApp because the app refuses to start while the
// local database is behind the vault.
func RestoreDatabase(ctx context.Context, cfg *config.Config, force bool) (int64, error) {
	cfg.WithDefaults()

	if cfg.Database.Type != "sqlite" {
		return 0, fmt.Errorf("restore requires a sqlite database, got %q", cfg.Database.Type)
	}

	v, err := firstVault(ctx, cfg)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("no vaults configured")
	}

	remote, err := v.SnapshotVersion(ctx, snapshotName)
	if err != nil {
		return 0, fmt.Errorf("checking vault snapshot version: %w", err)
	}
	if remote == 0 {
		return 0, fmt.Errorf("vault has no database snapshot")
	}

	dbPath := filepath.Join(cfg.Database.DataDir, database.DatabaseFileName)
	if !force {
		local, err := localVersion(ctx, dbPath)
		if err != nil {
			return 0, err
		}
		if local > remote {
			return 0, fmt.Errorf("local database is ahead of vault (local=%d, vault=%d): pass --force to overwrite it", local, remote)
		}
	}

	if err := os.MkdirAll(cfg.Database.DataDir, 0700); err != nil {
		return 0, fmt.Errorf("creating data dir: %w", err)
	}

	tmp, err := os.CreateTemp(cfg.Database.DataDir, ".endcat-restore-*.db")
	if err != nil {
		return 0, fmt.Errorf("creating temp file for restore: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := v.GetSnapshot(ctx, snapshotName, tmp); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("downloading snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("writing snapshot: %w", err)
	}

	got, err := localVersion(ctx, tmpPath)
	if err != nil {
		return 0, fmt.Errorf("checking downloaded snapshot: %w", err)
	}
	if got != remote {
		return 0, fmt.Errorf("snapshot content is at version %d, vault says %d", got, remote)
	}

	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("removing stale %s file: %w", suffix, err)
		}
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return 0, fmt.Errorf("replacing database: %w", err)
	}
	return remote, nil
}

// localVersion returns the newest operation ID in the database at path, or 0
// when the file does not exist.
func localVersion(ctx context.Context, path string) (int64, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	db, err := database.NewSQLiteDatabase(path, nil)
	if err != nil {
		return 0, fmt.Errorf("opening database %s: %w", path, err)
	}
	defer db.Close()

	version, err := db.MaxSyncOperationID(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading database version: %w", err)
	}
	return version, nil
}

// CheckVault verifies that the first configured vault is reachable and
// returns the version of the snapshot it holds.
func CheckVault(ctx context.Context, cfg *config.Config) (int64, error) {
	v, err := firstVault(ctx, cfg)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("no vaults configured")
	}
	if err := v.ValidateSetup(ctx); err != nil {
		return 0, fmt.Errorf("validating vault: %w", err)
	}
	version, err := v.SnapshotVersion(ctx, snapshotName)
	if err != nil {
		return 0, fmt.Errorf("checking vault snapshot version: %w", err)
	}
	return version, nil
}
