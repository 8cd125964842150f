package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"endcat-go/internal/app"
	"endcat-go/internal/config"
	"endcat-go/internal/database"
	"endcat-go/internal/model"
	"endcat-go/internal/testutil"
	"endcat-go/internal/vault"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return (&config.Config{
		BaseDir:    dir,
		LogLevel:   "error",
		Database:   config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(dir, "db")},
		Encryption: config.EncryptionConfig{Type: "none"},
		Vaults: []config.VaultConfig{
			{Type: "filesystem", Name: "disk", FSVaultRoot: filepath.Join(dir, "vault")},
		},
	}).WithDefaults()
}

func openApp(t *testing.T, cfg *config.Config, operation string) *app.EndcatApp {
	t.Helper()
	a, err := app.NewEndcatApp(context.Background(), cfg, operation)
	if err != nil {
		t.Fatalf("NewEndcatApp() error = %v", err)
	}
	return a
}

func vaultVersion(t *testing.T, cfg *config.Config) int64 {
	t.Helper()
	v, err := vault.NewFileSystemVault("disk", cfg.Vaults[0].FSVaultRoot)
	if err != nil {
		t.Fatal(err)
	}
	version, err := v.SnapshotVersion(context.Background(), "endcat")
	if err != nil {
		t.Fatalf("SnapshotVersion() error = %v", err)
	}
	return version
}

func addAccount(t *testing.T, cfg *config.Config, uid string) {
	t.Helper()
	a := openApp(t, cfg, "AddAccount")
	if err := a.AddAccount(context.Background(), &model.Account{UID: uid, OAuthToken: "oauth-" + uid}); err != nil {
		a.Close()
		t.Fatalf("AddAccount() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestEndcatApp_SnapshotLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	addAccount(t, cfg, "10001")

	if got := vaultVersion(t, cfg); got != 1 {
		t.Fatalf("vault version after first operation = %d, want 1", got)
	}

	// Lose the local database, as on a fresh machine.
	if err := os.RemoveAll(cfg.Database.DataDir); err != nil {
		t.Fatal(err)
	}

	_, err := app.NewEndcatApp(ctx, cfg, "ListAccounts")
	if err == nil || !strings.Contains(err.Error(), "behind vault") {
		t.Fatalf("NewEndcatApp() error = %v, want local database behind vault", err)
	}

	version, err := app.RestoreDatabase(ctx, cfg, false)
	if err != nil {
		t.Fatalf("RestoreDatabase() error = %v", err)
	}
	if version != 1 {
		t.Errorf("RestoreDatabase() = %d, want 1", version)
	}

	a := openApp(t, cfg, "ListAccounts")
	accounts, err := a.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
	if len(accounts) != 1 || accounts[0].UID != "10001" {
		t.Errorf("ListAccounts() = %+v, want the restored account", accounts)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := vaultVersion(t, cfg); got != 1 {
		t.Errorf("vault version after read-only operation = %d, want 1", got)
	}
}

func TestEndcatApp_FailedOperationIsRecorded(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	a := openApp(t, cfg, "Sync")
	if _, err := a.Sync(ctx, "missing", "", nil); err == nil {
		t.Error("Sync() expected error for unknown account")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	a = openApp(t, cfg, "History")
	defer a.Close()

	ops, err := a.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("GetHistory() returned %d operations, want 1", len(ops))
	}
	if ops[0].Operation != "Sync" || ops[0].Status != "error" {
		t.Errorf("operation = %+v, want a failed Sync", ops[0])
	}
	if ops[0].Parameters != "uid=missing mode=incremental" {
		t.Errorf("Parameters = %q", ops[0].Parameters)
	}
	if !ops[0].FinishedAt.Valid {
		t.Error("FinishedAt not set")
	}
}

func TestEndcatApp_SyncRejectsUnknownMode(t *testing.T) {
	cfg := newTestConfig(t)
	a := openApp(t, cfg, "Sync")

	if _, err := a.Sync(context.Background(), "10001", "partial", nil); err == nil {
		t.Error("Sync() expected error for unknown mode")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Nothing was persisted, so nothing was uploaded.
	if got := vaultVersion(t, cfg); got != 0 {
		t.Errorf("vault version = %d, want 0", got)
	}
}

func TestRestoreDatabase(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses to overwrite a newer local database", func(t *testing.T) {
		cfg := newTestConfig(t)
		addAccount(t, cfg, "10001")

		// A second operation that never reaches the vault.
		offline := *cfg
		offline.Vaults = nil
		addAccount(t, &offline, "10002")

		_, err := app.RestoreDatabase(ctx, cfg, false)
		if err == nil || !strings.Contains(err.Error(), "ahead of vault") {
			t.Fatalf("RestoreDatabase() error = %v, want local ahead of vault", err)
		}

		version, err := app.RestoreDatabase(ctx, cfg, true)
		if err != nil {
			t.Fatalf("RestoreDatabase(force) error = %v", err)
		}
		if version != 1 {
			t.Errorf("RestoreDatabase(force) = %d, want 1", version)
		}

		db, err := database.NewSQLiteDatabase(filepath.Join(cfg.Database.DataDir, database.DatabaseFileName), nil)
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()
		acct, err := db.FindAccount(ctx, "10002")
		if err != nil {
			t.Fatalf("FindAccount() error = %v", err)
		}
		if acct != nil {
			t.Error("account from the unsnapshotted operation survived the restore")
		}
	})

	t.Run("empty vault", func(t *testing.T) {
		cfg := newTestConfig(t)
		if _, err := app.RestoreDatabase(ctx, cfg, false); err == nil {
			t.Error("RestoreDatabase() expected error for empty vault")
		}
	})

	t.Run("no vault configured", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Vaults = nil
		if _, err := app.RestoreDatabase(ctx, cfg, false); err == nil {
			t.Error("RestoreDatabase() expected error without a vault")
		}
	})

	t.Run("memory database", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Database = config.DatabaseConfig{Type: "memory"}
		if _, err := app.RestoreDatabase(ctx, cfg, false); err == nil {
			t.Error("RestoreDatabase() expected error for a memory database")
		}
	})
}

func TestEndcatApp_Metadata(t *testing.T) {
	ctx := context.Background()
	content := `{"id":"char-1"}`

	mux := http.NewServeMux()
	mux.HandleFunc("/bundle/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"package_version":"2.0.0","entries":[{"path":"chars/a.json","checksum":"%s","size":%d}]}`,
			testutil.SHA256Hex([]byte(content)), len(content))
	})
	mux.HandleFunc("/bundle/chars/a.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, content)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := newTestConfig(t)
	cfg.Metadata.BaseURL = srv.URL + "/bundle/"

	a := openApp(t, cfg, "MetadataUpdate")
	defer a.Close()

	summary, err := a.MetadataManifest(ctx)
	if err != nil {
		t.Fatalf("MetadataManifest() error = %v", err)
	}
	if summary.PackageVersion != "2.0.0" || summary.EntryCount != 1 {
		t.Errorf("MetadataManifest() = %+v", summary)
	}

	status, err := a.MetadataUpdate(ctx, nil)
	if err != nil {
		t.Fatalf("MetadataUpdate() error = %v", err)
	}
	if status.CurrentVersion != "2.0.0" {
		t.Errorf("CurrentVersion = %q, want %q", status.CurrentVersion, "2.0.0")
	}

	data, err := os.ReadFile(filepath.Join(cfg.Metadata.Dir, "chars", "a.json"))
	if err != nil {
		t.Fatalf("mirrored file missing: %v", err)
	}
	if string(data) != content {
		t.Errorf("mirrored content = %q, want %q", data, content)
	}

	status, err = a.MetadataStatus()
	if err != nil {
		t.Fatalf("MetadataStatus() error = %v", err)
	}
	if !status.HasManifest || status.FileCount != 2 {
		t.Errorf("MetadataStatus() = %+v, want manifest and 2 files", status)
	}
}

func TestCheckVault(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	version, err := app.CheckVault(ctx, cfg)
	if err != nil {
		t.Fatalf("CheckVault() error = %v", err)
	}
	if version != 0 {
		t.Errorf("CheckVault() = %d, want 0 before any snapshot", version)
	}

	addAccount(t, cfg, "10001")

	version, err = app.CheckVault(ctx, cfg)
	if err != nil {
		t.Fatalf("CheckVault() error = %v", err)
	}
	if version != 1 {
		t.Errorf("CheckVault() = %d, want 1", version)
	}

	cfg.Vaults = nil
	if _, err := app.CheckVault(ctx, cfg); err == nil {
		t.Error("CheckVault() expected error without a vault")
	}
}
