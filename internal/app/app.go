package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"endcat-go/internal/config"
	"endcat-go/internal/database"
	"endcat-go/internal/encryption"
	"endcat-go/internal/endcat"
	"endcat-go/internal/hgapi"
	"endcat-go/internal/mirror"
	"endcat-go/internal/model"
	"endcat-go/internal/vault"

	"github.com/google/uuid"
)

// snapshotName is the vault object that holds the database snapshot.
const snapshotName = "endcat"

const userAgent = "endcat-go"

// EndcatApp is the application layer between the CLI and the services.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw CLI values, and manages the DB lifecycle on Close.
type EndcatApp struct {
	cfg     *config.Config
	db      endcat.Database
	vault   endcat.Vault // nil when no vault is configured
	service *endcat.EndcatService
	fetcher *mirror.Fetcher
	mirror  *mirror.Reconciler
	logger  endcat.Logger
	op      *Operation
	logFile *os.File
}

// NewEndcatApp creates a fully wired EndcatApp from the given config.
// operation identifies the CLI command being run (e.g. "Sync", "AddAccount").
// The caller must call Close when done.
func NewEndcatApp(ctx context.Context, cfg *config.Config, operation string) (*EndcatApp, error) {
	cfg.WithDefaults()

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	sealer, err := encryption.NewSealerFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating token sealer: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, sealer)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	v, err := firstVault(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Refuse to run on a database older than the vault's snapshot; the next
	// upload would overwrite newer history.
	if v != nil {
		remoteVersion, err := v.SnapshotVersion(ctx, snapshotName)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("checking vault snapshot version: %w", err)
		}

		localMax, err := db.MaxSyncOperationID(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("checking local database version: %w", err)
		}

		if remoteVersion > localMax {
			db.Close()
			return nil, fmt.Errorf("local database is behind vault (local=%d, vault=%d): run `endcat db restore` or re-initialize", localMax, remoteVersion)
		}
	}

	opID := uuid.New().String()
	slogger, logFile, err := newLogger(cfg.LogDir, opID, level)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	apiCfg := hgapi.Config{
		WebviewURL: cfg.API.WebviewURL,
		BindingURL: cfg.API.BindingURL,
		U8URL:      cfg.API.U8URL,
		Lang:       cfg.API.Lang,
		UserAgent:  userAgent,
	}
	apiHTTP := &http.Client{Timeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second}
	api := hgapi.NewClient(apiCfg, apiHTTP, hgapi.NewLimiter(cfg.API.RequestsPerSecond, cfg.API.Burst), logger)

	crawler := endcat.NewCrawler(endcat.RealSleeper{}, time.Duration(cfg.API.PageDelayMS)*time.Millisecond, cfg.API.MaxRecords, logger)

	// Accounts and the mirror share one lock table with separate key prefixes.
	locks := endcat.NewKeyedMutex()
	svc := endcat.NewEndcatService(db, api, crawler, locks, logger)

	fetcher := mirror.NewFetcher(&http.Client{Timeout: time.Duration(cfg.Metadata.TimeoutSeconds) * time.Second}, logger)
	reconciler := mirror.NewReconciler(cfg.Metadata.Dir, fetcher, locks, logger)

	return &EndcatApp{
		cfg:     cfg,
		db:      db,
		vault:   v,
		service: svc,
		fetcher: fetcher,
		mirror:  reconciler,
		logger:  logger,
		op:      NewOperation(operation, ""),
		logFile: logFile,
	}, nil
}

// firstVault builds the first configured vault, or returns nil when none is configured.
func firstVault(ctx context.Context, cfg *config.Config) (endcat.Vault, error) {
	if len(cfg.Vaults) == 0 {
		return nil, nil
	}
	v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	return v, nil
}

// persistOperation saves the operation to the database, giving it an auto-increment ID.
// This should only be called for DB-mutating commands.
func (a *EndcatApp) persistOperation(ctx context.Context, parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	dbOp, err := a.db.CreateSyncOperation(ctx, a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// track marks the operation failed when err is non-nil and returns err.
func (a *EndcatApp) track(err error) error {
	if err != nil {
		a.op.Fail()
	}
	return err
}

// Sync refreshes and crawls the account uid. mode is "incremental" (or
// empty) or "full".
func (a *EndcatApp) Sync(ctx context.Context, uid, mode string, progress endcat.ProgressFunc) (*endcat.SyncResult, error) {
	m, err := endcat.ParseSyncMode(mode)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(ctx, fmt.Sprintf("uid=%s mode=%s", uid, m)); err != nil {
		return nil, err
	}
	res, err := a.service.Sync(ctx, uid, m, progress)
	return res, a.track(err)
}

// SyncFromLog syncs the account whose gacha page was last opened in the
// game client. An empty logPath uses the platform default.
func (a *EndcatApp) SyncFromLog(ctx context.Context, logPath, mode string, progress endcat.ProgressFunc) (*endcat.SyncResult, error) {
	m, err := endcat.ParseSyncMode(mode)
	if err != nil {
		return nil, err
	}
	if logPath == "" {
		logPath, err = hgapi.DefaultLogPath()
		if err != nil {
			return nil, err
		}
	}

	session, err := hgapi.SessionFromLog(logPath)
	if err != nil {
		return nil, fmt.Errorf("reading session from log: %w", err)
	}

	if err := a.persistOperation(ctx, fmt.Sprintf("log=%s mode=%s", logPath, m)); err != nil {
		return nil, err
	}
	res, err := a.service.SyncSession(ctx, session, m, progress)
	return res, a.track(err)
}

// AddAccount registers or updates an account.
func (a *EndcatApp) AddAccount(ctx context.Context, account *model.Account) error {
	if err := a.persistOperation(ctx, "uid="+account.UID); err != nil {
		return err
	}
	return a.track(a.service.AddAccount(ctx, account))
}

// RemoveAccount deletes an account and all of its pulls.
func (a *EndcatApp) RemoveAccount(ctx context.Context, uid string) error {
	if err := a.persistOperation(ctx, "uid="+uid); err != nil {
		return err
	}
	return a.track(a.service.RemoveAccount(ctx, uid))
}

// ListAccounts returns all accounts, most recently updated first.
func (a *EndcatApp) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	return a.service.ListAccounts(ctx)
}

// ListPulls returns up to limit pulls of uid, newest first.
func (a *EndcatApp) ListPulls(ctx context.Context, uid string, limit int) ([]*model.Pull, error) {
	return a.service.ListPulls(ctx, uid, limit)
}

// PullSummary returns per-pool-type pull counts for uid.
func (a *EndcatApp) PullSummary(ctx context.Context, uid string) ([]model.PoolCount, error) {
	return a.service.PullSummary(ctx, uid)
}

// GetHistory returns the most recent persisted operations.
func (a *EndcatApp) GetHistory(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	return a.service.GetHistory(ctx, limit)
}

// MetadataStatus describes the local metadata mirror.
func (a *EndcatApp) MetadataStatus() (*mirror.Status, error) {
	return a.mirror.Status()
}

// MetadataUpdate brings the local mirror in line with the configured bundle.
func (a *EndcatApp) MetadataUpdate(ctx context.Context, progress mirror.ProgressFunc) (*mirror.Status, error) {
	return a.mirror.Update(ctx, a.cfg.Metadata.BaseURL, a.cfg.Metadata.Version, progress)
}

// MetadataReset wipes the local mirror and downloads the bundle again.
func (a *EndcatApp) MetadataReset(ctx context.Context, progress mirror.ProgressFunc) (*mirror.Status, error) {
	return a.mirror.Reset(ctx, a.cfg.Metadata.BaseURL, a.cfg.Metadata.Version, progress)
}

// MetadataManifest fetches the remote manifest without touching the mirror.
func (a *EndcatApp) MetadataManifest(ctx context.Context) (*mirror.ManifestSummary, error) {
	return a.fetcher.Summary(ctx, a.cfg.Metadata.BaseURL, a.cfg.Metadata.Version)
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, snapshots the DB, and uploads it to the vault.
// For non-persisted operations: just closes the database.
func (a *EndcatApp) Close() error {
	var firstErr error
	setErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	// The command's ctx may already be cancelled; finishing and uploading still has to happen.
	ctx := context.Background()

	if a.op.Persisted() {
		if err := a.db.FinishSyncOperation(ctx, a.op.ID, a.op.Status); err != nil {
			setErr(fmt.Errorf("finishing operation: %w", err))
		}

		var tmpPath string
		if a.vault != nil {
			tmpFile, err := os.CreateTemp("", "endcat-db-snapshot-*.db")
			if err != nil {
				setErr(fmt.Errorf("creating temp file for db snapshot: %w", err))
			} else {
				tmpPath = tmpFile.Name()
				tmpFile.Close()

				if err := a.db.BackupTo(tmpPath); err != nil {
					setErr(fmt.Errorf("backing up database: %w", err))
					os.Remove(tmpPath)
					tmpPath = ""
				}
			}
		}

		if err := a.db.Close(); err != nil {
			setErr(fmt.Errorf("closing database: %w", err))
		}

		if tmpPath != "" {
			if err := a.uploadSnapshot(ctx, tmpPath, a.op.ID); err != nil {
				setErr(err)
			} else {
				a.logger.Info("database snapshot uploaded", "version", a.op.ID)
			}
			os.Remove(tmpPath)
		}
	} else {
		if err := a.db.Close(); err != nil {
			setErr(fmt.Errorf("closing database: %w", err))
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// uploadSnapshot uploads the database copy at path to the vault, versioned by operation ID.
func (a *EndcatApp) uploadSnapshot(ctx context.Context, path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening db snapshot for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db snapshot: %w", err)
	}

	if err := a.vault.PutSnapshot(ctx, snapshotName, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading snapshot to vault: %w", err)
	}
	return nil
}
