package endcat

import (
	"context"

	"endcat-go/internal/model"
)

// Database provides an interface for the local record store.
// Lookups that find nothing return (nil, nil).
type Database interface {
	// Account operations

	// FindAccount returns the account with the given uid.
	FindAccount(ctx context.Context, uid string) (*model.Account, error)

	// ListAccounts returns all accounts, most recently updated first.
	ListAccounts(ctx context.Context) ([]*model.Account, error)

	// UpsertAccount inserts or merges an account. Profile fields that are
	// null and tokens that are empty never overwrite stored values.
	UpsertAccount(ctx context.Context, account *model.Account) error

	// UpdateAccountProfile merges refreshed profile metadata into an account.
	UpdateAccountProfile(ctx context.Context, uid string, profile *model.AccountProfile) error

	// DeleteAccount removes an account and all of its pulls.
	DeleteAccount(ctx context.Context, uid string) error

	// Pull operations

	// SaveRecords merges a batch of records for uid in one transaction.
	SaveRecords(ctx context.Context, uid string, records []GachaRecord) (SaveResult, error)

	// LatestSeqIDs returns the newest seq_id per StopKey among the most
	// recent lookback pulls of uid.
	LatestSeqIDs(ctx context.Context, uid string, lookback int) (map[string]string, error)

	// DeleteInvalidRecords removes pulls of uid with pulled_at = 0.
	DeleteInvalidRecords(ctx context.Context, uid string) (int64, error)

	// ListPulls returns pulls of uid, newest first.
	ListPulls(ctx context.Context, uid string, limit int) ([]*model.Pull, error)

	// CountPullsByPoolType returns per-pool-type pull counts for uid.
	CountPullsByPoolType(ctx context.Context, uid string) ([]model.PoolCount, error)

	// Operation tracking

	CreateSyncOperation(ctx context.Context, operation, parameters string) (*model.SyncOperation, error)
	FinishSyncOperation(ctx context.Context, id int64, status string) error
	ListSyncOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error)
	MaxSyncOperationID(ctx context.Context) (int64, error)

	// Lifecycle

	// CheckMigrations verifies the schema is at the latest version.
	CheckMigrations() error

	// BackupTo writes a consistent copy of the database to destPath.
	BackupTo(destPath string) error

	Close() error
}
