package endcat

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"endcat-go/internal/model"
)

// EndcatService is the orchestration layer that coordinates the record
// store and the upstream API for the operations needed by the CLI.
type EndcatService struct {
	database Database
	api      GachaAPI
	crawler  *Crawler
	locks    *KeyedMutex
	logger   Logger
}

// NewEndcatService creates a new EndcatService with the provided dependencies.
// locks is shared with anything else that must not run concurrently with a
// sync of the same account.
func NewEndcatService(database Database, api GachaAPI, crawler *Crawler, locks *KeyedMutex, logger Logger) *EndcatService {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &EndcatService{
		database: database,
		api:      api,
		crawler:  crawler,
		locks:    locks,
		logger:   logger,
	}
}

// AddAccount stores an account and its oauth token. Fields left empty do
// not overwrite what is already stored.
func (s *EndcatService) AddAccount(ctx context.Context, account *model.Account) error {
	account.UID = strings.TrimSpace(account.UID)
	if account.UID == "" {
		return fmt.Errorf("account uid is required")
	}

	unlock, err := s.locks.Lock(ctx, AccountLockKey(account.UID))
	if err != nil {
		return fmt.Errorf("waiting for account lock: %w", err)
	}
	defer unlock()

	if err := s.database.UpsertAccount(ctx, account); err != nil {
		return fmt.Errorf("saving account: %w", err)
	}
	s.logger.Info("account saved", "uid", account.UID)
	return nil
}

// ListAccounts returns all stored accounts.
func (s *EndcatService) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	accounts, err := s.database.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accounts, nil
}

// RemoveAccount deletes an account and every pull recorded for it.
func (s *EndcatService) RemoveAccount(ctx context.Context, uid string) error {
	unlock, err := s.locks.Lock(ctx, AccountLockKey(uid))
	if err != nil {
		return fmt.Errorf("waiting for account lock: %w", err)
	}
	defer unlock()

	existing, err := s.database.FindAccount(ctx, uid)
	if err != nil {
		return fmt.Errorf("finding account: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("account not found: %s", uid)
	}

	if err := s.database.DeleteAccount(ctx, uid); err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	s.logger.Info("account removed", "uid", uid)
	return nil
}

// ListPulls returns the most recent pulls of an account, newest first.
func (s *EndcatService) ListPulls(ctx context.Context, uid string, limit int) ([]*model.Pull, error) {
	pulls, err := s.database.ListPulls(ctx, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pulls: %w", err)
	}
	return pulls, nil
}

// PullSummary returns how many pulls are stored per pool type.
func (s *EndcatService) PullSummary(ctx context.Context, uid string) ([]model.PoolCount, error) {
	counts, err := s.database.CountPullsByPoolType(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("counting pulls: %w", err)
	}
	return counts, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
