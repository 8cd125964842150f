package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"endcat-go/internal/database/migrations"
	"endcat-go/internal/endcat"
	"endcat-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db     *sql.DB
	sealer endcat.TokenSealer
	path   string

	// writeMu serializes the update-then-insert merge in SaveRecords.
	// gacha_pulls has no unique constraint on its identity, so two
	// concurrent merges of the same record could both insert.
	writeMu sync.Mutex
}

// NewSQLiteDatabase opens the database at path, migrates it to the latest
// schema and returns it. path can be a file path or ":memory:".
// sealer may be nil, in which case tokens are stored as given.
func NewSQLiteDatabase(path string, sealer endcat.TokenSealer) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &SQLiteDatabase{
		db:     db,
		sealer: sealer,
		path:   path,
	}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured
// and the schema exists.
func NewSQLiteDatabaseFromDB(db *sql.DB, sealer endcat.TokenSealer) *SQLiteDatabase {
	return &SQLiteDatabase{
		db:     db,
		sealer: sealer,
	}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	// Connection parameters go in the DSN so that every pooled connection
	// gets them, not just the first.
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every new connection to :memory: is a new, empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// Account operations

const accountColumns = `uid, role_id, nick_name, server_id, channel_id,
	user_token, oauth_token, u8_token, created_at, updated_at`

func (s *SQLiteDatabase) FindAccount(ctx context.Context, uid string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE uid = ?", uid)
	account, err := s.scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding account: %w", err)
	}
	return account, nil
}

func (s *SQLiteDatabase) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY updated_at DESC, uid ASC")
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var result []*model.Account
	for rows.Next() {
		account, err := s.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("listing accounts: %w", err)
		}
		result = append(result, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return result, nil
}

// UpsertAccount inserts an account or merges it into the stored row.
// Null profile fields, an empty server id and empty tokens keep whatever is
// already stored.
func (s *SQLiteDatabase) UpsertAccount(ctx context.Context, account *model.Account) error {
	userToken, err := s.seal(account.UserToken)
	if err != nil {
		return fmt.Errorf("sealing user token: %w", err)
	}
	oauthToken, err := s.seal(account.OAuthToken)
	if err != nil {
		return fmt.Errorf("sealing oauth token: %w", err)
	}
	u8Token, err := s.seal(account.U8Token)
	if err != nil {
		return fmt.Errorf("sealing u8 token: %w", err)
	}

	var serverID sql.NullString
	if account.ServerID != "" {
		serverID = sql.NullString{String: account.ServerID, Valid: true}
	}
	now := time.Now().Unix()

	_, err = s.db.ExecContext(ctx, `
INSERT INTO accounts (uid, role_id, nick_name, server_id, channel_id,
	user_token, oauth_token, u8_token, created_at, updated_at)
VALUES (:uid, :role_id, :nick_name, COALESCE(:server_id, '1'), :channel_id,
	:user_token, :oauth_token, :u8_token, :now, :now)
ON CONFLICT(uid) DO UPDATE SET
	role_id = COALESCE(excluded.role_id, accounts.role_id),
	nick_name = COALESCE(excluded.nick_name, accounts.nick_name),
	server_id = COALESCE(:server_id, accounts.server_id),
	channel_id = COALESCE(excluded.channel_id, accounts.channel_id),
	user_token = CASE WHEN excluded.user_token != '' THEN excluded.user_token ELSE accounts.user_token END,
	oauth_token = CASE WHEN excluded.oauth_token != '' THEN excluded.oauth_token ELSE accounts.oauth_token END,
	u8_token = CASE WHEN excluded.u8_token != '' THEN excluded.u8_token ELSE accounts.u8_token END,
	updated_at = excluded.updated_at`,
		sql.Named("uid", account.UID),
		sql.Named("role_id", account.RoleID),
		sql.Named("nick_name", account.NickName),
		sql.Named("server_id", serverID),
		sql.Named("channel_id", account.ChannelID),
		sql.Named("user_token", userToken),
		sql.Named("oauth_token", oauthToken),
		sql.Named("u8_token", u8Token),
		sql.Named("now", now),
	)
	if err != nil {
		return fmt.Errorf("upserting account: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) UpdateAccountProfile(ctx context.Context, uid string, profile *model.AccountProfile) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE accounts SET
	role_id = COALESCE(?, role_id),
	nick_name = COALESCE(?, nick_name),
	channel_id = COALESCE(?, channel_id),
	updated_at = ?
WHERE uid = ?`,
		profile.RoleID, profile.NickName, profile.ChannelID, time.Now().Unix(), uid)
	if err != nil {
		return fmt.Errorf("updating account profile: %w", err)
	}
	return nil
}

// DeleteAccount removes the account row and every pull recorded for it.
func (s *SQLiteDatabase) DeleteAccount(ctx context.Context, uid string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM gacha_pulls WHERE uid = ?", uid); err != nil {
		return fmt.Errorf("deleting pulls: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE uid = ?", uid); err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteDatabase) scanAccount(row rowScanner) (*model.Account, error) {
	var (
		a                   model.Account
		createdAt, updateAt int64
	)
	err := row.Scan(&a.UID, &a.RoleID, &a.NickName, &a.ServerID, &a.ChannelID,
		&a.UserToken, &a.OAuthToken, &a.U8Token, &createdAt, &updateAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updateAt, 0)

	if a.UserToken, err = s.open(a.UserToken); err != nil {
		return nil, fmt.Errorf("opening user token of %s: %w", a.UID, err)
	}
	if a.OAuthToken, err = s.open(a.OAuthToken); err != nil {
		return nil, fmt.Errorf("opening oauth token of %s: %w", a.UID, err)
	}
	if a.U8Token, err = s.open(a.U8Token); err != nil {
		return nil, fmt.Errorf("opening u8 token of %s: %w", a.UID, err)
	}
	return &a, nil
}

func (s *SQLiteDatabase) seal(token string) (string, error) {
	if s.sealer == nil || token == "" {
		return token, nil
	}
	return s.sealer.Seal(token)
}

func (s *SQLiteDatabase) open(token string) (string, error) {
	if s.sealer == nil || token == "" {
		return token, nil
	}
	return s.sealer.Open(token)
}

// Pull operations

// SaveRecords merges records into gacha_pulls in a single transaction.
// A record whose (uid, seq_id, pool_type) already exists has its mutable
// fields overwritten; anything else is inserted.
func (s *SQLiteDatabase) SaveRecords(ctx context.Context, uid string, records []endcat.GachaRecord) (endcat.SaveResult, error) {
	var result endcat.SaveResult
	if len(records) == 0 {
		return result, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	update, err := tx.PrepareContext(ctx, `
UPDATE gacha_pulls SET
	banner_id = ?, banner_name = ?, item_name = ?, item_id = ?,
	rarity = ?, pulled_at = ?, is_free = ?, is_new = ?
WHERE uid = ? AND seq_id = ? AND pool_type = ?`)
	if err != nil {
		return result, fmt.Errorf("preparing update: %w", err)
	}
	defer update.Close()

	insert, err := tx.PrepareContext(ctx, `
INSERT INTO gacha_pulls (uid, banner_id, banner_name, item_name, item_id,
	rarity, pulled_at, seq_id, pool_type, is_free, is_new)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return result, fmt.Errorf("preparing insert: %w", err)
	}
	defer insert.Close()

	for _, r := range records {
		itemID := sql.NullString{String: r.ItemID, Valid: r.ItemID != ""}
		res, err := update.ExecContext(ctx,
			r.PoolID, r.PoolName, r.Name, itemID,
			r.Rarity, r.PulledAt, r.IsFree, r.IsNew,
			uid, r.SeqID, r.PoolType)
		if err != nil {
			return result, fmt.Errorf("updating record %s: %w", r.SeqID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("updating record %s: %w", r.SeqID, err)
		}
		if n > 0 {
			result.Updated++
			continue
		}

		_, err = insert.ExecContext(ctx,
			uid, r.PoolID, r.PoolName, r.Name, itemID,
			r.Rarity, r.PulledAt, r.SeqID, r.PoolType, r.IsFree, r.IsNew)
		if err != nil {
			return result, fmt.Errorf("inserting record %s: %w", r.SeqID, err)
		}
		result.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return endcat.SaveResult{}, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

// LatestSeqIDs returns, for each StopKey, the seq_id of the newest pull
// among the most recent lookback pulls of uid.
func (s *SQLiteDatabase) LatestSeqIDs(ctx context.Context, uid string, lookback int) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pool_type, banner_id, seq_id FROM gacha_pulls
WHERE uid = ? AND seq_id IS NOT NULL AND seq_id != '' AND pool_type IS NOT NULL
ORDER BY pulled_at DESC, id ASC
LIMIT ?`, uid, lookback)
	if err != nil {
		return nil, fmt.Errorf("loading latest seq ids: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]string)
	for rows.Next() {
		var poolType, bannerID, seqID string
		if err := rows.Scan(&poolType, &bannerID, &seqID); err != nil {
			return nil, fmt.Errorf("loading latest seq ids: %w", err)
		}
		key := endcat.StopKey(poolType, bannerID)
		if _, ok := latest[key]; !ok {
			latest[key] = seqID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading latest seq ids: %w", err)
	}
	return latest, nil
}

func (s *SQLiteDatabase) DeleteInvalidRecords(ctx context.Context, uid string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM gacha_pulls WHERE uid = ? AND pulled_at = 0", uid)
	if err != nil {
		return 0, fmt.Errorf("deleting invalid records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting invalid records: %w", err)
	}
	return n, nil
}

// ListPulls returns up to limit pulls of uid, newest first. A limit of zero
// or less returns every pull.
func (s *SQLiteDatabase) ListPulls(ctx context.Context, uid string, limit int) ([]*model.Pull, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, uid, banner_id, banner_name, item_name, item_id, rarity,
	pulled_at, seq_id, pool_type, is_free, is_new
FROM gacha_pulls WHERE uid = ?
ORDER BY pulled_at DESC, id DESC
LIMIT ?`, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pulls: %w", err)
	}
	defer rows.Close()

	var result []*model.Pull
	for rows.Next() {
		var p model.Pull
		err := rows.Scan(&p.ID, &p.UID, &p.BannerID, &p.BannerName, &p.ItemName, &p.ItemID,
			&p.Rarity, &p.PulledAt, &p.SeqID, &p.PoolType, &p.IsFree, &p.IsNew)
		if err != nil {
			return nil, fmt.Errorf("listing pulls: %w", err)
		}
		result = append(result, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pulls: %w", err)
	}
	return result, nil
}

func (s *SQLiteDatabase) CountPullsByPoolType(ctx context.Context, uid string) ([]model.PoolCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT COALESCE(pool_type, ''), COUNT(*) FROM gacha_pulls
WHERE uid = ?
GROUP BY pool_type
ORDER BY pool_type`, uid)
	if err != nil {
		return nil, fmt.Errorf("counting pulls: %w", err)
	}
	defer rows.Close()

	var result []model.PoolCount
	for rows.Next() {
		var c model.PoolCount
		if err := rows.Scan(&c.PoolType, &c.Count); err != nil {
			return nil, fmt.Errorf("counting pulls: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting pulls: %w", err)
	}
	return result, nil
}

// Sync operation tracking

func (s *SQLiteDatabase) CreateSyncOperation(ctx context.Context, operation string, parameters string) (*model.SyncOperation, error) {
	op := &model.SyncOperation{
		Operation:  operation,
		Parameters: parameters,
		StartedAt:  time.Now(),
		Status:     "running",
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_operations (started_at, operation, parameters, status) VALUES (?, ?, ?, ?)",
		op.StartedAt, op.Operation, op.Parameters, op.Status)
	if err != nil {
		return nil, fmt.Errorf("creating sync operation: %w", err)
	}
	op.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating sync operation: %w", err)
	}
	return op, nil
}

func (s *SQLiteDatabase) FinishSyncOperation(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_operations SET finished_at = ?, status = ? WHERE id = ?",
		time.Now(), status, id)
	if err != nil {
		return fmt.Errorf("finishing sync operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListSyncOperations(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, operation, parameters, started_at, finished_at, status
FROM sync_operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	defer rows.Close()

	var result []*model.SyncOperation
	for rows.Next() {
		var op model.SyncOperation
		err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.StartedAt, &op.FinishedAt, &op.Status)
		if err != nil {
			return nil, fmt.Errorf("listing sync operations: %w", err)
		}
		result = append(result, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	return result, nil
}

func (s *SQLiteDatabase) MaxSyncOperationID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM sync_operations").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("getting max sync operation ID: %w", err)
	}
	return id, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements endcat.Database interface
var _ endcat.Database = (*SQLiteDatabase)(nil)
