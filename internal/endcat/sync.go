package endcat

import (
	"context"
	"fmt"

	"endcat-go/internal/model"
)

// seqLookback bounds how many recent pulls are scanned for stop sentinels.
const seqLookback = 1000

// GachaSession is a ready-to-use u8 token, e.g. one recovered from the
// game client's webview log.
type GachaSession struct {
	Provider  string
	U8Token   string
	ServerID  string
	SourceURL string
}

// Sync refreshes an account's tokens and profile, crawls every pool and
// persists the result in one transaction.
//
// In incremental mode each pool stops at the newest seq_id already stored.
// In full mode every pool is crawled to the end after rows with
// pulled_at = 0 are purged. A failing pool is logged and skipped; failing to
// refresh the token is fatal.
func (s *EndcatService) Sync(ctx context.Context, uid string, mode SyncMode, progress ProgressFunc) (*SyncResult, error) {
	unlock, err := s.locks.Lock(ctx, AccountLockKey(uid))
	if err != nil {
		return nil, fmt.Errorf("waiting for account lock: %w", err)
	}
	defer unlock()

	account, err := s.database.FindAccount(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account not found: %s", uid)
	}
	if account.OAuthToken == "" {
		return nil, fmt.Errorf("account %s has no oauth token, sign in again", uid)
	}

	serverID := account.ServerID
	if serverID == "" {
		serverID = DefaultServerID
	}
	provider := ProviderForChannel(account.ChannelID)

	u8Token, err := s.api.U8Token(ctx, provider, uid, account.OAuthToken)
	if err != nil {
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}
	if err := s.database.UpsertAccount(ctx, &model.Account{UID: uid, U8Token: u8Token}); err != nil {
		return nil, fmt.Errorf("storing access token: %w", err)
	}

	accountUpdated := false
	role, err := s.api.QueryRole(ctx, u8Token, serverID)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, fmt.Errorf("looking up profile: %w", ctx.Err())
	case err != nil:
		s.logger.Warn("profile lookup failed, keeping stored profile", "uid", uid, "error", err)
	default:
		profile := &model.AccountProfile{
			RoleID:    nullString(role.RoleID),
			NickName:  nullString(role.NickName),
			ChannelID: role.ChannelID,
		}
		if err := s.database.UpdateAccountProfile(ctx, uid, profile); err != nil {
			return nil, fmt.Errorf("updating account profile: %w", err)
		}
		accountUpdated = true
	}

	result, err := s.crawlAndSave(ctx, uid, provider, u8Token, serverID, mode, progress)
	if err != nil {
		return nil, err
	}
	result.AccountUpdated = accountUpdated
	return result, nil
}

// SyncSession syncs the account behind a bare u8 token. The profile lookup
// is required here since it is the only source of the account uid.
func (s *EndcatService) SyncSession(ctx context.Context, session *GachaSession, mode SyncMode, progress ProgressFunc) (*SyncResult, error) {
	serverID := session.ServerID
	if serverID == "" {
		serverID = DefaultServerID
	}
	provider, err := NormalizeProvider(session.Provider)
	if err != nil {
		return nil, err
	}

	role, err := s.api.QueryRole(ctx, session.U8Token, serverID)
	if err != nil {
		return nil, fmt.Errorf("looking up profile: %w", err)
	}

	unlock, err := s.locks.Lock(ctx, AccountLockKey(role.UID))
	if err != nil {
		return nil, fmt.Errorf("waiting for account lock: %w", err)
	}
	defer unlock()

	account := &model.Account{
		UID:       role.UID,
		RoleID:    nullString(role.RoleID),
		NickName:  nullString(role.NickName),
		ServerID:  serverID,
		ChannelID: role.ChannelID,
		U8Token:   session.U8Token,
	}
	if err := s.database.UpsertAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("saving account: %w", err)
	}

	result, err := s.crawlAndSave(ctx, role.UID, provider, session.U8Token, serverID, mode, progress)
	if err != nil {
		return nil, err
	}
	result.AccountUpdated = true
	return result, nil
}

// crawlAndSave runs the per-pool crawl and the single persistence step.
// The caller holds the account lock.
func (s *EndcatService) crawlAndSave(ctx context.Context, uid, provider, u8Token, serverID string, mode SyncMode, progress ProgressFunc) (*SyncResult, error) {
	stops := map[string]string{}
	switch mode {
	case SyncIncremental:
		latest, err := s.database.LatestSeqIDs(ctx, uid, seqLookback)
		if err != nil {
			return nil, fmt.Errorf("loading last synced records: %w", err)
		}
		stops = latest
	case SyncFull:
		n, err := s.database.DeleteInvalidRecords(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("purging invalid records: %w", err)
		}
		if n > 0 {
			s.logger.Info("purged invalid records", "uid", uid, "count", n)
		}
	default:
		return nil, fmt.Errorf("unknown sync mode: %q", mode)
	}

	result := &SyncResult{UID: uid}
	var all []GachaRecord

	total := len(CharacterPoolTypes)
	step := 0
	for _, poolType := range CharacterPoolTypes {
		step++
		emit(progress, Progress{Current: step, Total: total, Filename: poolType})

		fetch := func(ctx context.Context, cursor string) (*Page, error) {
			return s.api.CharacterPage(ctx, provider, u8Token, serverID, poolType, cursor)
		}
		records, err := s.crawler.Crawl(ctx, fetch, stops[StopKey(poolType, "")])
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("crawling %s: %w", poolType, ctx.Err())
			}
			s.logger.Warn("pool crawl failed, skipping", "uid", uid, "pool_type", poolType, "error", err)
			result.FailedPools = append(result.FailedPools, poolType)
			continue
		}
		s.logger.Debug("pool crawled", "uid", uid, "pool_type", poolType, "records", len(records))
		all = append(all, records...)
	}

	pools, err := s.api.WeaponPools(ctx, provider, u8Token, serverID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("listing weapon pools: %w", ctx.Err())
		}
		s.logger.Warn("weapon pool discovery failed, skipping weapons", "uid", uid, "error", err)
		result.FailedPools = append(result.FailedPools, PoolTypeWeapon)
	}

	total += len(pools)
	for _, pool := range pools {
		step++
		name := pool.PoolName
		if name == "" {
			name = pool.PoolID
		}
		emit(progress, Progress{Current: step, Total: total, Filename: name})

		fetch := func(ctx context.Context, cursor string) (*Page, error) {
			return s.api.WeaponPage(ctx, provider, u8Token, serverID, pool.PoolID, cursor)
		}
		records, err := s.crawler.Crawl(ctx, fetch, stops[StopKey(PoolTypeWeapon, pool.PoolID)])
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("crawling weapon pool %s: %w", pool.PoolID, ctx.Err())
			}
			s.logger.Warn("weapon pool crawl failed, skipping", "uid", uid, "pool_id", pool.PoolID, "error", err)
			result.FailedPools = append(result.FailedPools, pool.PoolID)
			continue
		}
		s.logger.Debug("weapon pool crawled", "uid", uid, "pool_id", pool.PoolID, "records", len(records))
		all = append(all, records...)
	}

	result.Count = len(all)
	if len(all) > 0 {
		saved, err := s.database.SaveRecords(ctx, uid, all)
		if err != nil {
			return nil, fmt.Errorf("saving records: %w", err)
		}
		result.Inserted = saved.Inserted
	}

	s.logger.Info("sync finished", "uid", uid, "mode", string(mode), "fetched", result.Count, "inserted", result.Inserted, "failed_pools", len(result.FailedPools))
	return result, nil
}

func emit(progress ProgressFunc, p Progress) {
	if progress != nil {
		progress(p)
	}
}
