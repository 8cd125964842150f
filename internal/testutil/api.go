package testutil

import (
	"context"
	"fmt"
	"sync"

	"endcat-go/internal/endcat"
)

// FakeGachaAPI serves canned records the way the upstream API does:
// newest first, PageSize records per page, continuing after the record whose
// seq_id is the cursor. Pools are keyed by pool type for character pools and
// by pool id for weapon pools.
type FakeGachaAPI struct {
	mu sync.Mutex

	PageSize int // defaults to 5

	U8TokenValue string
	U8TokenErr   error
	Role         *endcat.RoleInfo
	RoleErr      error

	Records        map[string][]endcat.GachaRecord
	WeaponPoolList []endcat.WeaponPool
	WeaponPoolsErr error
	PoolErrs       map[string]error

	// OmitHasMore leaves Page.HasMore nil so only an empty page ends a crawl.
	OmitHasMore bool

	U8TokenCalls int
	PageCalls    map[string]int
	Providers    []string
}

var _ endcat.GachaAPI = (*FakeGachaAPI)(nil)

// NewFakeGachaAPI returns a fake with a valid token and role for uid.
func NewFakeGachaAPI(uid string) *FakeGachaAPI {
	return &FakeGachaAPI{
		PageSize:     5,
		U8TokenValue: "u8-fresh",
		Role:         &endcat.RoleInfo{UID: uid, RoleID: "role-" + uid, NickName: "Endmin"},
		Records:      make(map[string][]endcat.GachaRecord),
		PoolErrs:     make(map[string]error),
		PageCalls:    make(map[string]int),
	}
}

func (f *FakeGachaAPI) U8Token(ctx context.Context, provider, uid, oauthToken string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.U8TokenCalls++
	f.Providers = append(f.Providers, provider)
	if f.U8TokenErr != nil {
		return "", f.U8TokenErr
	}
	return f.U8TokenValue, nil
}

func (f *FakeGachaAPI) QueryRole(ctx context.Context, u8Token, serverID string) (*endcat.RoleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RoleErr != nil {
		return nil, f.RoleErr
	}
	if f.Role == nil {
		return nil, fmt.Errorf("no role configured")
	}
	role := *f.Role
	return &role, nil
}

func (f *FakeGachaAPI) CharacterPage(ctx context.Context, provider, u8Token, serverID, poolType, cursor string) (*endcat.Page, error) {
	return f.page(ctx, poolType, cursor)
}

func (f *FakeGachaAPI) WeaponPools(ctx context.Context, provider, u8Token, serverID string) ([]endcat.WeaponPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WeaponPoolsErr != nil {
		return nil, f.WeaponPoolsErr
	}
	return append([]endcat.WeaponPool(nil), f.WeaponPoolList...), nil
}

func (f *FakeGachaAPI) WeaponPage(ctx context.Context, provider, u8Token, serverID, poolID, cursor string) (*endcat.Page, error) {
	return f.page(ctx, poolID, cursor)
}

func (f *FakeGachaAPI) page(ctx context.Context, key, cursor string) (*endcat.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.PageCalls[key]++

	if err := f.PoolErrs[key]; err != nil {
		return nil, err
	}

	records := f.Records[key]
	start := 0
	if cursor != "" {
		start = len(records)
		for i, r := range records {
			if r.SeqID == cursor {
				start = i + 1
				break
			}
		}
	}

	size := f.PageSize
	if size <= 0 {
		size = 5
	}
	end := min(start+size, len(records))

	page := &endcat.Page{Records: append([]endcat.GachaRecord(nil), records[start:end]...)}
	if !f.OmitHasMore {
		more := end < len(records)
		page.HasMore = &more
	}
	return page, nil
}

// Calls returns how many pages were requested for a pool key.
func (f *FakeGachaAPI) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PageCalls[key]
}

// MakeRecords builds n records for a pool, newest first, with seq_ids
// "<prefix><n>" down to "<prefix>1" and pulled_at equal to the sequence
// number times 10.
func MakeRecords(poolType, poolID, prefix string, n int) []endcat.GachaRecord {
	records := make([]endcat.GachaRecord, 0, n)
	for i := n; i >= 1; i-- {
		records = append(records, endcat.GachaRecord{
			Name:     fmt.Sprintf("item-%s%d", prefix, i),
			ItemID:   fmt.Sprintf("id-%s%d", prefix, i),
			Rarity:   4,
			PoolID:   poolID,
			PoolName: "Pool " + poolID,
			SeqID:    fmt.Sprintf("%s%d", prefix, i),
			PulledAt: int64(i * 10),
			PoolType: poolType,
		})
	}
	return records
}
