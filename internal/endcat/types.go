package endcat

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Pool type discriminators used by the record API.
const (
	PoolTypeSpecial  = "E_CharacterGachaPoolType_Special"
	PoolTypeStandard = "E_CharacterGachaPoolType_Standard"
	PoolTypeBeginner = "E_CharacterGachaPoolType_Beginner"
	PoolTypeWeapon   = "E_CharacterGachaPoolType_Weapon"
)

// CharacterPoolTypes is the fixed set of character pools crawled on every sync.
var CharacterPoolTypes = []string{
	PoolTypeSpecial,
	PoolTypeStandard,
	PoolTypeBeginner,
}

// Upstream providers. The provider selects the API host family.
const (
	ProviderHypergryph = "hypergryph"
	ProviderGryphline  = "gryphline"
)

// DefaultServerID is used when an account has no server id recorded.
const DefaultServerID = "1"

// ProviderForChannel maps an account channel to its upstream provider.
// Channel 6 is the global release; everything else is the CN release.
func ProviderForChannel(channelID sql.NullInt64) string {
	if channelID.Valid && channelID.Int64 == 6 {
		return ProviderGryphline
	}
	return ProviderHypergryph
}

// NormalizeProvider validates a provider name, defaulting to hypergryph.
func NormalizeProvider(raw string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	switch p {
	case "":
		return ProviderHypergryph, nil
	case ProviderHypergryph, ProviderGryphline:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported provider: %s", raw)
	}
}

// GachaRecord is one draw as returned by the record API, normalized.
type GachaRecord struct {
	Name     string
	ItemID   string
	Rarity   int64
	PoolID   string
	PoolName string
	SeqID    string
	PulledAt int64
	PoolType string
	IsFree   bool
	IsNew    bool
}

// StopKey returns the key under which a pool's incremental sentinel is
// stored. Character pools are keyed by pool type; weapon pools share one
// pool type, so they are keyed by pool id.
func StopKey(poolType, poolID string) string {
	if poolType == PoolTypeWeapon {
		return poolID
	}
	return poolType
}

// Page is one page of the record API.
// HasMore is nil when the response did not carry the flag.
type Page struct {
	Records []GachaRecord
	HasMore *bool
}

// PageFetcher fetches the page following cursor. cursor is empty for the
// first page.
type PageFetcher func(ctx context.Context, cursor string) (*Page, error)

// WeaponPool is a dynamically discovered weapon banner.
type WeaponPool struct {
	PoolID   string
	PoolName string
}

// RoleInfo is the result of a profile lookup.
type RoleInfo struct {
	UID       string
	RoleID    string
	NickName  string
	ChannelID sql.NullInt64
}

// SyncMode selects between an incremental and a full crawl.
type SyncMode string

const (
	SyncIncremental SyncMode = "incremental"
	SyncFull        SyncMode = "full"
)

// ParseSyncMode parses a mode name. An empty string means incremental.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", SyncIncremental:
		return SyncIncremental, nil
	case SyncFull:
		return SyncFull, nil
	default:
		return "", fmt.Errorf("unknown sync mode: %q (want incremental or full)", s)
	}
}

// SyncResult summarizes one account sync.
type SyncResult struct {
	UID            string
	Count          int // records fetched across all pools
	Inserted       int // rows that did not exist before
	AccountUpdated bool
	FailedPools    []string
}

// SaveResult reports how a batch of records was merged.
type SaveResult struct {
	Inserted int
	Updated  int
}

// Progress is emitted once per pool while crawling.
type Progress struct {
	Current  int
	Total    int
	Filename string
}

// ProgressFunc receives progress events in order. It may be nil.
type ProgressFunc func(Progress)
