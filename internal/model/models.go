package model

import (
	"database/sql"
	"time"
)

// Pull is one persisted gacha draw. Identity is (UID, SeqID, PoolType);
// SeqID is only unique within a pool type.
type Pull struct {
	ID         int64
	UID        string
	BannerID   string // pool id
	BannerName string // pool name
	ItemName   string
	ItemID     sql.NullString
	Rarity     int64
	PulledAt   int64 // epoch seconds, 0 marks an invalid row
	SeqID      sql.NullString
	PoolType   sql.NullString
	IsFree     sql.NullBool
	IsNew      sql.NullBool
}

// Account is a game account and its three token tiers
// (user_token -> oauth_token -> u8_token, decreasing privilege).
type Account struct {
	UID        string
	RoleID     sql.NullString
	NickName   sql.NullString
	ServerID   string
	ChannelID  sql.NullInt64
	UserToken  string
	OAuthToken string
	U8Token    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AccountProfile is the display metadata refreshed by a role lookup.
type AccountProfile struct {
	RoleID    sql.NullString
	NickName  sql.NullString
	ChannelID sql.NullInt64
}

// SyncOperation is a persisted record of a CLI command that mutated the
// database. Its ID versions database snapshots in the vault.
type SyncOperation struct {
	ID         int64
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
}

// PoolCount is the number of pulls stored for one pool type.
type PoolCount struct {
	PoolType string
	Count    int64
}
