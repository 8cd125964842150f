package endcat

import "context"

// GachaAPI is the upstream game API as seen by the sync service.
// provider is one of ProviderHypergryph or ProviderGryphline.
type GachaAPI interface {
	// U8Token exchanges an account's oauth token for a short-lived u8 token.
	U8Token(ctx context.Context, provider, uid, oauthToken string) (string, error)

	// QueryRole looks up the account profile behind a u8 token.
	QueryRole(ctx context.Context, u8Token, serverID string) (*RoleInfo, error)

	// CharacterPage fetches one page of a character pool.
	CharacterPage(ctx context.Context, provider, u8Token, serverID, poolType, cursor string) (*Page, error)

	// WeaponPools lists the weapon pools that have records.
	WeaponPools(ctx context.Context, provider, u8Token, serverID string) ([]WeaponPool, error)

	// WeaponPage fetches one page of a weapon pool.
	WeaponPage(ctx context.Context, provider, u8Token, serverID, poolID, cursor string) (*Page, error)
}
