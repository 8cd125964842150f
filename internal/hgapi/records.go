package hgapi

import (
	"context"
	"fmt"
	"net/url"

	"endcat-go/internal/endcat"
)

// recordItem is one entry of data.list. Character and weapon endpoints
// share the shape but name the item fields differently.
type recordItem struct {
	CharID     FlexString `json:"charId"`
	CharName   FlexString `json:"charName"`
	WeaponID   FlexString `json:"weaponId"`
	WeaponName FlexString `json:"weaponName"`
	Rarity     FlexInt    `json:"rarity"`
	PoolID     FlexString `json:"poolId"`
	PoolName   FlexString `json:"poolName"`
	SeqID      FlexString `json:"seqId"`
	GachaTs    FlexInt    `json:"gachaTs"`
	IsFree     FlexBool   `json:"isFree"`
	IsNew      FlexBool   `json:"isNew"`
}

type recordPage struct {
	List    []recordItem `json:"list"`
	HasMore *FlexBool    `json:"hasMore"`
}

type weaponPoolItem struct {
	PoolID   FlexString `json:"poolId"`
	PoolName FlexString `json:"poolName"`
}

// CharacterPage fetches one page of a character pool. cursor is the seq_id
// of the last record of the previous page, or empty for the first page.
func (c *Client) CharacterPage(ctx context.Context, provider, u8Token, serverID, poolType, cursor string) (*endcat.Page, error) {
	params := url.Values{}
	params.Set("token", u8Token)
	params.Set("server_id", serverID)
	params.Set("lang", c.cfg.Lang)
	params.Set("pool_type", poolType)
	if cursor != "" {
		params.Set("seq_id", cursor)
	}

	env, err := c.getJSON(ctx, c.endpoint(c.cfg.WebviewURL, provider, "/api/record/char"), params)
	if err != nil {
		return nil, fmt.Errorf("fetching %s records: %w", poolType, err)
	}
	if err := env.check("failed to fetch character records"); err != nil {
		return nil, fmt.Errorf("fetching %s records: %w", poolType, err)
	}

	var data recordPage
	if err := env.decodeData(&data); err != nil {
		return nil, fmt.Errorf("decoding %s records: %w", poolType, err)
	}

	page := &endcat.Page{HasMore: hasMore(data.HasMore)}
	for _, item := range data.List {
		if item.SeqID == "" {
			return nil, fmt.Errorf("fetching %s records: %w", poolType, endcat.ErrMissingSeqID)
		}
		page.Records = append(page.Records, endcat.GachaRecord{
			Name:     firstNonEmpty(string(item.CharName), string(item.CharID)),
			ItemID:   string(item.CharID),
			Rarity:   item.Rarity.Or(0),
			PoolID:   string(item.PoolID),
			PoolName: string(item.PoolName),
			SeqID:    string(item.SeqID),
			PulledAt: item.GachaTs.Or(0),
			PoolType: poolType,
			IsFree:   bool(item.IsFree),
			IsNew:    bool(item.IsNew),
		})
	}
	return page, nil
}

// WeaponPools lists the weapon pools the account has records in.
// A data field that is not a list is treated as no pools.
func (c *Client) WeaponPools(ctx context.Context, provider, u8Token, serverID string) ([]endcat.WeaponPool, error) {
	params := url.Values{}
	params.Set("token", u8Token)
	params.Set("server_id", serverID)
	params.Set("lang", c.cfg.Lang)

	env, err := c.getJSON(ctx, c.endpoint(c.cfg.WebviewURL, provider, "/api/record/weapon/pool"), params)
	if err != nil {
		return nil, fmt.Errorf("fetching weapon pools: %w", err)
	}
	if err := env.check("failed to fetch weapon pools"); err != nil {
		return nil, fmt.Errorf("fetching weapon pools: %w", err)
	}

	var items []weaponPoolItem
	if err := env.decodeData(&items); err != nil {
		c.logger.Warn("unexpected weapon pool list shape", "error", err)
		return nil, nil
	}

	pools := make([]endcat.WeaponPool, 0, len(items))
	for _, item := range items {
		if item.PoolID == "" {
			continue
		}
		pools = append(pools, endcat.WeaponPool{
			PoolID:   string(item.PoolID),
			PoolName: string(item.PoolName),
		})
	}
	return pools, nil
}

// WeaponPage fetches one page of a weapon pool.
func (c *Client) WeaponPage(ctx context.Context, provider, u8Token, serverID, poolID, cursor string) (*endcat.Page, error) {
	params := url.Values{}
	params.Set("token", u8Token)
	params.Set("server_id", serverID)
	params.Set("pool_id", poolID)
	params.Set("lang", c.cfg.Lang)
	if cursor != "" {
		params.Set("seq_id", cursor)
	}

	env, err := c.getJSON(ctx, c.endpoint(c.cfg.WebviewURL, provider, "/api/record/weapon"), params)
	if err != nil {
		return nil, fmt.Errorf("fetching weapon pool %s records: %w", poolID, err)
	}
	if err := env.check("failed to fetch weapon records"); err != nil {
		return nil, fmt.Errorf("fetching weapon pool %s records: %w", poolID, err)
	}

	var data recordPage
	if err := env.decodeData(&data); err != nil {
		return nil, fmt.Errorf("decoding weapon pool %s records: %w", poolID, err)
	}

	page := &endcat.Page{HasMore: hasMore(data.HasMore)}
	for _, item := range data.List {
		if item.SeqID == "" {
			return nil, fmt.Errorf("fetching weapon pool %s records: %w", poolID, endcat.ErrMissingSeqID)
		}
		page.Records = append(page.Records, endcat.GachaRecord{
			Name:     firstNonEmpty(string(item.WeaponName), string(item.WeaponID)),
			ItemID:   string(item.WeaponID),
			Rarity:   item.Rarity.Or(0),
			PoolID:   firstNonEmpty(string(item.PoolID), poolID),
			PoolName: string(item.PoolName),
			SeqID:    string(item.SeqID),
			PulledAt: item.GachaTs.Or(0),
			PoolType: endcat.PoolTypeWeapon,
			IsFree:   bool(item.IsFree),
			IsNew:    bool(item.IsNew),
		})
	}
	return page, nil
}

func hasMore(f *FlexBool) *bool {
	if f == nil {
		return nil
	}
	b := bool(*f)
	return &b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
