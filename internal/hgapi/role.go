package hgapi

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"endcat-go/internal/endcat"
)

type roleListRequest struct {
	Token    string `json:"token"`
	ServerID string `json:"serverId"`
}

type roleListData struct {
	UID       FlexString `json:"uid"`
	ChannelID FlexInt    `json:"channelId"`
	Roles     []struct {
		RoleID    FlexString `json:"roleId"`
		NickName  FlexString `json:"nickName"`
		NickNameS FlexString `json:"nick_name"`
	} `json:"roles"`
}

// QueryRole resolves the account behind a u8 token. data.uid is required;
// role and channel fields are optional.
func (c *Client) QueryRole(ctx context.Context, u8Token, serverID string) (*endcat.RoleInfo, error) {
	body := roleListRequest{Token: u8Token, ServerID: serverID}
	env, err := c.postJSON(ctx, c.endpoint(c.cfg.U8URL, endcat.ProviderHypergryph, "/game/role/v1/query_role_list"), body)
	if err != nil {
		return nil, fmt.Errorf("querying role list: %w", err)
	}
	if err := env.check("query_role_list failed"); err != nil {
		return nil, fmt.Errorf("querying role list: %w", err)
	}

	var data roleListData
	if err := env.decodeData(&data); err != nil {
		return nil, fmt.Errorf("decoding role list: %w", err)
	}

	uid := strings.TrimSpace(string(data.UID))
	if uid == "" {
		return nil, fmt.Errorf("role list response missing data.uid")
	}

	info := &endcat.RoleInfo{UID: uid}
	if data.ChannelID.Set {
		info.ChannelID = sql.NullInt64{Int64: data.ChannelID.Value, Valid: true}
	}
	for _, r := range data.Roles {
		if r.RoleID == "" {
			continue
		}
		info.RoleID = string(r.RoleID)
		info.NickName = firstNonEmpty(string(r.NickName), string(r.NickNameS))
		break
	}
	return info, nil
}
