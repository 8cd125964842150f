package hgapi

import (
	"context"
	"fmt"
	"strings"
)

type u8TokenRequest struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
}

type tokenData struct {
	Token FlexString `json:"token"`
}

// U8Token exchanges an oauth token for the short-lived u8 token used by
// the record endpoints. Only the "status" field of this envelope is
// meaningful.
func (c *Client) U8Token(ctx context.Context, provider, uid, oauthToken string) (string, error) {
	body := u8TokenRequest{UID: uid, Token: oauthToken}
	env, err := c.postJSON(ctx, c.endpoint(c.cfg.BindingURL, provider, "/account/binding/v1/u8_token_by_uid"), body)
	if err != nil {
		return "", fmt.Errorf("requesting u8 token: %w", err)
	}
	if status := env.Status.Or(-1); status != 0 {
		msg := env.Msg
		if msg == "" {
			msg = "failed to get u8 token"
		}
		return "", &APIError{Code: status, Msg: msg}
	}

	var data tokenData
	if err := env.decodeData(&data); err != nil {
		return "", fmt.Errorf("decoding u8 token response: %w", err)
	}
	token := strings.TrimSpace(string(data.Token))
	if token == "" {
		return "", fmt.Errorf("u8 token response missing data.token")
	}
	return token, nil
}
