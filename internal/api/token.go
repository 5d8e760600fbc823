package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrMissingToken is returned when the server answers without an access token.
var ErrMissingToken = errors.New("response did not contain an access token")

// TokenPair is the result of a credential exchange.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// ObtainToken exchanges a username and password for a token pair.
func (c *Client) ObtainToken(ctx context.Context, username, password string) (TokenPair, error) {
	var pair TokenPair
	if err := c.post(ctx, "/token/", credentialsRequest{Username: username, Password: password}, &pair); err != nil {
		return TokenPair{}, fmt.Errorf("obtain token: %w", err)
	}
	if pair.Access == "" {
		return TokenPair{}, ErrMissingToken
	}

	c.logger.Info("obtained access token", "username", username)
	return pair, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refresh string) (string, error) {
	var pair TokenPair
	if err := c.post(ctx, "/token/refresh/", refreshRequest{Refresh: refresh}, &pair); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if pair.Access == "" {
		return "", ErrMissingToken
	}

	c.logger.Debug("refreshed access token")
	return pair.Access, nil
}
