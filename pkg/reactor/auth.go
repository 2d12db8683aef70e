package reactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned for a session token whose exp claim has passed.
var ErrTokenExpired = errors.New("reactor: session token expired")

type tokenResponse struct {
	JWT string `json:"jwt"`
}

// FetchToken exchanges an API key for a session JWT at the coordinator.
func FetchToken(ctx context.Context, apiKey, coordinatorURL string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("missing API key")
	}

	resp, err := resty.New().
		SetBaseURL(coordinatorURL).
		SetTimeout(15*time.Second).
		R().
		SetContext(ctx).
		SetHeader("Reactor-API-Key", apiKey).
		SetResult(&tokenResponse{}).
		Get("/tokens")
	if err != nil {
		return "", fmt.Errorf("failed to fetch session token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("failed to fetch session token: HTTP %d", resp.StatusCode())
	}

	tok, ok := resp.Result().(*tokenResponse)
	if !ok || tok.JWT == "" {
		return "", fmt.Errorf("coordinator returned no token")
	}
	if err := CheckToken(tok.JWT, time.Now()); err != nil {
		return "", err
	}
	return tok.JWT, nil
}

// TokenExpiry returns the exp claim of token without verifying its
// signature. The zero time means the token carries no expiry.
func TokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("malformed session token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// CheckToken rejects malformed tokens and tokens already expired at now.
func CheckToken(token string, now time.Time) error {
	exp, err := TokenExpiry(token)
	if err != nil {
		return err
	}
	if !exp.IsZero() && !now.Before(exp) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return nil
}
