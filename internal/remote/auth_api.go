package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when the bearer token is already past its expiry.
var ErrTokenExpired = errors.New("backend token expired")

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var res loginResponse
	if err := c.postJSON(ctx, "login", "/auth/login", loginRequest{Email: email, Password: password}, &res); err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", errors.New("login: backend returned an empty token")
	}
	return res.AccessToken, nil
}

// TokenExpiry reads the exp claim of the bearer token without verifying its
// signature; the backend holds the key. A zero time means no expiry claim.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// CheckToken fails with ErrTokenExpired when the token expires before now+margin.
func CheckToken(token string, now time.Time, margin time.Duration) error {
	exp, err := TokenExpiry(token)
	if err != nil {
		return err
	}
	if !exp.IsZero() && exp.Before(now.Add(margin)) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return nil
}
