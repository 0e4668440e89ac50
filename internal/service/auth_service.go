package service

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// Common auth errors.
var (
	ErrTokenInvalid       = errors.New("invalid token")
	ErrSessionInvalidated = errors.New("token was issued to an earlier shell session")
)

// TokenType distinguishes the token audiences of the control API.
type TokenType string

const (
	TokenTypeShell TokenType = "shell"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
}

// AuthService issues and validates the bearer tokens of the loopback control
// API. Only the most recently issued token is accepted.
type AuthService struct {
	secret []byte
	expiry time.Duration

	mu        sync.RWMutex
	activeJTI string
}

// NewAuthService creates an AuthService. Without LOCAL_API_SECRET a random
// per-process key is used, so tokens never outlive the agent.
func NewAuthService(cfg *config.Config) (*AuthService, error) {
	secret := []byte(cfg.LocalAPISecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate api secret: %w", err)
		}
	}
	expiry := cfg.LocalTokenExpiry
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return &AuthService{secret: secret, expiry: expiry}, nil
}

// IssueShellToken signs a new shell token and revokes every earlier one.
func (s *AuthService) IssueShellToken() (string, error) {
	jti := uuid.New().String()
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   "shell",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		TokenType: TokenTypeShell,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	s.mu.Lock()
	s.activeJTI = jti
	s.mu.Unlock()
	return signed, nil
}

// ValidateToken parses and validates a JWT string, returning claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != TokenTypeShell {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ValidateShellSession checks that jti belongs to the current shell token.
func (s *AuthService) ValidateShellSession(jti string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if jti == "" || jti != s.activeJTI {
		return ErrSessionInvalidated
	}
	return nil
}

// WriteTokenFile stores a token readable only by the current user.
func WriteTokenFile(path, token string) error {
	if path == "" {
		return errors.New("no token file configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}
