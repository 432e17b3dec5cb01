package auth

import (
	"errors"
	"time"

	"dialer-platform/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenType   = errors.New("auth: token_type mismatch")
	ErrMissingUser = errors.New("auth: user_id missing")
	ErrMissingRole = errors.New("auth: role missing in access token")
)

// Manager signs and verifies HS256 tokens.
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IssuePair returns an access token carrying role and a role-less refresh
// token for the same user.
func (m *Manager) IssuePair(now time.Time, userID, role string) (TokenPair, error) {
	access, err := m.issue(now, TokenTypeAccess, userID, role, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.issue(now, TokenTypeRefresh, userID, "", m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return Claims{}, err
	}

	if claims.TokenType != expected {
		return Claims{}, ErrTokenType
	}
	if claims.UserID == "" {
		return Claims{}, ErrMissingUser
	}
	if expected == TokenTypeAccess && claims.Role == "" {
		return Claims{}, ErrMissingRole
	}
	return claims, nil
}

func (m *Manager) issue(now time.Time, tokenType TokenType, userID, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  audienceOrNil(m.audience),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:    userID,
		Role:      role,
		TokenType: tokenType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
