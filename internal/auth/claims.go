package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the JWT claims accepted by the API. Credits, bindings and
// campaigns are all owned by a user, so UserID is the tenant key.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
