package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// Scope names one relayer-only hub operation.
type Scope string

const (
	ScopeDeposit  Scope = "hub:deposit"
	ScopeApprove  Scope = "hub:approve"
	ScopeCreate   Scope = "hub:create"
	ScopeExecute  Scope = "hub:execute"
	ScopeComplete Scope = "hub:complete"
)

// AllScopes lists every relayer scope.
var AllScopes = []Scope{ScopeDeposit, ScopeApprove, ScopeCreate, ScopeExecute, ScopeComplete}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySecret  = errors.New("token secret is empty")
)

// Claims is the payload of a relayer capability token.
type Claims struct {
	Relayer string  `json:"relayer"`
	Scopes  []Scope `json:"scopes"`
	jwt.RegisteredClaims
}

// Allows reports whether the token grants scope.
func (c *Claims) Allows(scope Scope) bool {
	return slices.Contains(c.Scopes, scope)
}

// RelayerAddress is the relayer the token was issued to.
func (c *Claims) RelayerAddress() common.Address {
	return common.HexToAddress(c.Relayer)
}

// TokenIssuer issues and verifies HS256 capability tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. ttl of zero means 24 hours.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token granting scopes to relayer.
func (i *TokenIssuer) Issue(relayer common.Address, scopes ...Scope) (string, error) {
	now := i.now()
	claims := Claims{
		Relayer: relayer.Hex(),
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   relayer.Hex(),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !common.IsHexAddress(claims.Relayer) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
