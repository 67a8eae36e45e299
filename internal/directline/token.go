// Package directline implements the WebChat Direct Line v3 server: a
// self-contained HTTP + WebSocket endpoint that is both an ingress and an
// egress channel for the WebChat platform, without ever leaving the
// process.
package directline

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/greentic/messaging-core/pkg/tenant"
)

// DefaultTokenTTL is the default lifetime of a user-scope Direct Line
// token.
const DefaultTokenTTL = 30 * time.Minute

// ctxClaim mirrors tenant.Context inside the JWT payload.
type ctxClaim struct {
	Env    string `json:"env"`
	Tenant string `json:"tenant"`
	Team   string `json:"team,omitempty"`
}

// Claims is the Direct Line JWT payload: a tenant-context binding plus an
// optional conversation binding added once a conversation is created.
type Claims struct {
	Ctx  ctxClaim `json:"ctx"`
	Conv string   `json:"conv,omitempty"`
	jwt.RegisteredClaims
}

// ErrInvalidToken is returned for any malformed, expired, or badly-signed
// token; callers map it to HTTP 401 without further detail.
var ErrInvalidToken = errors.New("directline: invalid token")

// TokenIssuer mints and validates Direct Line JWTs with a single HS256
// signing key. In production the key should come from the secrets
// resolver; WEBCHAT_JWT_SIGNING_KEY is a dev-only fallback.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer builds a TokenIssuer. A zero ttl falls back to
// DefaultTokenTTL.
func NewTokenIssuer(signingKey []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{key: signingKey, ttl: ttl}
}

// MintUserToken issues a token scoped to a tenant context, with no
// conversation binding yet.
func (i *TokenIssuer) MintUserToken(ctx tenant.Context) (string, time.Duration, error) {
	return i.mint(ctx, "")
}

// MintConversationToken issues a token additionally bound to
// conversationID via the conv claim.
func (i *TokenIssuer) MintConversationToken(ctx tenant.Context, conversationID string) (string, time.Duration, error) {
	return i.mint(ctx, conversationID)
}

func (i *TokenIssuer) mint(ctx tenant.Context, conv string) (string, time.Duration, error) {
	now := time.Now().UTC()
	claims := Claims{
		Ctx: ctxClaim{Env: ctx.Env, Tenant: ctx.Tenant, Team: ctx.Team},
		Conv: conv,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", 0, fmt.Errorf("directline: sign token: %w", err)
	}
	return signed, i.ttl, nil
}

// Parse validates signed and returns its Claims, or ErrInvalidToken.
func (i *TokenIssuer) Parse(signed string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(signed, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.key, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
