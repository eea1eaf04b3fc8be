// Package authboundary implements the sync supervisor's auth callback
// (spec.md §4.H: "an auth: async (workspaceId) -> {url, token?} callback")
// and the matching verification side for the room manager's auth mode
// (SPEC_FULL.md §4.L). Grounded on api/jwt.go's echojwt-based signing key
// usage, adapted to golang-jwt/jwt/v5 directly since no echo context is
// available at this boundary.
package authboundary

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Func resolves the socket URL and an optional bearer token for a
// workspace, ahead of each sync supervisor connection attempt.
type Func func(ctx context.Context, workspaceID string) (url string, token string, err error)

// StaticAuth returns a Func that always resolves to the same url/token
// pair, for local or development use where no real auth server exists.
func StaticAuth(url, token string) Func {
	return func(context.Context, string) (string, string, error) {
		return url, token, nil
	}
}

// JWTAuth mints short-lived HS256 tokens scoped to one workspace id, using
// the workspace id as the token's subject claim.
type JWTAuth struct {
	secret  []byte
	issuer  string
	baseURL string
	ttl     time.Duration
}

// JWTOption configures a new JWTAuth.
type JWTOption func(*JWTAuth)

// WithIssuer sets the "iss" claim minted tokens carry.
func WithIssuer(issuer string) JWTOption {
	return func(j *JWTAuth) { j.issuer = issuer }
}

// WithTTL overrides the default 1-minute token lifetime. Tokens are
// minted fresh on every reconnect attempt, so a short TTL is normal.
func WithTTL(ttl time.Duration) JWTOption {
	return func(j *JWTAuth) { j.ttl = ttl }
}

// NewJWTAuth creates a JWTAuth that signs tokens with secret and builds
// sync URLs against baseURL (e.g. "wss://sync.example.com").
func NewJWTAuth(secret []byte, baseURL string, opts ...JWTOption) *JWTAuth {
	j := &JWTAuth{secret: secret, baseURL: baseURL, ttl: time.Minute}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Auth implements Func: it mints a token scoped to workspaceID and builds
// the sync endpoint URL for it.
func (j *JWTAuth) Auth(ctx context.Context, workspaceID string) (string, string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": workspaceID,
		"iat": now.Unix(),
		"exp": now.Add(j.ttl).Unix(),
	}
	if j.issuer != "" {
		claims["iss"] = j.issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", "", fmt.Errorf("authboundary: sign token: %w", err)
	}
	return j.baseURL + "/workspaces/" + workspaceID + "/sync", signed, nil
}

// Verify parses and validates tokenString, returning the workspace id it
// was scoped to. room.Manager does not call it: its policy function sees
// only the workspace id, not the peer's token.
func (j *JWTAuth) Verify(tokenString string) (workspaceID string, err error) {
	parserOpts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	}, parserOpts...)
	if err != nil {
		return "", fmt.Errorf("authboundary: verify token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("authboundary: invalid token claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("authboundary: token missing subject")
	}
	return sub, nil
}
