// Package auth validates bearer tokens on the HTTP surface. Two modes:
// JWKS-backed validation against an identity provider, and HS256 with a
// static secret for development setups. Claims land on the request
// context for handlers that want the caller identity.
package auth

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const claimsContextKey contextKey = "tribrid_auth_claims"

// Claims are the validated token claims. The named fields cover common
// identity providers; everything else lands in Custom.
type Claims struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email,omitempty"`
	Role    string         `json:"role,omitempty"`
	Custom  map[string]any `json:"-"`
}

// ClaimsFromContext extracts claims from a context. Returns nil when
// the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims returns a new context carrying the given claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
