// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithPrincipal/PrincipalFromContext for propagating identity via context

package auth

import (
	"context"
)

// Principal is the authenticated identity attached to a request context.
type Principal struct {
	ID        string // subject from the verified token
	Anonymous bool   // true when auth is disabled and no identity was checked
}

// principalKey is the key type for storing a Principal in context.Context.
type principalKey struct{}

// WithPrincipal returns a new context with the Principal attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext retrieves the Principal from the context, returning
// nil if not present.
func PrincipalFromContext(ctx context.Context) *Principal {
	val := ctx.Value(principalKey{})
	if val == nil {
		return nil
	}
	p, ok := val.(*Principal)
	if !ok {
		return nil
	}
	return p
}
