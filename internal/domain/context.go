package domain

import "context"

// ContextKey is a type for context keys to avoid magic strings
type ContextKey string

// ContextKeyGrant is the key for the verified bearer grant in the context
const ContextKeyGrant ContextKey = "grant"

// WithGrant adds the verified grant to the context
func WithGrant(ctx context.Context, grant *Grant) context.Context {
	return context.WithValue(ctx, ContextKeyGrant, grant)
}

// GetGrant retrieves the verified grant from the context
func GetGrant(ctx context.Context) (*Grant, bool) {
	grant, ok := ctx.Value(ContextKeyGrant).(*Grant)
	return grant, ok && grant != nil
}
