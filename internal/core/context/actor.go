// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// ActorContext contains the authenticated caller. It is filled by the auth
// middleware from JWT claims and read by handlers when building an engine Actor.
type ActorContext struct {
	ActorID string
	Name    string
	// EntityType/EntityID bind the caller to an assignment scope (user, company, mapping).
	EntityType string
	EntityID   string
	Roles      []string
	IsAdmin    bool
}

type actorContextKey struct{}

// WithActor adds ActorContext to context.
func WithActor(ctx context.Context, actor *ActorContext) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor returns ActorContext from context.
func GetActor(ctx context.Context) *ActorContext {
	if v, ok := ctx.Value(actorContextKey{}).(*ActorContext); ok {
		return v
	}
	return nil
}

// GetActorID returns actor ID from context or empty string.
func GetActorID(ctx context.Context) string {
	if a := GetActor(ctx); a != nil {
		return a.ActorID
	}
	return ""
}
