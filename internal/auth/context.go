package auth

import "context"

// Actor is whoever caused a ledger write: an operator, a producer service or the system.
type Actor struct {
	ID       string
	Roles    []string
	BranchID string
}

// System is the actor recorded for background work.
const System = "system"

type actorContextKey struct{}

// ContextWithActor attaches the authenticated actor to the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, &actor)
}

// ActorFromContext extracts the actor from the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || v == nil || v.ID == "" {
		return Actor{}, false
	}
	return *v, true
}

// ActorID returns the actor id in ctx, or fallback when none is attached.
func ActorID(ctx context.Context, fallback string) string {
	if a, ok := ActorFromContext(ctx); ok {
		return a.ID
	}
	return fallback
}
