package core

import "context"

// SystemActor is reported when no actor is attached to the context
const SystemActor = "system"

type actorKey struct{}

// WithActor attaches the acting user to ctx
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting user of ctx
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return SystemActor
}
