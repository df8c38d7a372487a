// Package identity carries the acting subject and its network origin through
// request contexts so governance components can answer "who did this".
package identity

import "context"

type contextKey int

const (
	actorKey contextKey = iota
	originKey
)

// Origin describes where a request came from.
type Origin struct {
	IP    string
	Agent string
}

// WithActor returns a context carrying the acting subject's identifier.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorID returns the acting subject's identifier, or nil for
// system-initiated work.
func ActorID(ctx context.Context) *string {
	if v, ok := ctx.Value(actorKey).(string); ok && v != "" {
		return &v
	}
	return nil
}

// WithOrigin returns a context carrying the request's network origin.
func WithOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

// OriginFrom returns the network origin recorded on the context, if any.
func OriginFrom(ctx context.Context) Origin {
	if v, ok := ctx.Value(originKey).(Origin); ok {
		return v
	}
	return Origin{}
}
