package guardkit

import (
	"context"
)

// Context keys for GuardKit values.
type contextKey string

const (
	contextKeyIdentityID contextKey = "guardkit:identity_id"
	contextKeyActor      contextKey = "guardkit:actor"
	contextKeyProvenance contextKey = "guardkit:provenance"
)

// Provenance is the request metadata stored on audit entries.
// Every field is optional.
type Provenance struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Method    string `json:"method,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WithIdentityID adds the authenticated identity to the context.
func WithIdentityID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, contextKeyIdentityID, id)
}

// IdentityIDFromContext retrieves the authenticated identity.
// The boolean is false if none is set.
func IdentityIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKeyIdentityID).(int64)
	return id, ok && id != 0
}

// WithActor adds the acting identity to the context.
// Often the same as the authenticated identity.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, contextKeyActor, actor)
}

// ActorFromContext retrieves the actor from context.
// Falls back to SystemActor if none is set.
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(contextKeyActor).(Actor); ok {
		return a
	}
	return SystemActor
}

// WithProvenance adds request metadata to the context (for audit).
func WithProvenance(ctx context.Context, p Provenance) context.Context {
	return context.WithValue(ctx, contextKeyProvenance, p)
}

// ProvenanceFromContext retrieves request metadata from context.
// Returns the zero value if not set.
func ProvenanceFromContext(ctx context.Context) Provenance {
	if p, ok := ctx.Value(contextKeyProvenance).(Provenance); ok {
		return p
	}
	return Provenance{}
}
