package auth

import (
	"context"
	"net/http"
	"strings"
)

type principalKey struct{}
type requestIDKey struct{}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom retrieves the Principal from the context. The zero Principal
// (anonymous) is returned when none was attached.
func PrincipalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom retrieves the request id from the context.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromHeaders builds the Principal the gateway forwarded. X-Actor-Id names
// the actor, X-Actor-Roles is a comma-separated role list.
func FromHeaders(r *http.Request) Principal {
	p := Principal{
		ID:   r.Header.Get("X-Actor-Id"),
		Type: r.Header.Get("X-Actor-Type"),
	}
	if raw := r.Header.Get("X-Actor-Roles"); raw != "" {
		for _, role := range strings.Split(raw, ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p
}
