// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values.
//
// Middleware sets these values and services consume them without importing
// net/http. Tests inject fixed values (notably the request time) to keep
// time-dependent logic deterministic.
package requestcontext

import (
	"context"
	"time"

	"vigil/pkg/domain"
)

type (
	actorIDKey     struct{}
	actorNameKey   struct{}
	actorRoleKey   struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
	clientIPKey    struct{}
	userAgentKey   struct{}
	sessionIDKey   struct{}
)

// ActorID retrieves the verified principal performing the request.
// Returns the zero value if not set.
func ActorID(ctx context.Context) domain.AccountID {
	if v, ok := ctx.Value(actorIDKey{}).(domain.AccountID); ok {
		return v
	}
	return ""
}

// WithActorID injects the verified principal into the context.
func WithActorID(ctx context.Context, id domain.AccountID) context.Context {
	return context.WithValue(ctx, actorIDKey{}, id)
}

// ActorName retrieves the display name of the principal, if supplied.
func ActorName(ctx context.Context) string {
	if v, ok := ctx.Value(actorNameKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActorName injects the principal display name into the context.
func WithActorName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actorNameKey{}, name)
}

// ActorRole retrieves the role of the principal, if supplied.
func ActorRole(ctx context.Context) string {
	if v, ok := ctx.Value(actorRoleKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActorRole injects the principal role into the context.
func WithActorRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, actorRoleKey{}, role)
}

// RequestID retrieves the correlation id assigned by middleware.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestID injects a correlation id into the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// Now returns the request time if one was injected, falling back to the wall
// clock. Services use this instead of time.Now so tests control time.
func Now(ctx context.Context) time.Time {
	if v, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return v
	}
	return time.Now().UTC()
}

// WithTime pins the request time in the context.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}

// ClientIP retrieves the remote address recorded by middleware.
func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClientIP injects the remote address into the context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// UserAgent retrieves the raw user agent recorded by middleware.
func UserAgent(ctx context.Context) string {
	if v, ok := ctx.Value(userAgentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithUserAgent injects the raw user agent into the context.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	return context.WithValue(ctx, userAgentKey{}, ua)
}

// SessionID retrieves the session identifier recorded by middleware.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionID injects the session identifier into the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}
