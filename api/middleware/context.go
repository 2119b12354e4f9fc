package middleware

import (
	"context"

	pkgAuth "github.com/angelmondragon/billing-reconciler/pkg/auth"
)

type ctxKey int

const (
	callerKey ctxKey = iota
	requestIDKey
)

// Caller is the authenticated principal behind a request.
type Caller struct {
	UserID string
	Role   pkgAuth.Role
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callerKey, c)
}

func UserIDFromContext(ctx context.Context) string {
	c, _ := CallerFromContext(ctx)
	return c.UserID
}

func RoleFromContext(ctx context.Context) string {
	c, _ := CallerFromContext(ctx)
	return string(c.Role)
}

// WithUserID and WithRole let handler tests fake what Auth would set.
func WithUserID(ctx context.Context, userID string) context.Context {
	c, _ := CallerFromContext(ctx)
	c.UserID = userID
	return WithCaller(ctx, c)
}

func WithRole(ctx context.Context, role string) context.Context {
	c, _ := CallerFromContext(ctx)
	c.Role = pkgAuth.Role(role)
	return WithCaller(ctx, c)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
