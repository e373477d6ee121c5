// Package actorctx propagates request identity through context without
// importing the HTTP layer.
package actorctx

import "context"

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyAdminJTI
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

func RequestIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithAdminJTI records which admin token performed the request.
func WithAdminJTI(ctx context.Context, jti string) context.Context {
	return context.WithValue(ctx, keyAdminJTI, jti)
}

func AdminJTIFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAdminJTI).(string)
	return v, ok && v != ""
}
