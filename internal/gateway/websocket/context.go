package websocket

import "context"

type contextKey string

const (
	connectionIDKey contextKey = "connection_id"
	userIDKey       contextKey = "user_id"
)

// WithConnectionInfo attaches the connection identity to a context so
// dispatched handlers can address the originating connection.
func WithConnectionInfo(ctx context.Context, connectionID, userID string) context.Context {
	ctx = context.WithValue(ctx, connectionIDKey, connectionID)
	return context.WithValue(ctx, userIDKey, userID)
}

// ConnectionIDFromContext returns the originating connection ID, if any.
func ConnectionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connectionIDKey).(string)
	return id, ok
}

// UserIDFromContext returns the caller identity, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}
