package rpc

import "context"

func contextWithSessionNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, nodeID)
}

// SessionNodeID returns the node id bound to the request's session token, if
// any was set by SessionIssuer.RequireSession.
func SessionNodeID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionContextKey{}).(string)
	return v, ok
}
