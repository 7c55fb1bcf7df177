package protocol

import "context"

type invocationKey struct{}

// WithInvocationID attaches the invocation id sent in Request.InvocationID.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationKey{}, id)
}

// InvocationID returns the id attached with WithInvocationID, or "".
func InvocationID(ctx context.Context) string {
	id, _ := ctx.Value(invocationKey{}).(string)
	return id
}
