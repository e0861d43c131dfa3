package instrument

import "context"

type correlationKey struct{}

// SetCorrelationID returns a context carrying the request correlation ID.
func SetCorrelationID(ctx context.Context, cID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, cID)
}

// GetCorrelationID returns the correlation ID stored in ctx, or "" when absent.
func GetCorrelationID(ctx context.Context) string {
	cID, _ := ctx.Value(correlationKey{}).(string)
	return cID
}
