package auth

import "context"

type contextKey struct{}

// AuthContext identifies an authenticated request: which backend client
// made it, and which end user it acts for. User IDs are opaque strings
// issued by the identity provider upstream of this service.
type AuthContext struct {
	ClientName string
	UserID     string
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

func UserID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.UserID
}
