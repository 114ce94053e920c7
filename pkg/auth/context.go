package auth

import (
	"context"

	"github.com/developer-mesh/collabcore/pkg/models"
)

type contextKey string

// UserContextKey is the gin and request context key of the authenticated user
const UserContextKey contextKey = "user"

// WithUser attaches user to ctx
func WithUser(ctx context.Context, user *models.UserInfo) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// UserFromContext returns the authenticated user, if any
func UserFromContext(ctx context.Context) (*models.UserInfo, bool) {
	user, ok := ctx.Value(UserContextKey).(*models.UserInfo)
	return user, ok && user != nil
}
