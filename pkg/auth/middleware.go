package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/observability"
)

// tokenQueryParam carries the token on websocket upgrades, where browsers
// cannot set headers
const tokenQueryParam = "access_token"

// GinMiddleware rejects requests without a valid bearer token and stores
// the caller in the gin and request contexts
func (v *Validator) GinMiddleware(logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	return func(c *gin.Context) {
		user, err := v.Validate(ExtractToken(c.Request))
		if err != nil {
			logger.Debug("Authentication failed", map[string]interface{}{
				"path":  c.Request.URL.Path,
				"error": err.Error(),
			})
			status := http.StatusUnauthorized
			msg := "Invalid token"
			switch {
			case errors.Is(err, ErrNoToken):
				msg = "Authentication required"
			case errors.Is(err, ErrTokenExpired):
				msg = "Token expired"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		c.Set(string(UserContextKey), user)
		c.Request = c.Request.WithContext(WithUser(c.Request.Context(), user))
		c.Next()
	}
}

// ExtractToken returns the bearer token of r, falling back to the
// access_token query parameter
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get(tokenQueryParam)
}
