package middleware

import (
	"strings"

	"ovinet_backend/internal/auth"
	"ovinet_backend/pkg/apperrors"
	"ovinet_backend/pkg/contextkeys"

	"github.com/gin-gonic/gin"
)

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPCode, apperrors.ErrorResponse{Error: appErr})
}

// AuthMiddleware validates the bearer service token on operator routes.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			abortWith(c, apperrors.NewUnauthorizedError("Authorization header missing or invalid"))
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := auth.ParseServiceToken(secret, tokenStr)
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError("Invalid token"))
			return
		}

		c.Set(string(contextkeys.OperatorIDContextKey), claims.OperatorID)
		c.Set(string(contextkeys.TokenScopeContextKey), claims.Scope)
		c.Next()
	}
}

// RequireScope gates a route on the token scope set by AuthMiddleware.
func RequireScope(required string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeVal, exists := c.Get(string(contextkeys.TokenScopeContextKey))
		if !exists {
			abortWith(c, apperrors.NewForbiddenError("Access denied: no scope"))
			return
		}

		scope, ok := scopeVal.(string)
		if !ok {
			abortWith(c, apperrors.NewForbiddenError("Access denied: invalid scope type"))
			return
		}

		if !auth.ScopeAllows(scope, required) {
			abortWith(c, apperrors.NewForbiddenError("Access denied: insufficient scope"))
			return
		}

		c.Next()
	}
}

// GetOperatorID extracts the authenticated operator subject from the
// gin context. Empty when the route is unauthenticated.
func GetOperatorID(c *gin.Context) string {
	val, exists := c.Get(string(contextkeys.OperatorIDContextKey))
	if !exists {
		return ""
	}

	id, ok := val.(string)
	if !ok {
		return ""
	}
	return id
}
