package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jrjohn/engage-cloud-go/internal/dto/response"
	"github.com/jrjohn/engage-cloud-go/internal/security"
	apperrors "github.com/jrjohn/engage-cloud-go/pkg/errors"
)

// AuthMiddleware guards the ops API with operator tokens
type AuthMiddleware struct {
	jwtProvider *security.JWTProvider
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(jwtProvider *security.JWTProvider) *AuthMiddleware {
	return &AuthMiddleware{jwtProvider: jwtProvider}
}

// Authenticate validates the bearer token and stores its claims on the request
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			unauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := m.jwtProvider.ValidateToken(parts[1])
		if err != nil {
			switch {
			case errors.Is(err, security.ErrExpiredToken):
				unauthorized(c, "token has expired")
			case errors.Is(err, security.ErrNoSecret):
				c.AbortWithStatusJSON(http.StatusServiceUnavailable,
					response.NewError(apperrors.CodeServiceUnavailable, "authentication is not configured"))
			default:
				unauthorized(c, "invalid token")
			}
			return
		}

		security.SetClaims(c, claims)
		c.Next()
	}
}

// RequireRole rejects requests whose token carries none of roles
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if security.ClaimsFrom(c) == nil {
			unauthorized(c, "authentication required")
			return
		}
		if !security.HasRole(c, roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				response.NewError(apperrors.CodeForbidden, "insufficient permissions"))
			return
		}
		c.Next()
	}
}

// RequireAdmin allows only admin operators
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return m.RequireRole(security.RoleAdmin)
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, response.NewError(apperrors.CodeUnauthorized, message))
}
