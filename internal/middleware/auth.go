package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/connectcare/emergency-api/internal/handler"
	"github.com/connectcare/emergency-api/pkg/auth"
)

type AuthMiddleware struct {
	jwtService auth.JWTService
	enabled    bool
}

// NewAuthMiddleware builds the service-token guard. With an empty
// secret the guard is a pass-through, which is how local development
// and the wearable simulator run.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	m := &AuthMiddleware{enabled: secret != ""}
	if m.enabled {
		m.jwtService = auth.NewJWTService(secret)
	}
	return m
}

// Authenticate verifies the bearer token and records the calling
// service in the request context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing authorization header"))
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid authorization format"))
			c.Abort()
			return
		}

		claims, err := m.jwtService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid token"))
			c.Abort()
			return
		}

		c.Set("service", claims.Service)
		c.Set("role", claims.Role)
		c.Next()
	}
}
