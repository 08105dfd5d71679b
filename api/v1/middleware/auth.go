package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"go_orchestrator/internal/auth"
	"go_orchestrator/internal/httpx"
)

// Context keys set by the auth middlewares
const (
	KeyUserID      = "user_id"
	KeyRole        = "role"
	KeyWorkspaceID = "workspace_id"
)

// AuthRequired is a middleware that validates JWT token
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, appErr := bearerToken(c)
		if appErr != nil {
			httpx.FailErr(c, appErr)
			c.Abort()
			return
		}

		// Parse and validate token
		claims, err := auth.ParseToken(tokenString)
		if err != nil {
			failTokenError(c, err)
			return
		}

		// Set user info in context
		c.Set(KeyUserID, claims.UserID)
		c.Set(KeyRole, claims.Role)

		c.Next()
	}
}

// AdminRequired must run after AuthRequired
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			httpx.FailErr(c, httpx.ErrForbidden("admin role required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// CallbackAuth validates a workspace callback token. The token must be bound
// to the workspace named by the :id path parameter.
func CallbackAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, appErr := bearerToken(c)
		if appErr != nil {
			httpx.FailErr(c, appErr)
			c.Abort()
			return
		}

		claims, err := auth.ParseCallbackToken(tokenString)
		if err != nil {
			failTokenError(c, err)
			return
		}
		if claims.WorkspaceID != c.Param("id") {
			httpx.FailErr(c, httpx.ErrForbidden("token is not valid for this workspace"))
			c.Abort()
			return
		}

		c.Set(KeyWorkspaceID, claims.WorkspaceID)
		c.Next()
	}
}

// UserID returns the authenticated user
func UserID(c *gin.Context) string {
	return c.GetString(KeyUserID)
}

// IsAdmin reports whether the caller has the admin role
func IsAdmin(c *gin.Context) bool {
	return c.GetString(KeyRole) == auth.RoleAdmin
}

func bearerToken(c *gin.Context) (string, *httpx.AppError) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", httpx.ErrUnauthorized("missing authorization header")
	}

	// Check Bearer prefix
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", httpx.ErrUnauthorized("invalid authorization header format")
	}
	return parts[1], nil
}

func failTokenError(c *gin.Context, err error) {
	if errors.Is(err, jwt.ErrTokenExpired) {
		httpx.FailErr(c, httpx.ErrTokenExpired("token expired"))
	} else {
		httpx.FailErr(c, httpx.ErrInvalidToken("invalid token"))
	}
	c.Abort()
}
