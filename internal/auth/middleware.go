package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/gin-gonic/gin"
)

// gin context keys set by AuthMiddleware
const (
	KeyPermissions = "permissions"
	KeyUserID      = "user_id"
	KeyUsername    = "username"
	KeyRole        = "role"
)

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", false
	}
	return token, true
}

// AuthMiddleware validates tokens and enforces authentication
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "missing authorization header", nil))
			return
		}

		token, ok := bearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "invalid authorization header format", nil))
			return
		}

		// JWT zuerst, dann Machine Token
		if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
			c.Set(KeyPermissions, roleToPermissions(claims.Role))
			c.Set(KeyUserID, claims.UserID)
			c.Set(KeyUsername, claims.Username)
			c.Set(KeyRole, claims.Role)
			c.Next()
			return
		}

		permissions, err := a.ValidateMachineToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "invalid or expired token", nil))
			return
		}

		c.Set(KeyPermissions, permissions)
		c.Next()
	}
}

// Permissions returns what AuthMiddleware granted the request.
func Permissions(c *gin.Context) []Permission {
	v, ok := c.Get(KeyPermissions)
	if !ok {
		return nil
	}
	perms, _ := v.([]Permission)
	return perms
}

func HasPermission(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == required {
			return true
		}
	}
	return false
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms := Permissions(c)
		if perms == nil {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("AUTH_403", "no permissions found", nil))
			return
		}

		if !HasPermission(perms, required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("AUTH_403", "insufficient permissions", gin.H{"required": string(required)}))
			return
		}

		c.Next()
	}
}
