package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/geocoder89/greeter/internal/actorctx"
	"github.com/geocoder89/greeter/internal/auth"
)

// TokenVerifier is small on purpose so tests can fake it.
type TokenVerifier interface {
	VerifyAdminToken(token string) (*auth.Claims, error)
}

const ctxAdminJTIKey = "auth.adminJTI"

// RequireAdmin guards the /admin group with the bearer token issued by the
// login route.
func RequireAdmin(jwt TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			abortUnauthorized(c, "Missing or invalid Authorization header")
			return
		}

		raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
		if raw == "" {
			abortUnauthorized(c, "Missing or invalid admin token")
			return
		}

		claims, err := jwt.VerifyAdminToken(raw)
		if err != nil {
			abortUnauthorized(c, "Invalid or expired admin token")
			return
		}

		c.Set(ctxAdminJTIKey, claims.JTI)
		c.Request = c.Request.WithContext(actorctx.WithAdminJTI(c.Request.Context(), claims.JTI))
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"code":    "unauthorized",
			"message": message,
		},
	})
}

// AdminJTIFromContext exposes the acting token id to handlers.
func AdminJTIFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxAdminJTIKey)
	if !ok {
		return "", false
	}
	jti, ok := v.(string)
	return jti, ok && jti != ""
}
