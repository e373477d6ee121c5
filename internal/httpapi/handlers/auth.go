package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/geocoder89/greeter/internal/auth"
	"github.com/geocoder89/greeter/internal/security"
)

// AuthHandler signs in the single operator principal. The credential is a
// bcrypt hash configured at deploy time; there are no user accounts.
type AuthHandler struct {
	jwt          *auth.Manager
	passwordHash string
}

func NewAuthHandler(jwt *auth.Manager, passwordHash string) *AuthHandler {
	return &AuthHandler{jwt: jwt, passwordHash: passwordHash}
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(ctx *gin.Context) {
	var req LoginRequest
	if !BindJSON(ctx, &req) {
		return
	}

	if h.passwordHash == "" {
		RespondUnauthorized(ctx, "login_disabled", "Admin login is not configured.")
		return
	}

	if err := security.CheckPassword(h.passwordHash, req.Password); err != nil {
		RespondUnauthorized(ctx, "invalid_credentials", "Password is incorrect.")
		return
	}

	token, expiresAt, err := h.jwt.GenerateAdminToken()
	if err != nil {
		RespondInternal(ctx, "Could not generate admin token")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"accessToken": token,
		"expiresAt":   expiresAt,
	})
}
