package http

import (
	stderrors "errors"
	"net/http"
	"strings"

	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
	users       ports.UserDirectory
}

func NewAuthHandler(authService services.AuthService, users ports.UserDirectory) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		users:       users,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine, requireAuth gin.HandlerFunc) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/login", h.Login)
		api.GET("/me", requireAuth, h.Me)
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,max=50"`
	Password string `json:"password" binding:"required,max=72"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("username and password are required"))
		return
	}
	username := strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, user, err := h.authService.Login(c.Request.Context(), username, req.Password)
	if err != nil {
		if stderrors.Is(err, services.ErrInvalidCredentials) {
			c.Error(errors.NewUnauthorizedError("invalid username or password"))
			return
		}
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"user":         user.Public(),
	})
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		c.Error(errors.NewNotFoundError("user"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user.Public()})
}
