package http

import (
	"net/http"
	"strconv"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chat       ports.ChatService
	recordings ports.RecordingService
}

func NewChatHandler(chat ports.ChatService, recordings ports.RecordingService) *ChatHandler {
	return &ChatHandler{chat: chat, recordings: recordings}
}

// SetupRoutes registers chat history and recording requests. Creating a
// recording request also works for guests presenting a share token, so that
// route only needs optionalAuth.
func (h *ChatHandler) SetupRoutes(router *gin.Engine, requireAuth, optionalAuth gin.HandlerFunc) {
	router.GET("/api/v1/chat/messages", requireAuth, h.RecentMessages)

	rec := router.Group("/api/v1/recording-requests")
	{
		rec.GET("", requireAuth, h.ListRecordingRequests)
		rec.POST("", optionalAuth, h.CreateRecordingRequest)
		rec.PATCH("/:id", requireAuth, h.UpdateRecordingRequest)
	}
}

func (h *ChatHandler) RecentMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := h.chat.Recent(c.Request.Context(), limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type CreateRecordingRequest struct {
	SourceID        domain.SourceID `json:"source_id" binding:"required"`
	Reason          string          `json:"reason"`
	DurationMinutes int             `json:"duration_minutes" binding:"required,min=1"`
	ShareToken      string          `json:"share_token"`
}

type UpdateRecordingRequest struct {
	Status domain.RequestStatus `json:"status" binding:"required"`
}

func (h *ChatHandler) CreateRecordingRequest(c *gin.Context) {
	var req CreateRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("source_id and duration_minutes are required"))
		return
	}
	if err := validation.ValidateStringLength(req.Reason, 0, 500, "reason"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	userID, authenticated := middleware.UserID(c)
	if !authenticated && req.ShareToken == "" {
		c.Error(errors.NewUnauthorizedError("login or share token required"))
		return
	}

	created, err := h.recordings.Request(c.Request.Context(), &domain.RecordingRequest{
		RequestedBy: userID,
		SourceID:    req.SourceID,
		Reason:      req.Reason,
		Duration:    time.Duration(req.DurationMinutes) * time.Minute,
	}, req.ShareToken)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": created})
}

func (h *ChatHandler) UpdateRecordingRequest(c *gin.Context) {
	var req UpdateRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("status is required"))
		return
	}
	userID, _ := middleware.UserID(c)
	updated, err := h.recordings.UpdateStatus(c.Request.Context(), domain.RequestID(c.Param("id")), req.Status, userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": updated})
}

func (h *ChatHandler) ListRecordingRequests(c *gin.Context) {
	reqs, err := h.recordings.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}
