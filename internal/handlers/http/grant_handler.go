package http

import (
	"net/http"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/pkg/clock"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

type GrantHandler struct {
	grants  ports.GrantService
	sources ports.SourceRegistry
	clock   clock.Clock
}

func NewGrantHandler(grants ports.GrantService, sources ports.SourceRegistry, clk clock.Clock) *GrantHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &GrantHandler{grants: grants, sources: sources, clock: clk}
}

func (h *GrantHandler) SetupRoutes(router *gin.Engine, requireAuth gin.HandlerFunc) {
	api := router.Group("/api/v1/grants", requireAuth)
	{
		api.POST("", h.CreateGrant)
		api.POST("/quick", h.CreateQuickLink)
		api.POST("/emergency", h.CreateEmergencyLink)
		api.GET("", h.ListActiveLinks)
		api.GET("/stats", h.Stats)
		api.DELETE("/:token", h.Revoke)
	}

	router.GET("/api/v1/share/:token", h.ShareInfo)
}

type CreateGrantRequest struct {
	Duration             string            `json:"duration" binding:"required"`
	AllowedSources       []domain.SourceID `json:"allowed_sources" binding:"required,min=1,max=50"`
	CanRecord            bool              `json:"can_record"`
	CanPTZ               bool              `json:"can_ptz"`
	MaxConcurrentViewers int               `json:"max_concurrent_viewers"`
	IsOneTime            bool              `json:"is_one_time"`
}

type PresetRequest struct {
	SourceID domain.SourceID `json:"source_id"`
	Duration string          `json:"duration"`
}

type RevokeRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

func (h *GrantHandler) CreateGrant(c *gin.Context) {
	var req CreateGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("duration and allowed_sources are required"))
		return
	}
	d, err := validation.ParseGrantDuration(req.Duration)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	userID, _ := middleware.UserID(c)
	grant, err := h.grants.CreateGrant(c.Request.Context(), userID, domain.GrantOptions{
		Duration:             d,
		AllowedSources:       req.AllowedSources,
		CanRecord:            req.CanRecord,
		CanPTZ:               req.CanPTZ,
		MaxConcurrentViewers: req.MaxConcurrentViewers,
		IsOneTime:            req.IsOneTime,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"grant": grant, "share_url": grant.ShareURL})
}

func (h *GrantHandler) CreateQuickLink(c *gin.Context) {
	req, d, ok := bindPreset(c)
	if !ok {
		return
	}
	if req.SourceID == "" {
		c.Error(errors.NewInvalidInputError("source_id is required"))
		return
	}
	userID, _ := middleware.UserID(c)
	grant, err := h.grants.CreateQuickSourceLink(c.Request.Context(), userID, req.SourceID, d)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"grant": grant, "share_url": grant.ShareURL})
}

func (h *GrantHandler) CreateEmergencyLink(c *gin.Context) {
	_, d, ok := bindPreset(c)
	if !ok {
		return
	}
	userID, _ := middleware.UserID(c)
	grant, err := h.grants.CreateEmergencyLink(c.Request.Context(), userID, d)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"grant": grant, "share_url": grant.ShareURL})
}

// bindPreset reads an optional preset body. A zero duration selects the
// preset's default.
func bindPreset(c *gin.Context) (PresetRequest, time.Duration, bool) {
	var req PresetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request body"))
			return req, 0, false
		}
	}
	if req.Duration == "" {
		return req, 0, true
	}
	d, err := validation.ParseGrantDuration(req.Duration)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return req, 0, false
	}
	return req, d, true
}

func (h *GrantHandler) ListActiveLinks(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	links, err := h.grants.ListActiveLinks(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links, "count": len(links)})
}

func (h *GrantHandler) Stats(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	stats, err := h.grants.Stats(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *GrantHandler) Revoke(c *gin.Context) {
	var req RevokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request body"))
			return
		}
	}
	userID, _ := middleware.UserID(c)
	if err := h.grants.Revoke(c.Request.Context(), c.Param("token"), userID, req.Reason); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type shareSource struct {
	ID   domain.SourceID `json:"id"`
	Name string          `json:"name"`
}

// ShareInfo is the public view of a grant shown on the guest page before
// any channel is opened.
func (h *GrantHandler) ShareInfo(c *gin.Context) {
	ctx := c.Request.Context()
	grant, err := h.grants.Lookup(ctx, c.Param("token"))
	if err != nil {
		c.Error(err)
		return
	}

	sources := make([]shareSource, 0, len(grant.AllowedSources))
	for _, id := range grant.AllowedSources {
		if src, err := h.sources.Get(ctx, id); err == nil {
			sources = append(sources, shareSource{ID: src.ID, Name: src.Name})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"state":                  grant.State(h.clock.Now()),
		"expires_at":             grant.ExpiresAt,
		"sources":                sources,
		"can_record":             grant.CanRecord,
		"can_ptz":                grant.CanPTZ,
		"is_one_time":            grant.IsOneTime,
		"max_concurrent_viewers": grant.MaxConcurrentViewers,
		"current_viewers":        grant.CurrentViewers,
	})
}
