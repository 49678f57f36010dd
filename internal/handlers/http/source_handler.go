package http

import (
	"net/http"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

type SourceHandler struct {
	sources ports.SourceRegistry
	relays  ports.RelaySupervisor
	counter interface {
		SubscriberCount(sourceID domain.SourceID) int
	}
}

func NewSourceHandler(sources ports.SourceRegistry, relays ports.RelaySupervisor, hub ports.BroadcastHub) *SourceHandler {
	return &SourceHandler{sources: sources, relays: relays, counter: hub}
}

func (h *SourceHandler) SetupRoutes(router *gin.Engine, requireAuth gin.HandlerFunc) {
	api := router.Group("/api/v1", requireAuth)
	{
		api.GET("/sources", h.ListSources)
		api.GET("/relays", middleware.RequireRole(domain.RoleOwner, domain.RoleAdmin), h.ListRelays)
	}
}

type sourceResponse struct {
	*domain.Source
	Viewers int `json:"viewers"`
}

func (h *SourceHandler) ListSources(c *gin.Context) {
	sources, err := h.sources.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, s := range sources {
		out = append(out, sourceResponse{Source: s, Viewers: h.counter.SubscriberCount(s.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

func (h *SourceHandler) ListRelays(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"relays": h.relays.Status()})
}
