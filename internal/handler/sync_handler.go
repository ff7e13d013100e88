package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wingsfly/academy-sync/internal/models"
	"github.com/wingsfly/academy-sync/internal/service"
	appErrors "github.com/wingsfly/academy-sync/pkg/errors"
	"github.com/wingsfly/academy-sync/pkg/response"
)

type syncService interface {
	Status() service.SyncStatus
	TriggerPush(ctx context.Context, req models.PushRequest) error
	TriggerPull(ctx context.Context, forced bool) error
	SetOnline(online bool)
	MarkDirty(req models.MarkDirtyRequest) error
	GetCollection(name string) ([]models.Record, error)
	UpdateCollection(name string, req models.UpdateCollectionRequest) error
	Dirty() []models.Collection
}

// SyncHandler exposes the replication control surface used by the UI.
type SyncHandler struct {
	sync syncService
}

// NewSyncHandler constructs SyncHandler.
func NewSyncHandler(sync syncService) *SyncHandler {
	return &SyncHandler{sync: sync}
}

// Status returns the engine state and per-collection counts.
func (h *SyncHandler) Status(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.sync.Status())
}

// Push triggers an immediate replication of local changes.
func (h *SyncHandler) Push(c *gin.Context) {
	var req models.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	if err := h.sync.TriggerPush(c.Request.Context(), req); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.sync.Status())
}

// Pull reconciles with the remote state. `forced` skips the grace window.
func (h *SyncHandler) Pull(c *gin.Context) {
	var req models.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	if err := h.sync.TriggerPull(c.Request.Context(), req.Forced); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.sync.Status())
}

// Online flips the engine connectivity state.
func (h *SyncHandler) Online(c *gin.Context) {
	var req models.OnlineRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "online flag is required"))
		return
	}

	h.sync.SetOnline(*req.Online)
	response.JSON(c, http.StatusOK, h.sync.Status())
}

// Dirty lists collections awaiting replication.
func (h *SyncHandler) Dirty(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.sync.Dirty())
}

// MarkDirty flags a collection so the next push replicates it.
func (h *SyncHandler) MarkDirty(c *gin.Context) {
	var req models.MarkDirtyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	if err := h.sync.MarkDirty(req); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"dirty": h.sync.Dirty()})
}

// GetCollection returns one collection's records.
func (h *SyncHandler) GetCollection(c *gin.Context) {
	records, err := h.sync.GetCollection(c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records)
}

// UpdateCollection replaces a collection. The engine replicates the change
// after the debounce settles.
func (h *SyncHandler) UpdateCollection(c *gin.Context) {
	var req models.UpdateCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request body"))
		return
	}

	if err := h.sync.UpdateCollection(c.Param("name"), req); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"dirty": h.sync.Dirty()})
}
