package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wingsfly/academy-sync/internal/models"
	"github.com/wingsfly/academy-sync/pkg/response"
)

type backupService interface {
	List(ctx context.Context) ([]models.DailyBackup, error)
	Restore(ctx context.Context, id string) error
}

// BackupHandler exposes the snapshot listing and restore surface.
type BackupHandler struct {
	backups backupService
}

// NewBackupHandler constructs BackupHandler.
func NewBackupHandler(backups backupService) *BackupHandler {
	return &BackupHandler{backups: backups}
}

// List returns backup headers, newest first.
func (h *BackupHandler) List(c *gin.Context) {
	backups, err := h.backups.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, backups)
}

// Restore loads a backup into the local dataset and replicates it out.
func (h *BackupHandler) Restore(c *gin.Context) {
	if err := h.backups.Restore(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
