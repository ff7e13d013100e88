package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsfly/academy-sync/internal/models"
	appErrors "github.com/wingsfly/academy-sync/pkg/errors"
)

type backupServiceMock struct {
	backups    []models.DailyBackup
	listErr    error
	restoreErr error
	restored   []string
}

func (m *backupServiceMock) List(ctx context.Context) ([]models.DailyBackup, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.backups, nil
}

func (m *backupServiceMock) Restore(ctx context.Context, id string) error {
	m.restored = append(m.restored, id)
	return m.restoreErr
}

func TestBackupHandlerList(t *testing.T) {
	mock := &backupServiceMock{backups: []models.DailyBackup{
		{ID: "b1", RecordID: "academy_main", BackupDate: "2026-08-31", Version: 12, Reason: models.BackupReasonDaily, CreatedAt: time.Now()},
	}}
	h := NewBackupHandler(mock)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/backups", nil)
	c.Request = req

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data []models.DailyBackup `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, "b1", envelope.Data[0].ID)
}

func TestBackupHandlerRestore(t *testing.T) {
	mock := &backupServiceMock{}
	h := NewBackupHandler(mock)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/backups/b1/restore", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "b1"}}

	h.Restore(c)
	c.Writer.WriteHeaderNow()

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"b1"}, mock.restored)
}

func TestBackupHandlerRestoreMissing(t *testing.T) {
	mock := &backupServiceMock{restoreErr: appErrors.Clone(appErrors.ErrNotFound, "backup not found")}
	h := NewBackupHandler(mock)

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/backups/missing/restore", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "missing"}}

	h.Restore(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
