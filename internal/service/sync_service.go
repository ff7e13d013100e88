package service

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/wingsfly/academy-sync/internal/engine"
	"github.com/wingsfly/academy-sync/internal/models"
	"github.com/wingsfly/academy-sync/internal/store"
	appErrors "github.com/wingsfly/academy-sync/pkg/errors"
)

// SyncService is the use-case layer between the admin surface and the
// replication engine.
type SyncService struct {
	engine    *engine.Engine
	store     *store.Store
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSyncService constructs a SyncService instance.
func NewSyncService(eng *engine.Engine, st *store.Store, validate *validator.Validate, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &SyncService{engine: eng, store: st, validator: validate, logger: logger}
}

// Status reports the engine state plus per-collection record counts.
type SyncStatus struct {
	engine.Status
	Counts map[models.Collection]int `json:"counts"`
}

// Status snapshots the engine and the local dataset.
func (s *SyncService) Status() SyncStatus {
	return SyncStatus{
		Status: s.engine.Status(),
		Counts: s.store.Counts(),
	}
}

// TriggerPush validates the request and pushes immediately, bypassing the
// debounce.
func (s *SyncService) TriggerPush(ctx context.Context, req models.PushRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid push payload")
	}
	return s.engine.PushNow(ctx, req.Reason, actionKind(req.Kind))
}

// TriggerPull forces or requests a reconciliation with the remote state.
func (s *SyncService) TriggerPull(ctx context.Context, forced bool) error {
	return s.engine.Pull(ctx, forced)
}

// SetOnline flips connectivity on behalf of the UI.
func (s *SyncService) SetOnline(online bool) {
	s.engine.SetOnline(online)
}

// GetCollection returns the records of a known collection.
func (s *SyncService) GetCollection(name string) ([]models.Record, error) {
	collection := models.Collection(name)
	if !collection.Known() {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("unknown collection %q", name))
	}
	return s.store.Collection(collection), nil
}

// UpdateCollection replaces a collection's content. The store observer
// schedules the replication push.
func (s *SyncService) UpdateCollection(name string, req models.UpdateCollectionRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid collection payload")
	}
	collection := models.Collection(name)
	if !collection.Known() {
		return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("unknown collection %q", name))
	}
	return s.store.ReplaceCollection(collection, req.Records, req.Action, actionKind(req.Kind))
}

// MarkDirty flags a collection for replication without new content. The
// store observer schedules the push like any other mutation.
func (s *SyncService) MarkDirty(req models.MarkDirtyRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid dirty payload")
	}
	collection := models.Collection(req.Collection)
	if !collection.Known() {
		return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("unknown collection %q", req.Collection))
	}
	s.store.MarkDirty(collection, req.Action, actionKind(req.Kind))
	return nil
}

// Dirty lists collections awaiting replication.
func (s *SyncService) Dirty() []models.Collection {
	return s.store.Dirty()
}

func actionKind(raw string) models.ActionKind {
	switch kind := models.ActionKind(raw); kind {
	case models.ActionCreate, models.ActionUpdate, models.ActionDelete,
		models.ActionRestore, models.ActionSync, models.ActionFactoryReset:
		return kind
	default:
		return models.ActionUpdate
	}
}
