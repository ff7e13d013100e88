package service

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wingsfly/academy-sync/internal/models"
	"github.com/wingsfly/academy-sync/internal/store"
	"github.com/wingsfly/academy-sync/pkg/config"
	appErrors "github.com/wingsfly/academy-sync/pkg/errors"
	"github.com/wingsfly/academy-sync/pkg/jobs"
)

type backupRepository interface {
	Save(ctx context.Context, backup *models.DailyBackup) error
	List(ctx context.Context, recordID string) ([]models.DailyBackup, error)
	Find(ctx context.Context, id string) (*models.DailyBackup, error)
	Prune(ctx context.Context, recordID string, before time.Time) (int64, error)
}

type backupCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const (
	jobDailyBackup = "daily_backup"

	backupListCacheTTL = 30 * time.Second
)

// BackupService runs the daily snapshot schedule and serves the restore
// surface. Emergency snapshots from the engine land here too.
type BackupService struct {
	repo   backupRepository
	store  *store.Store
	cache  backupCache
	cfg    config.BackupConfig
	record string
	logger *zap.Logger

	queue  *jobs.Queue
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewBackupService constructs a BackupService instance.
func NewBackupService(repo backupRepository, st *store.Store, cache backupCache, cfg config.BackupConfig, recordID string, logger *zap.Logger) *BackupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &BackupService{
		repo:   repo,
		store:  st,
		cache:  cache,
		cfg:    cfg,
		record: recordID,
		logger: logger,
	}
	s.queue = jobs.NewQueue("backups", s.handleJob, jobs.QueueConfig{
		Workers:    1,
		MaxRetries: 2,
		RetryDelay: time.Minute,
		Logger:     logger,
	})
	return s
}

// Start launches the worker queue and the daily scheduler.
func (s *BackupService) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("backups disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.queue.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.schedule(ctx)
	}()
}

// Stop shuts down the scheduler and drains the queue.
func (s *BackupService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.queue.Stop()
}

func (s *BackupService) schedule(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.enqueueIfDue()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueIfDue()
		}
	}
}

func (s *BackupService) enqueueIfDue() {
	today := time.Now().UTC().Format("2006-01-02")
	if s.store.LastBackupDate() == today {
		return
	}
	if err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: jobDailyBackup}); err != nil {
		s.logger.Warn("failed to enqueue daily backup", zap.Error(err))
	}
}

func (s *BackupService) handleJob(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case jobDailyBackup:
		return s.runDaily(ctx)
	default:
		s.logger.Warn("unknown backup job", zap.String("type", job.Type))
		return nil
	}
}

func (s *BackupService) runDaily(ctx context.Context) error {
	today := time.Now().UTC().Format("2006-01-02")
	if s.store.LastBackupDate() == today {
		return nil
	}

	backup := &models.DailyBackup{
		RecordID:   s.record,
		BackupDate: today,
		Data:       s.store.Snapshot(),
		Version:    s.store.Version(),
		Reason:     models.BackupReasonDaily,
	}
	if err := s.repo.Save(ctx, backup); err != nil {
		return err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	pruned, err := s.repo.Prune(ctx, s.record, cutoff)
	if err != nil {
		s.logger.Warn("backup prune failed", zap.Error(err))
	} else if pruned > 0 {
		s.logger.Info("pruned old backups", zap.Int64("count", pruned))
	}

	if err := s.store.SetLastBackupDate(today); err != nil {
		return err
	}
	s.logger.Info("daily backup saved", zap.String("date", today), zap.Int64("version", backup.Version))
	return nil
}

// SaveEmergency snapshots the local dataset before a suspicious adopt.
func (s *BackupService) SaveEmergency(ctx context.Context, data models.Snapshot, version int64) error {
	backup := &models.DailyBackup{
		RecordID:   s.record,
		BackupDate: time.Now().UTC().Format("2006-01-02"),
		Data:       data,
		Version:    version,
		Reason:     models.BackupReasonEmergency,
	}
	return s.repo.Save(ctx, backup)
}

// List returns backup headers, cached briefly to spare the database.
func (s *BackupService) List(ctx context.Context) ([]models.DailyBackup, error) {
	cacheKey := "backups:" + s.record
	if s.cache != nil {
		var cached []models.DailyBackup
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	backups, err := s.repo.List(ctx, s.record)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, backups, backupListCacheTTL); err != nil {
			s.logger.Debug("backup list cache write failed", zap.Error(err))
		}
	}
	return backups, nil
}

// Restore loads a backup into the local store collection by collection.
// Each replace registers as a local mutation, so the restored dataset
// replicates back out through the normal push pipeline.
func (s *BackupService) Restore(ctx context.Context, id string) error {
	backup, err := s.repo.Find(ctx, id)
	if err != nil {
		return err
	}
	if backup == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "backup not found")
	}

	for _, name := range models.Collections {
		records, ok := backup.Data[name]
		if !ok {
			continue
		}
		if err := s.store.ReplaceCollection(name, records, "backup restore "+backup.BackupDate, models.ActionRestore); err != nil {
			return err
		}
	}
	s.logger.Info("backup restored", zap.String("backup_id", id), zap.String("date", backup.BackupDate))
	return nil
}
