package models

import "time"

// DailyBackup is a side-channel snapshot kept outside the live envelope row.
// One row per calendar day, pruned after the retention window.
type DailyBackup struct {
	ID         string    `db:"id" json:"id"`
	RecordID   string    `db:"record_id" json:"record_id"`
	BackupDate string    `db:"backup_date" json:"backup_date"`
	Data       Snapshot  `db:"data" json:"data"`
	Version    int64     `db:"version" json:"version"`
	Reason     string    `db:"reason" json:"reason"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Backup reasons. Daily snapshots come from the scheduler, emergency ones
// from the mass-loss guard during a pull.
const (
	BackupReasonDaily     = "daily"
	BackupReasonEmergency = "emergency"
	BackupReasonManual    = "manual"
)
