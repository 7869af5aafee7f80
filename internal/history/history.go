// Package history keeps a local ledger of checkin runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Outcome is how a run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeRetained  Outcome = "retained"
	OutcomeAborted   Outcome = "aborted"
	OutcomeScripts   Outcome = "scripts"
)

// Record is one run of the agent.
type Record struct {
	StartedAt        time.Time `gorm:"index"`
	FinishedAt       time.Time
	RunID            string  `gorm:"uniqueIndex;size:36"`
	Mode             string  `gorm:"size:16"`
	RunType          string  `gorm:"size:32"`
	Outcome          Outcome `gorm:"index;size:16"`
	Error            string  `gorm:"type:text"`
	ID               uint    `gorm:"primaryKey"`
	CheckinStatus    int
	ScriptsFetched   int
	ScriptsRemoved   int
	ArtifactsPushed  int
	ArtifactFailures int
}

// TableName pins the table name.
func (Record) TableName() string {
	return "checkin_records"
}

// Ledger is the SQLite-backed run history.
type Ledger struct {
	db *gorm.DB
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record stores rec.
func (l *Ledger) Record(ctx context.Context, rec *Record) error {
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record run %s: %w", rec.RunID, err)
	}
	return nil
}

// LastCheckin returns when the server last accepted a report.
func (l *Ledger) LastCheckin(ctx context.Context) (time.Time, bool, error) {
	var rec Record
	err := l.db.WithContext(ctx).
		Where("outcome = ?", OutcomeSubmitted).
		Order("finished_at desc").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to query last checkin: %w", err)
	}
	return rec.FinishedAt, true, nil
}

// Recent returns up to limit records, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Record, error) {
	var recs []Record
	if err := l.db.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return recs, nil
}

// Prune deletes records started before cutoff.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("started_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
