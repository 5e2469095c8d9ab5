package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tigerroll/almapipo/internal/domain/model"
	"github.com/tigerroll/almapipo/internal/support/exception"
)

const moduleName = "repository"

// GormLedger is the Ledger implementation backed by a GORM connection.
// All writes go through the shared *gorm.DB, which is safe for concurrent
// use by the worker pool.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger wraps an opened GORM connection.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// SaveJobRun implements Ledger.
func (l *GormLedger) SaveJobRun(ctx context.Context, run model.JobRun) error {
	entity := jobRunEntity{ID: run.ID, StartedAt: run.StartedAt}
	if err := l.db.WithContext(ctx).Create(&entity).Error; err != nil {
		return exception.NewBatchError(moduleName,
			fmt.Sprintf("failed to save job run %s", run.ID), err, false, false)
	}
	return nil
}

// Upsert implements Ledger. The composite primary key on
// (job_run_id, almaid, verb) makes a repeated attempt for the same verb
// update the existing row instead of inserting a second one.
func (l *GormLedger) Upsert(ctx context.Context, run model.JobRun, identifier string, verb model.Verb, status model.AttemptStatus, detail string) error {
	entity := attemptRecordEntity{
		JobRunID:   run.ID,
		Almaid:     identifier,
		Verb:       verb.String(),
		Status:     string(status),
		Detail:     detail,
		ObservedAt: time.Now(),
	}

	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "job_run_id"}, {Name: "almaid"}, {Name: "verb"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"status", "detail", "observed_at"}),
	}).Create(&entity).Error
	if err != nil {
		return exception.NewBatchError(moduleName,
			fmt.Sprintf("failed to upsert attempt %s %s for run %s", verb, identifier, run.ID), err, false, false)
	}
	return nil
}

// SuccessRate implements Ledger.
func (l *GormLedger) SuccessRate(ctx context.Context, run model.JobRun, verb model.Verb) (int64, int64, float64, error) {
	base := l.db.WithContext(ctx).Model(&attemptRecordEntity{}).
		Where("job_run_id = ? AND verb = ?", run.ID, verb.String())

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return 0, 0, 0, exception.NewBatchError(moduleName,
			fmt.Sprintf("failed to count attempts for run %s", run.ID), err, false, false)
	}

	var success int64
	if err := base.Session(&gorm.Session{}).
		Where("status = ?", string(model.StatusSuccess)).
		Count(&success).Error; err != nil {
		return 0, 0, 0, exception.NewBatchError(moduleName,
			fmt.Sprintf("failed to count successes for run %s", run.ID), err, false, false)
	}

	var ratio float64
	if total > 0 {
		ratio = float64(success) / float64(total)
	}
	return success, total, ratio, nil
}

// CountByStatus implements Ledger.
func (l *GormLedger) CountByStatus(ctx context.Context, run model.JobRun, verb model.Verb) (map[model.AttemptStatus]int64, error) {
	type row struct {
		Status string
		N      int64
	}

	var rows []row
	err := l.db.WithContext(ctx).Model(&attemptRecordEntity{}).
		Select("status, count(*) as n").
		Where("job_run_id = ? AND verb = ?", run.ID, verb.String()).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, exception.NewBatchError(moduleName,
			fmt.Sprintf("failed to group attempts for run %s", run.ID), err, false, false)
	}

	counts := make(map[model.AttemptStatus]int64, len(rows))
	for _, r := range rows {
		counts[model.AttemptStatus(r.Status)] = r.N
	}
	return counts, nil
}

// ArchiveRecord implements Ledger.
func (l *GormLedger) ArchiveRecord(ctx context.Context, run model.JobRun, identifier string, kind ArchiveKind, record []byte) error {
	entity := recordArchiveEntity{
		JobRunID:  run.ID,
		Almaid:    identifier,
		Kind:      string(kind),
		Record:    string(record),
		CreatedAt: time.Now(),
	}
	if err := l.db.WithContext(ctx).Create(&entity).Error; err != nil {
		return exception.NewBatchError(moduleName,
			fmt.Sprintf("failed to archive %s record for %s", kind, identifier), err, false, false)
	}
	return nil
}

// SaveSourceRow implements Ledger.
func (l *GormLedger) SaveSourceRow(ctx context.Context, run model.JobRun, row model.SourceRow) error {
	entity := sourceRowEntity{
		JobRunID:  run.ID,
		Almaid:    row.CompoundID(),
		EditPath:  row.EditPath,
		EditValue: row.EditValue,
		CreatedAt: time.Now(),
	}
	if err := l.db.WithContext(ctx).Create(&entity).Error; err != nil {
		return exception.NewBatchError(moduleName,
			fmt.Sprintf("failed to save source row %s", row.CompoundID()), err, false, false)
	}
	return nil
}

// Close implements Ledger.
func (l *GormLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return exception.NewBatchError(moduleName, "failed to resolve underlying sql.DB", err, false, false)
	}
	return sqlDB.Close()
}
