// Package repository implements the durable attempt ledger: one row per
// (job run, identifier, verb) recording the outcome of every API attempt,
// plus archival tables for the raw records moved through the pipeline.
package repository

import (
	"context"
	"time"

	"github.com/tigerroll/almapipo/internal/domain/model"
)

// ArchiveKind distinguishes the raw-record archive rows.
type ArchiveKind string

const (
	// ArchiveFetched is the record body as retrieved via GET.
	ArchiveFetched ArchiveKind = "fetched"
	// ArchiveSent is the mutated body sent via PUT/POST.
	ArchiveSent ArchiveKind = "sent"
	// ArchiveResponse is the API response body of a PUT/POST.
	ArchiveResponse ArchiveKind = "response"
)

// Ledger is the audit store consumed by the orchestrator and reporter.
// Upsert must be safe for concurrent invocation from independent workers.
type Ledger interface {
	// SaveJobRun registers the run row all other rows correlate to.
	SaveJobRun(ctx context.Context, run model.JobRun) error

	// Upsert records the outcome of one verb for one identifier within the
	// run. At most one live row exists per (run, identifier, verb); a later
	// call with the same key updates the row in place.
	Upsert(ctx context.Context, run model.JobRun, identifier string, verb model.Verb, status model.AttemptStatus, detail string) error

	// SuccessRate returns how many attempts of the verb succeeded out of
	// all recorded attempts for the run. Identifiers never attempted for
	// the verb have no row and are absent from both counts. With zero
	// attempts the ratio is 0.
	SuccessRate(ctx context.Context, run model.JobRun, verb model.Verb) (success, total int64, ratio float64, err error)

	// CountByStatus returns the per-status breakdown for one verb of the
	// run, used by the success reporter's summary.
	CountByStatus(ctx context.Context, run model.JobRun, verb model.Verb) (map[model.AttemptStatus]int64, error)

	// ArchiveRecord stores one raw record body (fetched, sent or response)
	// for later analysis. The audit trail is permanent; purging is an
	// external concern.
	ArchiveRecord(ctx context.Context, run model.JobRun, identifier string, kind ArchiveKind, record []byte) error

	// SaveSourceRow imports one raw input line, correlated to the run.
	SaveSourceRow(ctx context.Context, run model.JobRun, row model.SourceRow) error

	// Close releases the underlying store connection.
	Close() error
}

// attemptRecordEntity is the persistence shape of model.AttemptRecord.
// The composite primary key carries the upsert invariant.
type attemptRecordEntity struct {
	JobRunID   string    `gorm:"column:job_run_id;primaryKey"`
	Almaid     string    `gorm:"column:almaid;primaryKey"`
	Verb       string    `gorm:"column:verb;primaryKey"`
	Status     string    `gorm:"column:status"`
	Detail     string    `gorm:"column:detail"`
	ObservedAt time.Time `gorm:"column:observed_at"`
}

func (attemptRecordEntity) TableName() string {
	return "attempt_records"
}

// jobRunEntity is the persistence shape of model.JobRun.
type jobRunEntity struct {
	ID        string    `gorm:"column:id;primaryKey"`
	StartedAt time.Time `gorm:"column:started_at"`
}

func (jobRunEntity) TableName() string {
	return "job_runs"
}

// recordArchiveEntity stores one raw record body.
type recordArchiveEntity struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	JobRunID  string    `gorm:"column:job_run_id"`
	Almaid    string    `gorm:"column:almaid"`
	Kind      string    `gorm:"column:kind"`
	Record    string    `gorm:"column:record"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (recordArchiveEntity) TableName() string {
	return "record_archive"
}

// sourceRowEntity stores one raw input line.
type sourceRowEntity struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	JobRunID  string    `gorm:"column:job_run_id"`
	Almaid    string    `gorm:"column:almaid"`
	EditPath  string    `gorm:"column:edit_path"`
	EditValue string    `gorm:"column:edit_value"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (sourceRowEntity) TableName() string {
	return "source_rows"
}
