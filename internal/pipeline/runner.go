// Package pipeline implements the batch orchestrator: it drives the
// fetch-manipulate-update cycle for every work item over a bounded worker
// pool, records each attempt in the ledger and isolates per-record failures
// from the rest of the run.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/almapipo/internal/client"
	"github.com/tigerroll/almapipo/internal/domain/model"
	"github.com/tigerroll/almapipo/internal/metrics"
	"github.com/tigerroll/almapipo/internal/repository"
	"github.com/tigerroll/almapipo/internal/support/exception"
	"github.com/tigerroll/almapipo/internal/support/logger"
	"github.com/tigerroll/almapipo/internal/xmlmod"
)

const moduleName = "pipeline"

// Transform mutates the fetched record body before it is sent back. It
// receives the compound identifier for log context. Returning an error marks
// the item failed without submitting anything.
type Transform func(id string, body []byte) ([]byte, error)

// Params describes one pipeline invocation: which API scope and record type
// the identifier chains address, which verb to perform, and how wide to fan
// out.
type Params struct {
	Scope      string
	RecordType string
	Verb       model.Verb
	// Transform is applied between fetch and submit for PUT/POST flows.
	// Nil with VerbPut sends the fetched body back unchanged.
	Transform Transform
	// Workers bounds the concurrent record cycles; 0 means NumCPU.
	Workers int
	// Archive enables storing the raw fetched/sent/response bodies.
	Archive bool
}

// Summary aggregates the outcome of one Run.
type Summary struct {
	Processed int
	Succeeded int
	Failed    int
	// AuditLosses counts ledger writes that failed. The run keeps going when
	// a write fails, but the caller must not exit zero with losses recorded.
	AuditLosses int
}

// Runner wires the transport, the ledger and the metric recorder into the
// per-record cycle.
type Runner struct {
	client  client.Client
	ledger  repository.Ledger
	metrics metrics.Recorder
}

// NewRunner assembles a Runner. A nil recorder falls back to NopRecorder.
func NewRunner(c client.Client, ledger repository.Ledger, rec metrics.Recorder) *Runner {
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	return &Runner{client: c, ledger: ledger, metrics: rec}
}

// Run processes every work item under the given parameters. Items are fanned
// out to a bounded pool; each failed item is recorded and skipped, it never
// aborts the run. The returned error aggregates audit-trail losses only;
// per-record API failures are ledger rows, not errors.
func (r *Runner) Run(ctx context.Context, run model.JobRun, items []model.WorkItem, params Params) (Summary, error) {
	if !params.Verb.IsValid() {
		return Summary{}, exception.NewBatchError(moduleName,
			fmt.Sprintf("verb %q is not supported", params.Verb), nil, false, false)
	}

	workers := params.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(items) && len(items) > 0 {
		workers = len(items)
	}
	logger.Infof("Starting run %s: %d item(s), verb %s, %d worker(s).",
		run.ID, len(items), params.Verb, workers)

	jobs := make(chan model.WorkItem, workers)
	results := make(chan itemResult, len(items))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				results <- r.processItem(ctx, run, item, params)
			}
		}()
	}

	for _, item := range items {
		jobs <- item
	}
	close(jobs)
	wg.Wait()
	close(results)

	var summary Summary
	var auditErrs *multierror.Error
	for res := range results {
		summary.Processed++
		if res.succeeded {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		if res.auditErr != nil {
			summary.AuditLosses++
			auditErrs = multierror.Append(auditErrs, res.auditErr)
		}
	}

	logger.Infof("Run %s finished: %d succeeded, %d failed, %d audit loss(es).",
		run.ID, summary.Succeeded, summary.Failed, summary.AuditLosses)
	return summary, auditErrs.ErrorOrNil()
}

// itemResult is the per-item outcome collected from the workers.
type itemResult struct {
	succeeded bool
	auditErr  error
}

// processItem runs the full cycle for one work item. Any failure resolves
// the item's ledger rows to failure and returns; it never panics the worker.
func (r *Runner) processItem(ctx context.Context, run model.JobRun, item model.WorkItem, params Params) itemResult {
	start := time.Now()
	defer func() {
		r.metrics.RecordAttemptDuration(params.Verb, time.Since(start))
	}()

	audit := &auditTracker{runner: r, run: run, id: item.CompoundID()}

	if !item.IsValid() {
		audit.upsert(ctx, params.Verb, model.StatusFailure, "empty identifier in chain")
		r.metrics.RecordAttempt(params.Verb, model.StatusFailure)
		return itemResult{succeeded: false, auditErr: audit.err()}
	}

	// Every flow starts with a fetch; GET is also a verb in its own right.
	audit.upsert(ctx, model.VerbGet, model.StatusPending, "")
	status, body, err := r.client.Fetch(ctx, item.Identifiers, params.Scope, params.RecordType)
	if err != nil {
		logger.Errorf("Fetching %s failed: %v", item.CompoundID(), err)
		audit.upsert(ctx, model.VerbGet, model.StatusFailure, exception.ExtractErrorMessage(err))
		r.metrics.RecordAttempt(model.VerbGet, model.StatusFailure)
		return itemResult{succeeded: false, auditErr: audit.err()}
	}
	if status != http.StatusOK {
		logger.Warnf("Fetching %s returned status %d.", item.CompoundID(), status)
		audit.upsert(ctx, model.VerbGet, model.StatusFailure, fmt.Sprintf("HTTP %d: %s", status, truncate(body)))
		r.metrics.RecordAttempt(model.VerbGet, model.StatusFailure)
		return itemResult{succeeded: false, auditErr: audit.err()}
	}

	audit.upsert(ctx, model.VerbGet, model.StatusSuccess, "")
	r.metrics.RecordAttempt(model.VerbGet, model.StatusSuccess)
	if params.Archive {
		audit.archive(ctx, repository.ArchiveFetched, body)
	}

	switch params.Verb {
	case model.VerbGet:
		return itemResult{succeeded: true, auditErr: audit.err()}
	case model.VerbDelete:
		return r.submitDelete(ctx, audit, item, params)
	case model.VerbPut, model.VerbPost:
		return r.submitWrite(ctx, audit, item, params, body)
	default:
		audit.upsert(ctx, params.Verb, model.StatusFailure, "unsupported verb")
		return itemResult{succeeded: false, auditErr: audit.err()}
	}
}

// submitDelete performs the DELETE leg after a successful fetch.
func (r *Runner) submitDelete(ctx context.Context, audit *auditTracker, item model.WorkItem, params Params) itemResult {
	audit.upsert(ctx, model.VerbDelete, model.StatusPending, "")

	status, respBody, err := r.client.Submit(ctx, model.VerbDelete, item.Identifiers, params.Scope, params.RecordType, nil)
	if err != nil {
		logger.Errorf("Deleting %s failed: %v", item.CompoundID(), err)
		audit.upsert(ctx, model.VerbDelete, model.StatusFailure, exception.ExtractErrorMessage(err))
		r.metrics.RecordAttempt(model.VerbDelete, model.StatusFailure)
		return itemResult{succeeded: false, auditErr: audit.err()}
	}
	if status < 200 || status > 299 {
		audit.upsert(ctx, model.VerbDelete, model.StatusFailure, fmt.Sprintf("HTTP %d: %s", status, truncate(respBody)))
		r.metrics.RecordAttempt(model.VerbDelete, model.StatusFailure)
		return itemResult{succeeded: false, auditErr: audit.err()}
	}

	audit.upsert(ctx, model.VerbDelete, model.StatusSuccess, "")
	r.metrics.RecordAttempt(model.VerbDelete, model.StatusSuccess)
	return itemResult{succeeded: true, auditErr: audit.err()}
}

// submitWrite performs the transform and the PUT/POST leg after a successful
// fetch.
func (r *Runner) submitWrite(ctx context.Context, audit *auditTracker, item model.WorkItem, params Params, body []byte) itemResult {
	verb := params.Verb
	audit.upsert(ctx, verb, model.StatusPending, "")

	out := body
	transform := params.Transform
	if transform == nil && item.Edit != nil {
		transform = EditTransform(*item.Edit)
	}
	if transform != nil {
		var err error
		out, err = transform(item.CompoundID(), body)
		if err != nil {
			logger.Errorf("Transforming %s failed: %v", item.CompoundID(), err)
			audit.upsert(ctx, verb, model.StatusFailure, exception.ExtractErrorMessage(err))
			r.metrics.RecordAttempt(verb, model.StatusFailure)
			return itemResult{succeeded: false, auditErr: audit.err()}
		}
	}

	if params.Archive {
		audit.archive(ctx, repository.ArchiveSent, out)
	}

	status, respBody, err := r.client.Submit(ctx, verb, item.Identifiers, params.Scope, params.RecordType, out)
	if err != nil {
		logger.Errorf("Submitting %s for %s failed: %v", verb, item.CompoundID(), err)
		audit.upsert(ctx, verb, model.StatusFailure, exception.ExtractErrorMessage(err))
		r.metrics.RecordAttempt(verb, model.StatusFailure)
		return itemResult{succeeded: false, auditErr: audit.err()}
	}
	if params.Archive {
		audit.archive(ctx, repository.ArchiveResponse, respBody)
	}
	if status < 200 || status > 299 {
		audit.upsert(ctx, verb, model.StatusFailure, fmt.Sprintf("HTTP %d: %s", status, truncate(respBody)))
		r.metrics.RecordAttempt(verb, model.StatusFailure)
		return itemResult{succeeded: false, auditErr: audit.err()}
	}

	audit.upsert(ctx, verb, model.StatusSuccess, "")
	r.metrics.RecordAttempt(verb, model.StatusSuccess)
	return itemResult{succeeded: true, auditErr: audit.err()}
}

// EditTransform wraps one EditInstruction into a Transform that parses the
// record, applies the path mutation and serializes it back.
func EditTransform(edit model.EditInstruction) Transform {
	return func(id string, body []byte) ([]byte, error) {
		doc, err := xmlmod.Parse(body)
		if err != nil {
			return nil, err
		}
		if err := xmlmod.Update(doc, edit.Path, edit.Value, edit.Mode); err != nil {
			return nil, err
		}
		return xmlmod.Serialize(doc)
	}
}

// auditTracker funnels all ledger writes of one item and collects write
// failures. A lost audit write is logged and counted but never interrupts
// the record cycle; the accumulated error surfaces in the run summary.
type auditTracker struct {
	runner *Runner
	run    model.JobRun
	id     string
	errs   *multierror.Error
}

func (a *auditTracker) upsert(ctx context.Context, verb model.Verb, status model.AttemptStatus, detail string) {
	if err := a.runner.ledger.Upsert(ctx, a.run, a.id, verb, status, detail); err != nil {
		logger.Errorf("Ledger write lost for %s (%s -> %s): %v", a.id, verb, status, err)
		a.runner.metrics.RecordAuditLoss()
		a.errs = multierror.Append(a.errs, err)
	}
}

func (a *auditTracker) archive(ctx context.Context, kind repository.ArchiveKind, record []byte) {
	if err := a.runner.ledger.ArchiveRecord(ctx, a.run, a.id, kind, record); err != nil {
		logger.Errorf("Archive write lost for %s (%s): %v", a.id, kind, err)
		a.runner.metrics.RecordAuditLoss()
		a.errs = multierror.Append(a.errs, err)
	}
}

func (a *auditTracker) err() error {
	return a.errs.ErrorOrNil()
}

// truncate caps response bodies stored in the ledger detail column.
func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
