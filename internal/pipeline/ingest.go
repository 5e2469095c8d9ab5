package pipeline

import (
	"context"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/almapipo/internal/domain/model"
	"github.com/tigerroll/almapipo/internal/support/logger"
)

// SetEnumerator lists the member identifier chains of a remote set.
// *client.AlmaClient satisfies it.
type SetEnumerator interface {
	RetrieveSetMemberIDs(ctx context.Context, setID string) ([]string, error)
}

// ImportRows copies the parsed source rows into the ledger, correlated to
// the run, so every input line of the invocation stays auditable. Failed
// writes are counted and aggregated, they do not stop the import.
func (r *Runner) ImportRows(ctx context.Context, run model.JobRun, rows []model.SourceRow) (int, error) {
	var errs *multierror.Error
	lost := 0
	for _, row := range rows {
		if err := r.ledger.SaveSourceRow(ctx, run, row); err != nil {
			logger.Errorf("Source row import lost for %s: %v", row.CompoundID(), err)
			r.metrics.RecordAuditLoss()
			errs = multierror.Append(errs, err)
			lost++
		}
	}
	r.metrics.RecordRowsRead(len(rows))
	logger.Infof("Imported %d of %d source row(s) for run %s.", len(rows)-lost, len(rows), run.ID)
	return len(rows) - lost, errs.ErrorOrNil()
}

// RunForSet enumerates the members of a remote set and processes them like
// file-sourced work items. Member chains come back comma-joined from the set
// API and are split at this boundary. Set flows carry no per-row edit
// columns; a shared transform comes in through params.
func (r *Runner) RunForSet(ctx context.Context, run model.JobRun, sets SetEnumerator, setID string, params Params) (Summary, error) {
	chains, err := sets.RetrieveSetMemberIDs(ctx, setID)
	if err != nil {
		return Summary{}, err
	}

	items := make([]model.WorkItem, 0, len(chains))
	for _, chain := range chains {
		items = append(items, model.WorkItem{Identifiers: strings.Split(chain, ",")})
	}
	return r.Run(ctx, run, items, params)
}
