package pipeline

import (
	"context"
	"fmt"

	"github.com/tigerroll/almapipo/internal/domain/model"
	"github.com/tigerroll/almapipo/internal/repository"
)

// Reporter summarizes the ledger rows of a finished run.
type Reporter struct {
	ledger repository.Ledger
}

// NewReporter wraps the ledger for reporting.
func NewReporter(ledger repository.Ledger) *Reporter {
	return &Reporter{ledger: ledger}
}

// Report renders a human-readable success summary for one verb of the run.
// Identifiers never attempted for the verb have no ledger row and are absent
// from both counts; zero attempts yields an explicit "no attempts" line
// instead of a division by zero.
func (r *Reporter) Report(ctx context.Context, run model.JobRun, verb model.Verb) (string, error) {
	success, total, ratio, err := r.ledger.SuccessRate(ctx, run, verb)
	if err != nil {
		return "", err
	}
	if total == 0 {
		return fmt.Sprintf("Run %s: no %s attempts recorded.", run.ID, verb), nil
	}

	counts, err := r.ledger.CountByStatus(ctx, run, verb)
	if err != nil {
		return "", err
	}

	line := fmt.Sprintf("Run %s: %d of %d %s attempt(s) succeeded (%.1f%%).",
		run.ID, success, total, verb, ratio*100)
	if failed := counts[model.StatusFailure]; failed > 0 {
		line += fmt.Sprintf(" %d failed.", failed)
	}
	if pending := counts[model.StatusPending]; pending > 0 {
		line += fmt.Sprintf(" %d still pending.", pending)
	}
	return line, nil
}
