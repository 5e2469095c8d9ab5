package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/almapipo/internal/domain/model"
	"github.com/tigerroll/almapipo/internal/pipeline"
	"github.com/tigerroll/almapipo/internal/repository"
)

// fakeClient scripts per-identifier fetch responses and records every submit.
type fakeClient struct {
	mu sync.Mutex

	fetchStatus map[string]int
	fetchBody   map[string]string
	fetchErr    map[string]error

	submitStatus int
	submitErr    error

	fetched   []string
	submitted map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		fetchStatus:  map[string]int{},
		fetchBody:    map[string]string{},
		fetchErr:     map[string]error{},
		submitStatus: http.StatusOK,
		submitted:    map[string]string{},
	}
}

func (c *fakeClient) key(chain []string) string { return strings.Join(chain, ",") }

func (c *fakeClient) Fetch(_ context.Context, chain []string, _, _ string) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.key(chain)
	c.fetched = append(c.fetched, id)
	if err := c.fetchErr[id]; err != nil {
		return 0, nil, err
	}
	status, ok := c.fetchStatus[id]
	if !ok {
		status = http.StatusOK
	}
	return status, []byte(c.fetchBody[id]), nil
}

func (c *fakeClient) Submit(_ context.Context, _ model.Verb, chain []string, _, _ string, body []byte) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return 0, nil, c.submitErr
	}
	c.submitted[c.key(chain)] = string(body)
	return c.submitStatus, []byte("<response/>"), nil
}

// fakeLedger keeps the last status per (identifier, verb) in memory.
type fakeLedger struct {
	mu sync.Mutex

	upsertErr error
	rows      map[string]model.AttemptStatus
	archives  []repository.ArchiveKind
	sources   []model.SourceRow
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]model.AttemptStatus{}}
}

func (l *fakeLedger) SaveJobRun(context.Context, model.JobRun) error { return nil }

func (l *fakeLedger) Upsert(_ context.Context, _ model.JobRun, id string, verb model.Verb, status model.AttemptStatus, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.upsertErr != nil {
		return l.upsertErr
	}
	l.rows[fmt.Sprintf("%s|%s", id, verb)] = status
	return nil
}

func (l *fakeLedger) SuccessRate(_ context.Context, _ model.JobRun, verb model.Verb) (int64, int64, float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var success, total int64
	for key, status := range l.rows {
		if !strings.HasSuffix(key, "|"+verb.String()) {
			continue
		}
		total++
		if status == model.StatusSuccess {
			success++
		}
	}
	var ratio float64
	if total > 0 {
		ratio = float64(success) / float64(total)
	}
	return success, total, ratio, nil
}

func (l *fakeLedger) CountByStatus(_ context.Context, _ model.JobRun, verb model.Verb) (map[model.AttemptStatus]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := map[model.AttemptStatus]int64{}
	for key, status := range l.rows {
		if strings.HasSuffix(key, "|"+verb.String()) {
			counts[status]++
		}
	}
	return counts, nil
}

func (l *fakeLedger) ArchiveRecord(_ context.Context, _ model.JobRun, _ string, kind repository.ArchiveKind, _ []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.archives = append(l.archives, kind)
	return nil
}

func (l *fakeLedger) SaveSourceRow(_ context.Context, _ model.JobRun, row model.SourceRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = append(l.sources, row)
	return nil
}

func (l *fakeLedger) Close() error { return nil }

func (l *fakeLedger) status(id string, verb model.Verb) model.AttemptStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows[fmt.Sprintf("%s|%s", id, verb)]
}

func item(ids ...string) model.WorkItem {
	return model.WorkItem{Identifiers: ids}
}

func TestRunPutAppliesEditAndRecordsSuccess(t *testing.T) {
	c := newFakeClient()
	c.fetchBody["991,231"] = "<item><note>old</note></item>"
	ledger := newFakeLedger()
	runner := pipeline.NewRunner(c, ledger, nil)

	items := []model.WorkItem{{
		Identifiers: []string{"991", "231"},
		Edit:        &model.EditInstruction{Path: "item/note", Value: "new", Mode: model.ModeReplace},
	}}

	summary, err := runner.Run(context.Background(), model.NewJobRun(), items, pipeline.Params{
		Scope:      "bibs",
		RecordType: "items",
		Verb:       model.VerbPut,
		Workers:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Zero(t, summary.Failed)

	assert.Equal(t, model.StatusSuccess, ledger.status("991,231", model.VerbGet))
	assert.Equal(t, model.StatusSuccess, ledger.status("991,231", model.VerbPut))
	assert.Contains(t, c.submitted["991,231"], "<note>new</note>")
}

func TestRunIsolatesFailedFetch(t *testing.T) {
	c := newFakeClient()
	c.fetchBody["991"] = "<bib/>"
	c.fetchStatus["992"] = http.StatusNotFound
	ledger := newFakeLedger()
	runner := pipeline.NewRunner(c, ledger, nil)

	items := []model.WorkItem{item("991"), item("992")}
	summary, err := runner.Run(context.Background(), model.NewJobRun(), items, pipeline.Params{
		Scope:      "bibs",
		RecordType: "bibs",
		Verb:       model.VerbPut,
		Workers:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	// The failed fetch never reaches the write leg.
	assert.Equal(t, model.StatusFailure, ledger.status("992", model.VerbGet))
	assert.Empty(t, ledger.status("992", model.VerbPut))
	assert.NotContains(t, c.submitted, "992")

	assert.Equal(t, model.StatusSuccess, ledger.status("991", model.VerbPut))
}

func TestRunGetOnlyNeverSubmits(t *testing.T) {
	c := newFakeClient()
	c.fetchBody["991"] = "<bib/>"
	ledger := newFakeLedger()
	runner := pipeline.NewRunner(c, ledger, nil)

	summary, err := runner.Run(context.Background(), model.NewJobRun(), []model.WorkItem{item("991")}, pipeline.Params{
		Scope:      "bibs",
		RecordType: "bibs",
		Verb:       model.VerbGet,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Empty(t, c.submitted)
	assert.Equal(t, model.StatusSuccess, ledger.status("991", model.VerbGet))
}

func TestRunDelete(t *testing.T) {
	c := newFakeClient()
	c.fetchBody["991"] = "<bib/>"
	c.submitStatus = http.StatusNoContent
	ledger := newFakeLedger()
	runner := pipeline.NewRunner(c, ledger, nil)

	summary, err := runner.Run(context.Background(), model.NewJobRun(), []model.WorkItem{item("991")}, pipeline.Params{
		Scope:      "bibs",
		RecordType: "bibs",
		Verb:       model.VerbDelete,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, model.StatusSuccess, ledger.status("991", model.VerbDelete))
}

func TestRunRejectsInvalidVerb(t *testing.T) {
	runner := pipeline.NewRunner(newFakeClient(), newFakeLedger(), nil)

	_, err := runner.Run(context.Background(), model.NewJobRun(), nil, pipeline.Params{Verb: model.Verb("PATCH")})
	assert.Error(t, err)
}

func TestRunMarksInvalidItemFailed(t *testing.T) {
	ledger := newFakeLedger()
	runner := pipeline.NewRunner(newFakeClient(), ledger, nil)

	summary, err := runner.Run(context.Background(), model.NewJobRun(), []model.WorkItem{{}}, pipeline.Params{
		Scope:      "bibs",
		RecordType: "bibs",
		Verb:       model.VerbGet,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunSurvivesLostAuditWrites(t *testing.T) {
	c := newFakeClient()
	c.fetchBody["991"] = "<bib/>"
	ledger := newFakeLedger()
	ledger.upsertErr = errors.New("disk full")
	runner := pipeline.NewRunner(c, ledger, nil)

	summary, err := runner.Run(context.Background(), model.NewJobRun(), []model.WorkItem{item("991")}, pipeline.Params{
		Scope:      "bibs",
		RecordType: "bibs",
		Verb:       model.VerbGet,
	})
	// The attempt itself went through; the loss surfaces in the error and
	// the summary so the exit code can reflect it.
	require.Error(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.AuditLosses)
}

func TestRunFansOutAllItems(t *testing.T) {
	c := newFakeClient()
	ledger := newFakeLedger()
	runner := pipeline.NewRunner(c, ledger, nil)

	var items []model.WorkItem
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("99%04d", i)
		c.fetchBody[id] = "<bib/>"
		items = append(items, item(id))
	}

	summary, err := runner.Run(context.Background(), model.NewJobRun(), items, pipeline.Params{
		Scope:      "bibs",
		RecordType: "bibs",
		Verb:       model.VerbGet,
		Workers:    8,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, summary.Processed)
	assert.Equal(t, 50, summary.Succeeded)
	assert.Len(t, c.fetched, 50)
}

func TestRunArchivesRecords(t *testing.T) {
	c := newFakeClient()
	c.fetchBody["991"] = "<bib><title>t</title></bib>"
	ledger := newFakeLedger()
	runner := pipeline.NewRunner(c, ledger, nil)

	_, err := runner.Run(context.Background(), model.NewJobRun(), []model.WorkItem{item("991")}, pipeline.Params{
		Scope:      "bibs",
		RecordType: "bibs",
		Verb:       model.VerbPut,
		Archive:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, []repository.ArchiveKind{
		repository.ArchiveFetched,
		repository.ArchiveSent,
		repository.ArchiveResponse,
	}, ledger.archives)
}

func TestImportRows(t *testing.T) {
	ledger := newFakeLedger()
	runner := pipeline.NewRunner(newFakeClient(), ledger, nil)

	rows := []model.SourceRow{
		{Kinds: []string{"bibs"}, Values: []string{"991"}},
		{Kinds: []string{"bibs"}, Values: []string{"992"}},
	}
	imported, err := runner.ImportRows(context.Background(), model.NewJobRun(), rows)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)
	assert.Len(t, ledger.sources, 2)
}

// fakeSets is a canned SetEnumerator.
type fakeSets struct {
	chains []string
	err    error
}

func (s *fakeSets) RetrieveSetMemberIDs(context.Context, string) ([]string, error) {
	return s.chains, s.err
}

func TestRunForSet(t *testing.T) {
	c := newFakeClient()
	c.fetchBody["991,221,231"] = "<item/>"
	c.fetchBody["992,222,232"] = "<item/>"
	ledger := newFakeLedger()
	runner := pipeline.NewRunner(c, ledger, nil)

	sets := &fakeSets{chains: []string{"991,221,231", "992,222,232"}}
	summary, err := runner.RunForSet(context.Background(), model.NewJobRun(), sets, "set1", pipeline.Params{
		Scope:      "bibs",
		RecordType: "items",
		Verb:       model.VerbGet,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestRunForSetPropagatesEnumerationError(t *testing.T) {
	runner := pipeline.NewRunner(newFakeClient(), newFakeLedger(), nil)

	_, err := runner.RunForSet(context.Background(), model.NewJobRun(), &fakeSets{err: errors.New("boom")}, "set1", pipeline.Params{
		Verb: model.VerbGet,
	})
	assert.Error(t, err)
}

func TestReporter(t *testing.T) {
	ledger := newFakeLedger()
	run := model.NewJobRun()
	ctx := context.Background()
	require.NoError(t, ledger.Upsert(ctx, run, "991", model.VerbPut, model.StatusSuccess, ""))
	require.NoError(t, ledger.Upsert(ctx, run, "992", model.VerbPut, model.StatusFailure, ""))

	report, err := pipeline.NewReporter(ledger).Report(ctx, run, model.VerbPut)
	require.NoError(t, err)
	assert.Contains(t, report, "1 of 2")
	assert.Contains(t, report, "1 failed")
}

func TestReporterWithoutAttempts(t *testing.T) {
	report, err := pipeline.NewReporter(newFakeLedger()).Report(context.Background(), model.NewJobRun(), model.VerbDelete)
	require.NoError(t, err)
	assert.Contains(t, report, "no DELETE attempts")
}
