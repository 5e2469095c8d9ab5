// Command almapipo runs batch operations against the Alma API: it reads
// identifier chains from a CSV/TSV file or an Alma set, performs one verb per
// record over a bounded worker pool and records every attempt in the ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "embed"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"go.uber.org/fx"

	"github.com/tigerroll/almapipo/internal/app"
	"github.com/tigerroll/almapipo/internal/client"
	"github.com/tigerroll/almapipo/internal/config"
	"github.com/tigerroll/almapipo/internal/domain/model"
	"github.com/tigerroll/almapipo/internal/input"
	"github.com/tigerroll/almapipo/internal/pipeline"
	"github.com/tigerroll/almapipo/internal/repository"
	"github.com/tigerroll/almapipo/internal/support/logger"
)

//go:embed resources/application.yaml
var embeddedConfig []byte

type cliFlags struct {
	file      string
	set       string
	verb      string
	scope     string
	record    string
	path      string
	value     string
	mode      string
	workers  int
	validate bool
	archive  bool
	envFile  string
}

func parseFlags() *cliFlags {
	f := &cliFlags{}
	flag.StringVar(&f.file, "file", "", "CSV/TSV file with identifier chains")
	flag.StringVar(&f.set, "set", "", "Alma set ID to enumerate instead of a file")
	flag.StringVar(&f.verb, "verb", "GET", "operation per record: GET, PUT, DELETE or POST")
	flag.StringVar(&f.scope, "api", "bibs", "API scope: bibs, electronic, users or acq")
	flag.StringVar(&f.record, "type", "bibs", "record type within the scope, e.g. items")
	flag.StringVar(&f.path, "path", "", "element path to mutate (overrides the file header)")
	flag.StringVar(&f.value, "value", "", "value for the element mutation")
	flag.StringVar(&f.mode, "mode", "replace", "mutation mode: replace, append or prepend")
	flag.IntVar(&f.workers, "workers", 0, "concurrent record cycles, 0 = number of CPUs")
	flag.BoolVar(&f.validate, "validate", false, "discard rows with invalid Alma IDs")
	flag.BoolVar(&f.archive, "archive", false, "store raw fetched/sent/response records")
	flag.StringVar(&f.envFile, "env", "", "optional dotenv file loaded before the config")
	flag.Parse()
	return f
}

func main() {
	flags := parseFlags()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warnf("Received signal %v, shutting down.", sig)
		cancel()
	}()

	os.Exit(run(ctx, flags))
}

// run drives one invocation and returns the process exit code. Per-record
// failures do not make the exit non-zero; lost audit writes and setup
// failures do.
func run(ctx context.Context, flags *cliFlags) int {
	verb, err := model.ParseVerb(flags.verb)
	if err != nil {
		logger.Errorf("Invalid verb: %v", err)
		return 2
	}
	mode, err := model.ParseMode(flags.mode)
	if err != nil {
		logger.Errorf("Invalid mode: %v", err)
		return 2
	}
	if flags.file == "" && flags.set == "" {
		logger.Errorf("Either -file or -set is required.")
		return 2
	}
	if flags.file != "" && flags.set != "" {
		logger.Errorf("-file and -set are mutually exclusive.")
		return 2
	}

	var (
		cfg      *config.Config
		runner   *pipeline.Runner
		reporter *pipeline.Reporter
		alma     *client.AlmaClient
		ledger   repository.Ledger
	)

	fxApp := fx.New(
		app.Module(app.Params{EnvFile: flags.envFile, EmbeddedConfig: embeddedConfig}),
		fx.Populate(&cfg, &runner, &reporter, &alma, &ledger),
	)
	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStart()
	if err := fxApp.Start(startCtx); err != nil {
		logger.Errorf("Startup failed: %v", err)
		return 1
	}
	defer func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelStop()
		if err := fxApp.Stop(stopCtx); err != nil {
			logger.Errorf("Shutdown failed: %v", err)
		}
	}()

	logger.SetLogLevel(cfg.Almapipo.System.Logging.Level)
	if flags.workers == 0 {
		flags.workers = cfg.Almapipo.Batch.Workers
	}

	run := model.NewJobRun()
	if err := ledger.SaveJobRun(ctx, run); err != nil {
		logger.Errorf("Could not register job run: %v", err)
		return 1
	}
	logger.Infof("Job run %s started at %s.", run.ID, run.StartedAt.Format(time.RFC3339))

	params := pipeline.Params{
		Scope:      flags.scope,
		RecordType: flags.record,
		Verb:       verb,
		Workers:    flags.workers,
		Archive:    flags.archive,
	}
	if flags.path != "" {
		params.Transform = pipeline.EditTransform(model.EditInstruction{
			Path:  flags.path,
			Value: flags.value,
			Mode:  mode,
		})
	}

	var summary pipeline.Summary
	var runErr error
	if flags.set != "" {
		summary, runErr = runner.RunForSet(ctx, run, alma, flags.set, params)
	} else {
		summary, runErr = runFromFile(ctx, cfg, runner, run, flags, mode, params)
	}
	if runErr != nil && summary.Processed == 0 {
		logger.Errorf("Run aborted: %v", runErr)
		return 1
	}

	report, err := reporter.Report(ctx, run, verb)
	if err != nil {
		logger.Errorf("Could not build the success report: %v", err)
	} else {
		fmt.Println(report)
	}

	// runErr here aggregates lost audit writes; the attempts themselves went
	// through, but the trail is incomplete and the exit code must say so.
	if runErr != nil || summary.AuditLosses > 0 {
		logger.Errorf("Run %s lost %d audit write(s).", run.ID, summary.AuditLosses)
		return 1
	}
	return 0
}

// runFromFile parses the identifier file, imports its rows into the ledger
// and fans the resulting work items out to the runner.
func runFromFile(ctx context.Context, cfg *config.Config, runner *pipeline.Runner, run model.JobRun, flags *cliFlags, mode model.Mode, params pipeline.Params) (pipeline.Summary, error) {
	source, err := input.OpenSource(flags.file, input.Options{
		RequireEdit: params.Verb == model.VerbPut && flags.path == "",
		ValidateIDs: flags.validate,
		IDSuffix:    cfg.Almapipo.Alma.IDSuffix,
	})
	if err != nil {
		if errors.Is(err, input.ErrMalformedInput) {
			logger.Errorf("Input file %s is malformed: %v", flags.file, err)
		}
		return pipeline.Summary{}, err
	}

	rows, err := source.ReadAll()
	if err != nil {
		return pipeline.Summary{}, err
	}

	imported, importErr := runner.ImportRows(ctx, run, rows)

	summary, runErr := runner.Run(ctx, run, input.WorkItems(rows, mode), params)
	if importErr != nil {
		summary.AuditLosses += len(rows) - imported
	}
	return summary, runErr
}
