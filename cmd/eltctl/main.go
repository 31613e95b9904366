package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/app"
	"github.com/dvloznov/finance-elt/internal/config"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/objectstore"
	"github.com/dvloznov/finance-elt/internal/pipeline"
	"github.com/dvloznov/finance-elt/internal/scheduler"
	"github.com/dvloznov/finance-elt/internal/statestore"
	"github.com/dvloznov/finance-elt/internal/warehouse/memwh"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runRun(os.Args[2:]))
	case "retry":
		os.Exit(runRetry(os.Args[2:]))
	case "backfill":
		os.Exit(runBackfill(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "list":
		os.Exit(runList(os.Args[2:]))
	case "validate-config":
		os.Exit(runValidateConfig(os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Finance ELT CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  eltctl <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  run              Run the pipeline for one logical date")
	fmt.Println("  retry            Resume the latest failed run of a logical date")
	fmt.Println("  backfill         Run the pipeline for a range of logical dates")
	fmt.Println("  status           Show the latest run of a logical date and its steps")
	fmt.Println("  list             List recent runs")
	fmt.Println("  validate-config  Check the environment and pipeline definition")
	fmt.Println("  help             Show this help message")
	fmt.Println("\nConfiguration is read from the environment, see internal/config.")
	fmt.Println("Run 'eltctl <command> -h' for more information on a command.")
}

// setup loads configuration and wires the pipeline without a cron schedule.
// The returned context is cancelled on SIGINT or SIGTERM.
func setup() (context.Context, *app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(logger.WithContext(context.Background(), log), syscall.SIGINT, syscall.SIGTERM)
	a, err := app.Wire(ctx, cfg, scheduler.Options{})
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, a, func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close backends")
		}
		stop()
	}, nil
}

func fail(err error) int {
	log := logger.New()
	log.Error().Err(err).Msg("Command failed")
	return 1
}

func parseDate(name, s string) (civil.Date, error) {
	if s == "" {
		return civil.Date{}, fmt.Errorf("-%s is required", name)
	}
	return domain.ParseLogicalDate(s)
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	date := fs.String("date", "", "Logical date (YYYY-MM-DD)")
	force := fs.Bool("force", false, "Run even if the date already succeeded")
	fs.Parse(args)

	d, err := parseDate("date", *date)
	if err != nil {
		return fail(err)
	}

	ctx, a, done, err := setup()
	if err != nil {
		return fail(err)
	}
	defer done()

	var run *domain.Run
	if *force {
		run, err = a.Scheduler.Rerun(ctx, d)
	} else {
		run, err = a.Scheduler.Trigger(ctx, d, domain.TriggerManual)
	}
	if err != nil {
		return fail(err)
	}
	return report(ctx, a, run)
}

func runRetry(args []string) int {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	date := fs.String("date", "", "Logical date (YYYY-MM-DD)")
	fs.Parse(args)

	d, err := parseDate("date", *date)
	if err != nil {
		return fail(err)
	}

	ctx, a, done, err := setup()
	if err != nil {
		return fail(err)
	}
	defer done()

	run, err := a.Scheduler.Retry(ctx, d)
	if errors.Is(err, scheduler.ErrNothingToRetry) {
		fmt.Printf("Latest run for %s already succeeded.\n", d)
		return 0
	}
	if err != nil {
		return fail(err)
	}
	return report(ctx, a, run)
}

func runBackfill(args []string) int {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	start := fs.String("start", "", "First logical date (YYYY-MM-DD)")
	end := fs.String("end", "", "Last logical date, inclusive (YYYY-MM-DD)")
	force := fs.Bool("force", false, "Rerun dates that already succeeded")
	fs.Parse(args)

	s, err := parseDate("start", *start)
	if err != nil {
		return fail(err)
	}
	e, err := parseDate("end", *end)
	if err != nil {
		return fail(err)
	}

	ctx, a, done, err := setup()
	if err != nil {
		return fail(err)
	}
	defer done()

	runs, err := a.Scheduler.Backfill(ctx, s, e, *force)
	printRuns(runs)
	if err != nil {
		return fail(err)
	}
	for _, run := range runs {
		if run.Status != domain.RunSucceeded {
			return 2
		}
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	date := fs.String("date", "", "Logical date (YYYY-MM-DD)")
	asJSON := fs.Bool("json", false, "Print the run as JSON")
	fs.Parse(args)

	d, err := parseDate("date", *date)
	if err != nil {
		return fail(err)
	}

	ctx, a, done, err := setup()
	if err != nil {
		return fail(err)
	}
	defer done()

	detail, err := a.Scheduler.Status(ctx, d)
	if errors.Is(err, statestore.ErrNotFound) {
		fmt.Printf("No run recorded for %s.\n", d)
		return 1
	}
	if err != nil {
		return fail(err)
	}

	if *asJSON {
		return printJSON(detail)
	}
	printDetail(detail)
	return 0
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Only runs with this status")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	fs.Parse(args)

	ctx, a, done, err := setup()
	if err != nil {
		return fail(err)
	}
	defer done()

	runs, err := a.Scheduler.List(ctx, statestore.RunFilter{Status: domain.RunStatus(strings.ToUpper(*status)), Limit: *limit})
	if err != nil {
		return fail(err)
	}
	printRuns(runs)
	return 0
}

func runValidateConfig(args []string) int {
	fs := flag.NewFlagSet("validate-config", flag.ExitOnError)
	pipelineOnly := fs.Bool("pipeline-only", false, "Only validate the pipeline definition")
	file := fs.String("file", os.Getenv("PIPELINE_FILE"), "Pipeline definition (defaults to the embedded one)")
	fs.Parse(args)

	if !*pipelineOnly {
		if _, err := config.Load(); err != nil {
			return fail(err)
		}
		fmt.Println("Environment configuration is valid.")
	}

	def, err := pipeline.Load(*file)
	if err != nil {
		return fail(err)
	}
	p, err := pipeline.Build(def, pipeline.Backends{
		Store:     objectstore.NewMemoryStore("validate"),
		Warehouse: memwh.New(),
		Project:   "validate",
		Dataset:   "validate",
	})
	if err != nil {
		return fail(err)
	}

	fmt.Printf("Pipeline %q is valid. Steps in execution order:\n", def.Name)
	for i, name := range p.Graph.Order() {
		node, _ := p.Graph.Node(name)
		fmt.Printf("  %2d. %-28s after %s\n", i+1, name, strings.Join(nonEmpty(node.Upstream), ", "))
	}
	return 0
}

func nonEmpty(deps []string) []string {
	if len(deps) == 0 {
		return []string{"-"}
	}
	return deps
}

// report prints the outcome of run and maps it to an exit code:
// 0 succeeded, 2 partially succeeded or failed.
func report(ctx context.Context, a *app.App, run *domain.Run) int {
	if detail, err := statestore.Detail(ctx, a.State, run); err == nil {
		printDetail(detail)
	} else {
		printRuns([]*domain.Run{run})
	}
	if run.Status != domain.RunSucceeded {
		return 2
	}
	return 0
}

func printDetail(d *domain.RunDetail) {
	printRuns([]*domain.Run{d.Run})
	fmt.Println()
	for _, s := range d.Steps {
		line := fmt.Sprintf("  %-28s %-10s attempts=%d", s.StepName, s.Status, s.Attempts)
		if s.ErrorKind != "" {
			line += fmt.Sprintf(" %s: %s", s.ErrorKind, s.ErrorDetail)
		}
		fmt.Println(line)
	}
}

func printRuns(runs []*domain.Run) {
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-20s attempt=%d trigger=%s run_id=%s", r.LogicalDate, r.Status, r.Attempt, r.Trigger, r.ID)
		if r.FailedStep != "" {
			line += fmt.Sprintf(" failed_step=%s %s: %s", r.FailedStep, r.ErrorKind, r.ErrorDetail)
		}
		fmt.Println(line)
	}
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	return 0
}
