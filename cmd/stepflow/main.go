// Command stepflow validates and runs workflow definition files.
//
// Usage:
//
//	stepflow validate workflow.yaml          # check definition and DAG
//	stepflow run workflow.yaml --input '{}'  # execute to completion
//	stepflow runs                            # list recoverable runs
//	stepflow resume workflow.yaml <run-id>   # resume an interrupted run
//	stepflow version                         # show version information
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	case "run":
		os.Exit(runRun(os.Args[2:]))
	case "runs":
		os.Exit(runList(os.Args[2:]))
	case "resume":
		os.Exit(runResume(os.Args[2:]))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: stepflow validate <workflow-file>")
		return 2
	}

	if _, err := workflow.ParseFile(fs.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid workflow: %v\n", err)
		return 1
	}
	fmt.Println("OK")
	return 0
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to engine config file (YAML)")
	inputJSON := fs.String("input", "", "Workflow inputs as a JSON object")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: stepflow run <workflow-file> [--input <json>] [--config <path>]")
		return 2
	}

	inputs, err := parseInputs(*inputJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --input: %v\n", err)
		return 2
	}

	engine, logger, code := newEngine(*configPath)
	if code != 0 {
		return code
	}
	defer engine.Close()

	wf, err := engine.LoadWorkflowFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid workflow: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := engine.Execute(ctx, wf, inputs)
	if run == nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	if err != nil {
		logger.Warn("run did not complete", zap.Error(err))
	}
	return report(run, err)
}

func runList(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to engine config file (YAML)")
	fs.Parse(args)

	engine, _, code := newEngine(*configPath)
	if code != 0 {
		return code
	}
	defer engine.Close()

	ids, err := engine.RecoverableRuns(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		return 1
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return 0
}

func runResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to engine config file (YAML)")
	fs.Parse(args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: stepflow resume <workflow-file> <run-id> [--config <path>]")
		return 2
	}

	engine, logger, code := newEngine(*configPath)
	if code != 0 {
		return code
	}
	defer engine.Close()

	wf, err := engine.LoadWorkflowFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid workflow: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := engine.Resume(ctx, wf, fs.Arg(1))
	if err != nil && run == nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return 1
	}
	if err != nil {
		logger.Warn("resumed run did not complete", zap.Error(err))
	}
	return report(run, err)
}

func newEngine(configPath string) (*stepflow.Engine, *zap.Logger, int) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return nil, nil, 1
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return nil, nil, 1
	}

	engine, err := stepflow.New(cfg, stepflow.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init engine: %v\n", err)
		return nil, nil, 1
	}
	return engine, logger, 0
}

// parseInputs decodes the --input flag. An empty flag means no inputs.
func parseInputs(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	return inputs, nil
}

// runReport is the JSON document printed after a run reaches a terminal
// status.
type runReport struct {
	RunID   string                     `json:"run_id"`
	Status  types.RunStatus            `json:"status"`
	Error   string                     `json:"error,omitempty"`
	Steps   map[string]types.StepState `json:"steps"`
	Outputs map[string]map[string]any  `json:"outputs"`
}

// report prints the run's final state and maps it to the exit code:
// zero only when the run completed.
func report(run *scheduler.Run, runErr error) int {
	rep := runReport{
		RunID:   run.ID,
		Status:  run.Status(),
		Steps:   run.StepStates(),
		Outputs: run.Context.AllOutputs(),
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		return 1
	}

	if rep.Status == types.RunCompleted {
		return 0
	}
	return 1
}

func printVersion() {
	fmt.Printf("stepflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`stepflow - workflow orchestration engine

Usage:
  stepflow <command> [options]

Commands:
  validate  Check a workflow definition and its dependency graph
  run       Execute a workflow to a terminal status
  runs      List checkpointed runs that can be resumed
  resume    Resume an interrupted run from its latest checkpoint
  version   Show version information
  help      Show this help message

Options:
  --config <path>   Path to engine configuration file (YAML)
  --input <json>    Workflow inputs as a JSON object (run only)

Examples:
  stepflow validate workflow.yaml
  stepflow run workflow.yaml --input '{"topic":"go"}'
  stepflow resume workflow.yaml 6f1b... --config /etc/stepflow/config.yaml`)
}
