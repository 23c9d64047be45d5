package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mlatham/afdb/internal/client"
	"github.com/mlatham/afdb/internal/harness"
)

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string          `json:"name"`
	File   string          `json:"file"`
	Pass   bool            `json:"pass"`
	Errors []string        `json:"errors,omitempty"`
	Trace  json.RawMessage `json:"trace,omitempty"`
}

// RunResult holds the overall run result.
type RunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Run harness scenarios",
		Long: `Run scenario files against fresh databases and report their traces.

Each scenario gets its own database in a temporary directory; the
configured driver, pragmas and template directory still apply. The
canonical trace is printed with --verbose in text mode and always
included in JSON output.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (unreadable or invalid scenario file)

Examples:
  afdb run testdata/scenarios/*.yaml
  afdb run fifo.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd.Context(), rootOpts, args, cmd)
		},
	}
	return cmd
}

func runScenarios(ctx context.Context, opts *RootOptions, files []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return f.Report(CodeConfig, err)
	}

	// Parse everything first so a typo fails before any scenario runs.
	scenarios := make([]*harness.Scenario, len(files))
	for i, file := range files {
		sc, err := harness.LoadScenario(file)
		if err != nil {
			return f.Fail(ExitCommandError, CodeScenario, fmt.Sprintf("invalid scenario %s", file), err)
		}
		scenarios[i] = sc
	}

	runner := &harness.Runner{
		Storage: client.Storage{TemplateDir: cfg.Templates},
		Options: cfg.ClientOptions(),
		Logger:  opts.logger(cmd),
	}

	result := RunResult{Scenarios: make([]ScenarioResult, 0, len(scenarios)), Total: len(scenarios)}
	for i, sc := range scenarios {
		sr := ScenarioResult{Name: sc.Name, File: files[i]}

		res, err := runner.Run(ctx, sc)
		if err != nil {
			sr.Errors = []string{err.Error()}
		} else {
			sr.Pass = res.Pass
			sr.Errors = res.Errors
			snapshot := harness.NewSnapshot(sc.Name, res)
			trace, err := snapshot.MarshalCanonical()
			if err != nil {
				return fmt.Errorf("failed to encode trace for %s: %w", sc.Name, err)
			}
			sr.Trace = trace
		}

		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if f.Format == "json" {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		writeRunText(f, result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", result.Failed, result.Total))
	}
	return nil
}

func writeRunText(f *OutputFormatter, result RunResult) {
	for _, sr := range result.Scenarios {
		f.Status(sr.Pass, "%s (%s)", sr.Name, sr.File)
		for _, e := range sr.Errors {
			fmt.Fprintf(f.Writer, "    %s\n", e)
		}
		if f.Verbose && sr.Trace != nil {
			fmt.Fprintf(f.Writer, "    %s\n", sr.Trace)
		}
	}
	fmt.Fprintf(f.Writer, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}
