package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/roach88/fhirload/internal/fhir"
	"github.com/roach88/fhirload/internal/graph"
	"github.com/roach88/fhirload/internal/plan"
)

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <batch-dir>",
		Short: "Compute and print the load plan without touching the store",
		Long: `Read a batch directory, build the dependency graph, and print the
ordered sequence of load steps. Makes no network calls.

Example:
  fhirload plan ./demo-data
  fhirload plan --format json ./demo-data`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runPlan(opts *RootOptions, batchDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	g, p, err := buildPlan(batchDir)
	if err != nil {
		reportPlanError(formatter, err)
		return WrapExitError(ExitCommandError, "planning failed", err)
	}

	view := buildPlanView(g, p)
	if opts.Format == "json" {
		return formatter.Success(view)
	}
	return formatter.Success(renderPlanText(view))
}

// buildPlan reads a batch and produces its plan. Shared by plan and load;
// planning errors abort before any network call.
func buildPlan(batchDir string) (*graph.Graph, *plan.Plan, error) {
	batch, err := fhir.ReadBatch(batchDir)
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.Build(batch)
	if err != nil {
		return nil, nil, err
	}
	return g, plan.Build(g), nil
}

// reportPlanError prints a structured planning error. Unsupported cycles get
// their member list as details.
func reportPlanError(formatter *OutputFormatter, err error) {
	var cycleErr *graph.UnsupportedCycleError
	if errors.As(err, &cycleErr) {
		members := make([]string, len(cycleErr.Members))
		for i, member := range cycleErr.Members {
			members[i] = member.String()
		}
		formatter.Error("unsupported-cycle", err.Error(), members)
		return
	}
	formatter.Error("planning", err.Error(), nil)
}
