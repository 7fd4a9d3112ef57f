package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/roach88/fhirload/internal/graph"
	"github.com/roach88/fhirload/internal/plan"
	"github.com/roach88/fhirload/internal/report"
)

// planStepView is the JSON shape of one plan step. Payloads are omitted;
// the plan command is for inspecting order, not content.
type planStepView struct {
	Index    int      `json:"index"`
	Mode     string   `json:"mode"`
	Target   string   `json:"target"`
	Requires []string `json:"requires,omitempty"`
}

// planView is the JSON shape of a rendered plan.
type planView struct {
	Fingerprint string         `json:"fingerprint"`
	Steps       []planStepView `json:"steps"`
	Dangling    []string       `json:"dangling,omitempty"`
}

func buildPlanView(g *graph.Graph, p *plan.Plan) planView {
	view := planView{Fingerprint: p.Fingerprint()}
	for i, step := range p.Steps {
		stepView := planStepView{
			Index:  i + 1,
			Mode:   string(step.Mode),
			Target: step.Target.String(),
		}
		for _, ref := range step.Requires {
			stepView.Requires = append(stepView.Requires, ref.String())
		}
		view.Steps = append(view.Steps, stepView)
	}
	for _, dangling := range g.Dangling {
		view.Dangling = append(view.Dangling,
			fmt.Sprintf("%s -> %s", dangling.From, dangling.To))
	}
	sort.Strings(view.Dangling)
	return view
}

func renderPlanText(view planView) string {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tMODE\tTARGET\tREQUIRES")
	for _, step := range view.Steps {
		requires := "-"
		if len(step.Requires) > 0 {
			requires = strings.Join(step.Requires, ", ")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", step.Index, step.Mode, step.Target, requires)
	}
	tw.Flush()
	fmt.Fprintf(&sb, "\n%d steps, fingerprint %s", len(view.Steps), view.Fingerprint)
	for _, dangling := range view.Dangling {
		fmt.Fprintf(&sb, "\nwarning: dangling reference %s (target not in batch)", dangling)
	}
	return sb.String()
}

// runView is the JSON shape of an executed run.
type runView struct {
	RunID   string          `json:"run_id"`
	OK      bool            `json:"ok"`
	Summary map[string]int  `json:"summary"`
	Results []report.Result `json:"results"`
}

func buildRunView(run *report.Run) runView {
	summary := make(map[string]int)
	for status, count := range run.Summary() {
		summary[string(status)] = count
	}
	return runView{
		RunID:   run.ID,
		OK:      run.OK(),
		Summary: summary,
		Results: run.Results,
	}
}

// statusOrder fixes the rendering order of summary lines.
var statusOrder = []report.Status{
	report.StatusCreated,
	report.StatusUpdated,
	report.StatusUnchanged,
	report.StatusFailed,
	report.StatusDependencyFailed,
	report.StatusSkipped,
}

func renderRunText(run *report.Run) string {
	var sb strings.Builder
	for _, result := range run.Results {
		line := fmt.Sprintf("%s(%s): %s", result.Mode, result.Target, result.Status)
		if result.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", result.Attempts)
		}
		if result.Err != "" {
			line += fmt.Sprintf(" - %s", result.Err)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	summary := run.Summary()
	fmt.Fprintf(&sb, "\nrun %s:", run.ID)
	for _, status := range statusOrder {
		if count := summary[status]; count > 0 {
			fmt.Fprintf(&sb, " %s=%d", status, count)
		}
	}
	return sb.String()
}
