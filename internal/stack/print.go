// File: internal/stack/print.go
// Brief: Human-friendly plan and run report printing.

package stack

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
)

var (
	statusSucceeded = color.New(color.FgGreen).SprintFunc()
	statusFailed    = color.New(color.FgRed, color.Bold).SprintFunc()
	statusSkipped   = color.New(color.FgYellow).SprintFunc()
	statusCached    = color.New(color.FgCyan).SprintFunc()
	statusMuted     = color.New(color.FgHiBlack).SprintFunc()
)

// writeTable pads by the display width of each cell so colored and wide cells line up.
func writeTable(out io.Writer, headers []string, rows [][]string, colorize func(col int, cell string) string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}
	render := func(cols []string, paint bool) {
		for i, col := range cols {
			shown := col
			if paint && colorize != nil {
				shown = colorize(i, col)
			}
			io.WriteString(out, shown)
			if i == len(cols)-1 {
				io.WriteString(out, "\n")
				continue
			}
			pad := widths[i] - runewidth.StringWidth(col)
			if pad < 0 {
				pad = 0
			}
			io.WriteString(out, strings.Repeat(" ", pad+2))
		}
	}
	render(headers, false)
	for _, row := range rows {
		render(row, true)
	}
}

func colorizeStatus(s string) string {
	switch {
	case strings.HasSuffix(s, "(cached)"), s == PlanUpToDate:
		return statusCached(s)
	case s == string(StatusSucceeded):
		return statusSucceeded(s)
	case s == string(StatusFailed), s == string(RunPartialFailure):
		return statusFailed(s)
	case s == string(StatusSkipped), s == PlanChanged:
		return statusSkipped(s)
	case s == PlanNone, s == PlanPending:
		return statusMuted(s)
	}
	return s
}

// PrintReport writes one row per pair followed by a summary line.
func PrintReport(w io.Writer, r *RunReport) error {
	if r == nil {
		return fmt.Errorf("report is required")
	}
	fmt.Fprintf(w, "STACK    %s\n", r.Stack)
	if r.Release != "" {
		fmt.Fprintf(w, "RELEASE  %s\n", r.Release)
	}
	fmt.Fprintf(w, "RUN      %s\n\n", r.RunID)

	rows := make([][]string, 0, len(r.Results))
	for _, res := range r.Results {
		status := string(res.Status)
		if res.Cached {
			status += " (cached)"
		}
		detail := res.Cause
		if res.Error != "" {
			detail = res.Error
		}
		dur := "-"
		if d := res.Duration(); d > 0 && !res.Cached {
			dur = d.Round(time.Millisecond).String()
		}
		rows = append(rows, []string{res.Unit, string(res.Phase), status, dur, detail})
	}
	writeTable(w, []string{"UNIT", "PHASE", "STATUS", "DURATION", "DETAIL"}, rows, func(col int, cell string) string {
		if col == 2 {
			return colorizeStatus(cell)
		}
		return cell
	})
	t := r.Totals
	fmt.Fprintf(w, "\n%s: %d pairs, %d succeeded (%d cached), %d failed, %d skipped\n",
		colorizeStatus(string(r.Status)), t.Pairs, t.Succeeded, t.Cached, t.Failed, t.Skipped)
	return nil
}

// PrintPlanTable writes the plan waves and per-unit phase states.
func PrintPlanTable(w io.Writer, p *Plan) error {
	if p == nil {
		return fmt.Errorf("plan is required")
	}
	release := p.Release
	if release == "" {
		release = "(generated on first deploy)"
	}
	fmt.Fprintf(w, "STACK    %s\n", p.Stack)
	fmt.Fprintf(w, "RELEASE  %s\n\n", release)

	rows := make([][]string, 0, len(p.Units))
	for _, u := range p.Units {
		needs := make([]string, 0, len(u.Needs))
		for _, e := range u.Needs {
			needs = append(needs, shortName(e.From)+"("+strings.ToLower(string(e.Tag))+")")
		}
		build := u.Build
		if build == "" {
			build = PlanNone
		}
		needsCol := strings.Join(needs, ",")
		if needsCol == "" {
			needsCol = PlanNone
		}
		rows = append(rows, []string{
			fmt.Sprint(u.Wave), u.FQN, u.Namespace, build, u.Chart, needsCol,
			u.Phases[PhaseInit], u.Phases[PhaseBuild], u.Phases[PhaseDeploy],
		})
	}
	writeTable(w, []string{"WAVE", "UNIT", "NAMESPACE", "BUILD", "CHART", "NEEDS", "INIT", "BUILD", "DEPLOY"}, rows, func(col int, cell string) string {
		if col >= 6 {
			return colorizeStatus(cell)
		}
		return cell
	})
	for _, u := range p.Units {
		if len(u.Unresolved) > 0 {
			fmt.Fprintf(w, "\n%s waits on outputs: %s\n", u.FQN, strings.Join(u.Unresolved, ", "))
		}
		if u.Diff != "" {
			fmt.Fprintf(w, "\n%s\n%s", u.FQN, u.Diff)
		}
	}
	return nil
}

// shortName drops the stack prefix from an FQN.
func shortName(fqn string) string {
	parts := strings.SplitN(fqn, ".", 3)
	if len(parts) == 3 {
		return parts[1] + "." + parts[2]
	}
	return fqn
}
