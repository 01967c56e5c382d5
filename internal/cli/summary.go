package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/raphaelgruber/enrich/internal/engine"
	"github.com/raphaelgruber/enrich/internal/models"
)

// renderResult prints the outcome of a full run.
func renderResult(w io.Writer, res *engine.Result) {
	theme := defaultTheme
	var b strings.Builder

	switch {
	case res.State == engine.StateDone && len(res.Warnings) == 0:
		b.WriteString(theme.completedStyle().Render("✓ DONE"))
	case res.State == engine.StateDone:
		b.WriteString(theme.warningStyle().Render(fmt.Sprintf("! DONE with %d warning(s)", len(res.Warnings))))
	default:
		b.WriteString(theme.errorStyle().Render(fmt.Sprintf("✗ %s in %s", res.State, res.FailedIn)))
	}
	fmt.Fprintf(&b, "  run %s\n\n", res.RunID)

	if res.PreCheckpoint != "" {
		fmt.Fprintf(&b, "  Pre-mutation checkpoint:  %s\n", res.PreCheckpoint)
	}
	if res.PostCheckpoint != "" {
		fmt.Fprintf(&b, "  Post-mutation checkpoint: %s\n", res.PostCheckpoint)
	}

	if len(res.Enhanced) > 0 || len(res.Labels) > 0 {
		b.WriteString("\n  Targets:\n")
		reports := make(map[string]engine.LabelReport, len(res.Labels))
		for _, r := range res.Labels {
			reports[r.Target] = r
		}
		for _, row := range res.Precheck {
			status := res.Statuses[row.Target]
			fmt.Fprintf(&b, "    %-24s %-18s enhanced %d", row.Target, status, res.Enhanced[row.Target])
			if r, ok := reports[row.Target]; ok {
				line := fmt.Sprintf("  labeled %d/%d residual %d", r.Actual, r.Expected, r.Residual)
				if !r.Valid {
					line = theme.warningStyle().Render(line)
				}
				b.WriteString(line)
			}
			b.WriteString("\n")
		}
	}

	if res.Baseline != nil {
		writeBaseline(&b, theme, res.Baseline)
	}

	if len(res.Warnings) > 0 {
		b.WriteString(theme.warningStyle().Render(fmt.Sprintf("\n  Warnings (%d):", len(res.Warnings))) + "\n")
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "    • %s\n", w)
		}
	}
	if res.Err != nil {
		b.WriteString(theme.errorStyle().Render(fmt.Sprintf("\n  Error: %v", res.Err)) + "\n")
	}

	fmt.Fprint(w, b.String())
}

// renderPrecheck prints precheck counts per target.
func renderPrecheck(w io.Writer, res *engine.Result, remaining bool) {
	theme := defaultTheme
	var b strings.Builder

	header := fmt.Sprintf("  %-24s %-18s %10s %10s", "TARGET", "STATUS", "EXPECTED", "ACTUAL")
	if remaining {
		header += fmt.Sprintf(" %10s", "REMAINING")
	}
	b.WriteString(theme.statusStyle().Render(header) + "\n")

	for _, row := range res.Precheck {
		if row.Status != models.StatusNeedsEnhancement {
			fmt.Fprintf(&b, "  %-24s %-18s %10d %10s\n", row.Target, row.Status, row.Expected, "-")
			continue
		}
		line := fmt.Sprintf("  %-24s %-18s %10d %10d", row.Target, row.Status, row.Expected, row.Actual)
		if remaining {
			line += fmt.Sprintf(" %10d", row.Remaining)
		}
		if row.Actual != row.Expected {
			line = theme.errorStyle().Render(line)
		}
		b.WriteString(line + "\n")
	}

	if res.Baseline != nil {
		writeBaseline(&b, theme, res.Baseline)
	}

	if res.Err != nil {
		b.WriteString(theme.errorStyle().Render(fmt.Sprintf("\n✗ %v", res.Err)) + "\n")
	} else {
		b.WriteString(theme.completedStyle().Render("\n✓ Precheck passed") + "\n")
	}
	fmt.Fprint(w, b.String())
}

func writeBaseline(b *strings.Builder, theme Theme, r *engine.BaselineReport) {
	line := fmt.Sprintf("\n  Baseline %q: %d/%d", r.Description, r.Actual, r.Expected)
	if r.Valid {
		b.WriteString(line + " " + theme.completedStyle().Render("✓") + "\n")
		return
	}
	b.WriteString(theme.errorStyle().Render(line+" ✗") + "\n")
}
