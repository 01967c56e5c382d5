package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/raphaelgruber/enrich/internal/audit"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect audit logs",
}

var auditShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Summarize how far a run got from its audit log",
	Long: `Read a JSONL audit log and report the last state reached, the batches
applied per target and the checkpoints written. Use it after a crash to see
what a resumed run will pick up.

Examples:
  enrich audit show audit/wave1_enrichment-5f0c....jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runAuditShow,
}

func init() {
	auditCmd.AddCommand(auditShowCmd)
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	entries, err := audit.ReadFile(args[0])
	if err != nil {
		return err
	}
	p := audit.Summarize(entries)
	theme := defaultTheme
	var b strings.Builder

	fmt.Fprintf(&b, "Run:        %s\n", p.RunID)
	fmt.Fprintf(&b, "Entries:    %d\n", len(entries))
	state := p.LastState
	if state == "" {
		state = "unknown"
	}
	switch {
	case p.Completed:
		fmt.Fprintf(&b, "Last state: %s\n", theme.completedStyle().Render(state))
	case state == "ABORTED" || state == "FAILED":
		fmt.Fprintf(&b, "Last state: %s\n", theme.errorStyle().Render(state))
	default:
		fmt.Fprintf(&b, "Last state: %s %s\n", theme.warningStyle().Render(state), theme.hintStyle().Render("(interrupted)"))
	}
	if p.LastEntry != nil {
		fmt.Fprintf(&b, "Last entry: %s %s at %s\n", p.LastEntry.Operation, p.LastEntry.Status,
			p.LastEntry.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	}
	fmt.Fprintf(&b, "Warnings:   %d\nCritical:   %d\n", p.Warnings, p.Critical)

	if len(p.Targets) > 0 {
		b.WriteString("\nTargets:\n")
		keys := make([]string, 0, len(p.Targets))
		for k := range p.Targets {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			tp := p.Targets[k]
			done := theme.hintStyle().Render("in progress")
			if tp.Finished {
				done = theme.completedStyle().Render("finished")
			}
			fmt.Fprintf(&b, "  %-24s batches %-6d labeled %-8d %s\n", k, tp.Batches, tp.Labeled, done)
		}
	}

	if len(p.Checkpoints) > 0 {
		b.WriteString("\nCheckpoints:\n")
		for _, id := range p.Checkpoints {
			fmt.Fprintf(&b, "  %s\n", id)
		}
	}

	fmt.Fprint(cmd.OutOrStdout(), b.String())
	return nil
}
