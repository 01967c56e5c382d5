package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/raphaelgruber/enrich/internal/audit"
	"github.com/raphaelgruber/enrich/internal/checkpoint"
	"github.com/raphaelgruber/enrich/internal/config"
	"github.com/raphaelgruber/enrich/internal/models"
	"github.com/spf13/cobra"
)

var (
	cpPhase   string
	cpWave    string
	cpLimit   int
	cpTargets string
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect checkpoints",
	Long: `Inspect checkpoints in the configured checkpoint store.

Subcommands:
  list    List checkpoints, newest first
  show    Print one checkpoint as JSON
  latest  Print the newest checkpoint for a phase and wave
  verify  Check a checkpoint's captured state against the baseline

Examples:
  enrich checkpoints list --phase phase2
  enrich checkpoints show 5f0c...
  enrich checkpoints latest --phase phase2 --wave wave1
  enrich checkpoints verify 5f0c... --targets wave1.yaml`,
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointsList,
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one checkpoint as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsShow,
}

var checkpointsLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the newest checkpoint for a phase and wave",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointsLatest,
}

var checkpointsVerifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Check a checkpoint against the baseline of a targets file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsVerify,
}

func init() {
	for _, c := range []*cobra.Command{checkpointsListCmd, checkpointsLatestCmd} {
		c.Flags().StringVar(&cpPhase, "phase", "", "filter by phase")
		c.Flags().StringVar(&cpWave, "wave", "", "filter by wave")
	}
	checkpointsListCmd.Flags().IntVarP(&cpLimit, "limit", "n", 20, "max results")
	checkpointsVerifyCmd.Flags().StringVarP(&cpTargets, "targets", "t", "", "targets file declaring the baseline")
	_ = checkpointsVerifyCmd.MarkFlagRequired("targets")

	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
	checkpointsCmd.AddCommand(checkpointsLatestCmd)
	checkpointsCmd.AddCommand(checkpointsVerifyCmd)
}

// openCheckpoints opens a read-only view over the checkpoint backend. Every
// store call is audited to checkpoints-<id>.jsonl under the audit directory.
func openCheckpoints(ctx context.Context, opts ...checkpoint.Option) (*checkpoint.Store, func(), error) {
	log, err := audit.Open(cfg.AuditDir, "checkpoints", uuid.NewString(), logger)
	if err != nil {
		return nil, nil, err
	}
	backend, closer, err := openBackend(ctx)
	if err != nil {
		closeQuietly("audit log", log)
		return nil, nil, errors.Wrap(err, "open checkpoint store")
	}
	logger.Debug("audit log opened", "path", log.Path())

	opts = append([]checkpoint.Option{checkpoint.WithLogger(logger), checkpoint.WithAudit(log)}, opts...)
	done := func() {
		closeQuietly("checkpoint store", closer)
		closeQuietly("audit log", log)
	}
	return checkpoint.NewStore(backend, nil, opts...), done, nil
}

func filterFromFlags() models.CheckpointFilter {
	var f models.CheckpointFilter
	if cpPhase != "" {
		f.Phase = &cpPhase
	}
	if cpWave != "" {
		f.Wave = &cpWave
	}
	return f
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, done, err := openCheckpoints(ctx)
	if err != nil {
		return err
	}
	defer done()

	cps, err := store.List(ctx, filterFromFlags(), cpLimit)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints found.")
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-36s  %-20s  %-10s  %-10s  %-14s  %s\n", "ID", "TIMESTAMP", "PHASE", "WAVE", "STAGE", "OPERATION")
	for _, cp := range cps {
		fmt.Fprintf(out, "%-36s  %-20s  %-10s  %-10s  %-14s  %s\n",
			cp.ID, cp.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), cp.Phase, cp.Wave, cp.Stage(), cp.OperationName)
	}
	return nil
}

func runCheckpointsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, done, err := openCheckpoints(ctx)
	if err != nil {
		return err
	}
	defer done()

	cp, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, cp)
}

func runCheckpointsLatest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, done, err := openCheckpoints(ctx)
	if err != nil {
		return err
	}
	defer done()

	cp, err := store.Latest(ctx, filterFromFlags())
	if err != nil {
		return err
	}
	if cp == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints found.")
		exitCode = 1
		return nil
	}
	return printJSON(cmd, cp)
}

func runCheckpointsVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	plan, err := config.LoadTargets(cpTargets)
	if err != nil {
		return err
	}
	store, done, err := openCheckpoints(ctx, checkpoint.WithBaseline(plan.Baseline))
	if err != nil {
		return err
	}
	defer done()

	ok, problems, err := store.ValidateIntegrity(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ok {
		fmt.Fprintln(out, defaultTheme.completedStyle().Render("✓ Checkpoint is consistent with the baseline"))
		return nil
	}
	fmt.Fprintln(out, defaultTheme.errorStyle().Render(fmt.Sprintf("✗ Checkpoint has %d problem(s):", len(problems))))
	for _, p := range problems {
		fmt.Fprintf(out, "  • %s\n", p)
	}
	exitCode = 1
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode json")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
