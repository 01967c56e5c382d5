package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/engine"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Progress display modes.
const (
	progressAuto   = "auto"
	progressAlways = "always"
	progressNever  = "never"
)

var (
	runTargets   string
	runDryRun    bool
	runProgress  string
	runBatchSize int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enrich every target of a targets file",
	Long: `Run one enrichment wave described by a targets file.

The run counts each target, writes a pre-mutation checkpoint, labels every
target in batches, re-counts the labels and the baseline population, and
writes a post-mutation checkpoint. A run that stops early can be repeated:
entities that already carry their final labels are never selected again.

Exit status is 0 only when the run reached DONE without warnings.

Examples:
  enrich run --targets wave1.yaml
  enrich run --targets wave1.toml --batch-size 200
  enrich run --targets wave1.yaml --dry-run`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runTargets, "targets", "t", "", "targets file (.yaml, .yml or .toml)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "count remaining work without mutating or checkpointing")
	runCmd.Flags().StringVar(&runProgress, "progress", progressAuto, "progress display: auto, always or never")
	runCmd.Flags().IntVarP(&runBatchSize, "batch-size", "b", 0, "entities per batch (overrides ENRICH_BATCH_SIZE)")
	_ = runCmd.MarkFlagRequired("targets")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runBatchSize > 0 {
		cfg.BatchSize = runBatchSize
	}

	s, err := openSession(ctx, runTargets, !runDryRun)
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	if runDryRun {
		res, err := s.orchestrator().Precheck(ctx, s.plan, true)
		if res != nil {
			renderPrecheck(cmd.OutOrStdout(), res, true)
		}
		if err != nil {
			exitCode = 1
			logger.Error("dry run stopped", "error", err)
		}
		return nil
	}

	var res *engine.Result
	if showProgress(runProgress) {
		p := tea.NewProgram(newProgressModel(s.plan))
		orch := s.orchestrator(engine.WithBatchObserver(func(e engine.BatchEvent) { p.Send(batchMsg(e)) }))
		res, err = runWithProgress(ctx, p, func(ctx context.Context) (*engine.Result, error) {
			return orch.Run(ctx, s.plan)
		})
	} else {
		res, err = s.orchestrator().Run(ctx, s.plan)
	}
	if res == nil {
		return errors.Wrap(err, "run")
	}

	renderResult(cmd.OutOrStdout(), res)
	s.pushMetrics(context.Background())

	if err != nil {
		logger.Error("run stopped", "state", res.State, "failed_in", res.FailedIn, "error", err)
	}
	exitCode = res.ExitCode()
	return nil
}

// showProgress resolves the progress mode against the terminal.
func showProgress(mode string) bool {
	switch mode {
	case progressAlways:
		return true
	case progressNever:
		return false
	default:
		return term.IsTerminal(int(os.Stdout.Fd()))
	}
}
