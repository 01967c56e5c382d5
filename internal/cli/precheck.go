package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	precheckTargets   string
	precheckRemaining bool
)

var precheckCmd = &cobra.Command{
	Use:   "precheck",
	Short: "Count targets and baseline without mutating",
	Long: `Count every target that still needs enhancement and the baseline
population, and compare them to the targets file. Nothing is written to the
graph and no checkpoint is created.

Examples:
  enrich precheck --targets wave1.yaml
  enrich precheck --targets wave1.yaml --remaining`,
	RunE: runPrecheck,
}

func init() {
	precheckCmd.Flags().StringVarP(&precheckTargets, "targets", "t", "", "targets file (.yaml, .yml or .toml)")
	precheckCmd.Flags().BoolVar(&precheckRemaining, "remaining", false, "also count entities still missing their final labels")
	_ = precheckCmd.MarkFlagRequired("targets")
}

func runPrecheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx, precheckTargets, false)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	res, err := s.orchestrator().Precheck(ctx, s.plan, precheckRemaining)
	if res != nil {
		renderPrecheck(cmd.OutOrStdout(), res, precheckRemaining)
	}
	if err != nil {
		logger.Error("precheck failed", "error", err)
		exitCode = 1
	}
	return nil
}
