package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/signflow/app"
	"github.com/georgepadayatti/signflow/logging"
)

func newReconcileCommand(ro *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle PENDING signatures whose webhook never arrived",
		Long: `Ask the provider for the status of every PENDING signature older than
--older-than and replay the webhook for it. Prints a JSON report and exits
non-zero when a signature needs an operator.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ro.loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if olderThan == 0 {
				olderThan = cfg.Orchestrator.ReconcileAfter
			}
			report, err := a.Orchestrator.Reconcile(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Reconciliation > 0 || report.Errors > 0 {
				return fmt.Errorf("%d signatures need reconciliation, %d failed", report.Reconciliation, report.Errors)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum age of PENDING signatures (default from orchestrator.reconcile-after)")
	return cmd
}
