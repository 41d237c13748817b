package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		columns []string
		summary bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Score the graph and print alerts as JSON",
		Long: `Computes exposure features, calibrates when the policy is percentile,
scores every transaction and prints the alerts at or above --min-severity,
highest risk first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.run(cmd.Context(), columns)
			if err != nil {
				return err
			}

			if summary {
				fmt.Fprintf(cmd.ErrOrStderr(), "run %s: %d transactions, %d alerts, policy %s, %d ms\n",
					res.Run.ID, res.Run.Records, res.Run.Alerts, res.Run.Policy, res.Run.Metadata.TotalMs)
				for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow} {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %-8s %d\n", sev, res.Run.BySeverity[sev])
				}
			}
			return writeJSON(cmd.OutOrStdout(), res.Rows)
		},
	}

	cmd.Flags().StringSliceVar(&columns, "columns", nil, "alert columns to print (default: txId, time_step, class_name, risk_score, severity, alert_reasons)")
	cmd.Flags().BoolVar(&summary, "summary", false, "print run counts to stderr")
	return cmd
}
