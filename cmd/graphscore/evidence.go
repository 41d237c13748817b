package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/investigate"
)

func newEvidenceCmd(opts *options) *cobra.Command {
	var (
		txID          int64
		k             int
		investigateTx bool
	)

	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Print the evidence of one transaction, optionally with a report",
		Long: `Scores the graph, then prints the scored record of --tx with its top
illicit neighbors, typology hints and the investigator payload. With
--investigate the configured investigator (OSPREY_INVESTIGATOR) writes a
report instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("tx") {
				return fmt.Errorf("%w: --tx is required", domain.ErrInvalidInput)
			}

			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if _, err := s.run(ctx, nil); err != nil {
				return err
			}

			if !investigateTx {
				ev, err := s.processor.Evidence(ctx, cliTenant, domain.TxID(txID), k)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), ev)
			}

			lib := investigate.DefaultLibrary()
			if s.cfg.Investigator.ActionsFile != "" {
				if lib, err = investigate.LoadLibrary(s.cfg.Investigator.ActionsFile); err != nil {
					return err
				}
			}
			inv, err := investigate.New(s.cfg.Investigator, lib, nil)
			if err != nil {
				return err
			}
			report, err := s.processor.Investigate(ctx, cliTenant, domain.TxID(txID), inv)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().Int64Var(&txID, "tx", 0, "transaction id")
	cmd.Flags().IntVar(&k, "k", 0, "neighbors per hop (default: scoring.topK)")
	cmd.Flags().BoolVar(&investigateTx, "investigate", false, "write an investigation report")
	return cmd
}
