package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// Metrics tracks benchmark results over labelled transactions. Unknown
// labels are counted but never enter the confusion matrix.
type Metrics struct {
	TruePositives  int `json:"truePositives"`  // Illicit raised as alert
	FalsePositives int `json:"falsePositives"` // Licit raised as alert
	TrueNegatives  int `json:"trueNegatives"`  // Licit below the alert cutoff
	FalseNegatives int `json:"falseNegatives"` // Illicit below the alert cutoff (missed!)

	TotalScored  int `json:"totalScored"`
	TotalIllicit int `json:"totalIllicit"`
	TotalLicit   int `json:"totalLicit"`
	TotalUnknown int `json:"totalUnknown"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Accuracy  float64 `json:"accuracy"`
}

// evaluate compares alert membership with the illicit label.
func evaluate(scored, alerts []domain.ScoredRecord) Metrics {
	alerted := make(map[domain.TxID]struct{}, len(alerts))
	for _, a := range alerts {
		alerted[a.ID] = struct{}{}
	}

	var m Metrics
	for _, rec := range scored {
		m.TotalScored++
		_, predicted := alerted[rec.ID]

		switch rec.Label {
		case domain.LabelIllicit:
			m.TotalIllicit++
			if predicted {
				m.TruePositives++
			} else {
				m.FalseNegatives++
			}
		case domain.LabelLicit:
			m.TotalLicit++
			if predicted {
				m.FalsePositives++
			} else {
				m.TrueNegatives++
			}
		default:
			m.TotalUnknown++
		}
	}

	if m.TruePositives+m.FalsePositives > 0 {
		m.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		m.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * (m.Precision * m.Recall) / (m.Precision + m.Recall)
	}
	if total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives; total > 0 {
		m.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return m
}

func newBenchmarkCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Compare alerts with the illicit labels",
		Long: `Runs the pipeline and treats every alert at or above --min-severity as a
positive prediction. Precision, recall, F1 and accuracy are computed over
transactions labelled illicit or licit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			start := time.Now()
			res, err := s.run(cmd.Context(), nil)
			if err != nil {
				return err
			}
			m := evaluate(res.Scored, res.Alerts)

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			printResults(cmd.OutOrStdout(), res.Run, m, time.Since(start))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print metrics as JSON")
	return cmd
}

func printResults(w io.Writer, run *domain.Run, m Metrics, duration time.Duration) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                      BENCHMARK RESULTS                        ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════╝")

	fmt.Fprintf(w, "\nRUN\n")
	fmt.Fprintf(w, "   Policy:           %s\n", run.Policy)
	fmt.Fprintf(w, "   Min Severity:     %s\n", run.MinSeverity)
	fmt.Fprintf(w, "   2-hop Features:   %v\n", run.Metadata.Compute2Hop)

	fmt.Fprintf(w, "\nDATASET STATISTICS\n")
	fmt.Fprintf(w, "   Total Scored:     %d\n", m.TotalScored)
	fmt.Fprintf(w, "   Illicit:          %d\n", m.TotalIllicit)
	fmt.Fprintf(w, "   Licit:            %d\n", m.TotalLicit)
	fmt.Fprintf(w, "   Unknown:          %d\n", m.TotalUnknown)

	fmt.Fprintf(w, "\nCONFUSION MATRIX\n")
	fmt.Fprintln(w, "                        Predicted")
	fmt.Fprintln(w, "                   ALERT     NO ALERT")
	fmt.Fprintln(w, "              ┌──────────┬──────────┐")
	fmt.Fprintf(w, "   Actual  I  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintln(w, "              ├──────────┼──────────┤")
	fmt.Fprintf(w, "           L  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintln(w, "              └──────────┴──────────┘")

	fmt.Fprintf(w, "\nDETECTION METRICS\n")
	fmt.Fprintf(w, "   Precision:  %.4f  (of alerts, how many were illicit)\n", m.Precision)
	fmt.Fprintf(w, "   Recall:     %.4f  (of illicit, how many were alerted)\n", m.Recall)
	fmt.Fprintf(w, "   F1-Score:   %.4f\n", m.F1)
	fmt.Fprintf(w, "   Accuracy:   %.4f\n", m.Accuracy)

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	fmt.Fprintf(w, "   Features:         %d ms\n", run.Metadata.FeaturesMs)
	fmt.Fprintf(w, "   Calibration:      %d ms\n", run.Metadata.CalibrateMs)
	fmt.Fprintf(w, "   Scoring:          %d ms\n", run.Metadata.ScoreMs)
	fmt.Fprintln(w)
}
