package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/internal/experiment"
	"github.com/finchlab/scopeflow/internal/observability"
)

// newInspectCmd creates the `inspect` command, which summarizes a previously
// archived run result.
func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Summarizes an archived experiment result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			result, err := experiment.ReadArchive(args[0])
			if err != nil {
				return err
			}

			logger.Info("Run summary",
				zap.String("runID", result.RunID),
				zap.String("state", string(result.State)),
				zap.String("fault", string(result.Fault)),
				zap.Int("events", len(result.History)),
				zap.Time("startedAt", result.StartedAt),
				zap.Time("endedAt", result.EndedAt))

			fmt.Printf("run %s: %s\n", result.RunID, result.State)
			if result.Fault != "" {
				fmt.Printf("  fault:        %s\n", result.Fault)
			}
			fmt.Printf("  cells found:  %d\n", result.Metrics.CellsFound)
			fmt.Printf("  acquisitions: %d\n", result.Metrics.Acquisitions)
			fmt.Printf("  coverage:     %d positions\n", result.Metrics.CoverageVisited)
			fmt.Printf("  gaps:         %d\n", result.Metrics.PerceptionGaps)
			fmt.Printf("  failures:     %d\n", result.Metrics.ActionFailures)
			fmt.Printf("  duration:     %s\n", result.Metrics.Duration)
			fmt.Printf("  events:       %d\n", len(result.History))
			return nil
		},
	}
}
