package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scout-interest/scout/internal/model"
)

var processWorkers int

var processCmd = &cobra.Command{
	Use:   "process <project-id>",
	Short: "Estimate reach for every postal code of a project",
	Long:  "Runs a batch in the foreground. Ctrl-C stops dispatch; codes already in flight are saved and the project is marked failed (cancelled).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if processWorkers > 0 {
			cfg.Batch.Workers = processWorkers
		}
		env, err := initEnv(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Runner.Run(ctx, args[0])
		if summary != nil {
			formatSummary(os.Stdout, summary)
		}
		return err
	},
}

func init() {
	processCmd.Flags().IntVar(&processWorkers, "workers", 0, "concurrent postal codes (default from config)")
	rootCmd.AddCommand(processCmd)
}

// formatSummary writes batch totals and the failed codes to w.
func formatSummary(out io.Writer, s *model.BatchSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Project:\t%s\n", s.ProjectID)
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", s.TotalProcessed)
	_, _ = fmt.Fprintf(w, "Successful:\t%d\n", s.Successful)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", s.Errors)
	if s.Unsaved > 0 {
		_, _ = fmt.Fprintf(w, "Unsaved:\t%d\n", s.Unsaved)
	}
	if s.Cancelled {
		_, _ = fmt.Fprintln(w, "Cancelled:\tyes")
	}
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", s.Duration.Round(time.Millisecond))

	failed := false
	for _, r := range s.Results {
		if r.Success {
			continue
		}
		if !failed {
			_, _ = fmt.Fprintln(w, "\nPOSTAL_CODE\tERROR")
			failed = true
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", r.PostalCode, r.ErrorMessage)
	}
	_ = w.Flush()
}
