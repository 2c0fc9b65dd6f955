package main

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scout-interest/scout/internal/export"
	"github.com/scout-interest/scout/internal/store"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <project-id>",
	Short: "Write a project's results as CSV or XLSX",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("offline"); err != nil {
			return err
		}
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var out io.Writer = os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrap(err, "create export file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		n, err := exportProject(ctx, st, args[0], format, out)
		if err != nil {
			return err
		}
		zap.L().Info("export complete",
			zap.String("project_id", args[0]),
			zap.String("format", string(format)),
			zap.Int("rows", n),
		)
		return nil
	},
}

func exportProject(ctx context.Context, st store.Store, projectID string, format export.Format, out io.Writer) (int, error) {
	if _, err := st.GetProject(ctx, projectID); err != nil {
		return 0, eris.Wrap(err, "get project")
	}
	results, err := st.ListResults(ctx, projectID)
	if err != nil {
		return 0, eris.Wrap(err, "list results")
	}
	if err := export.Write(out, format, results); err != nil {
		return 0, err
	}
	return len(results), nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "csv or xlsx")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
