package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/internal/resolver"
	"github.com/scout-interest/scout/internal/store"
	"github.com/scout-interest/scout/internal/upload"
)

var (
	importFile      string
	importName      string
	importCountry   string
	importTargeting string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Create a project from a CSV, XLSX or text file of postal codes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("import"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, parsed, err := importProject(ctx, st, importFile, importName, importCountry)
		if err != nil {
			return err
		}
		if importTargeting != "" {
			spec, err := loadTargetingFile(importTargeting)
			if err != nil {
				return err
			}
			if p, err = st.UpdateTargeting(ctx, p.ID, spec); err != nil {
				return eris.Wrap(err, "set targeting")
			}
		}

		zap.L().Info("import complete",
			zap.String("project_id", p.ID),
			zap.Int("postal_codes", p.TotalPostalCodes),
			zap.Int("duplicates", parsed.Duplicates),
			zap.Int("skipped", parsed.Skipped),
		)
		formatProject(os.Stdout, p)
		return nil
	},
}

// importProject parses path and creates a project from its codes. The
// project name defaults to the file's base name.
func importProject(ctx context.Context, st store.Store, path, name, country string) (*model.Project, *upload.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrap(err, "open postal code file")
	}
	defer f.Close() //nolint:errcheck

	parsed, err := upload.Parse(f, filepath.Base(path))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "parse %s", path)
	}

	if strings.TrimSpace(name) == "" {
		base := filepath.Base(path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	p, err := st.CreateProject(ctx, store.NewProject{
		Name:        name,
		CountryCode: resolver.NormalizeCountry(country),
		PostalCodes: parsed.Codes,
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "create project")
	}
	return p, parsed, nil
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to a .csv, .tsv, .xlsx or text file (required)")
	importCmd.Flags().StringVar(&importName, "name", "", "project name (default: file name)")
	importCmd.Flags().StringVar(&importCountry, "country", "", "ISO country code of the postal codes (default US)")
	importCmd.Flags().StringVar(&importTargeting, "targeting", "", "optional YAML targeting spec to apply")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

// formatProject writes a one-project summary to w.
func formatProject(out io.Writer, p *model.Project) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Project:\t%s\n", p.ID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", p.Name)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", p.Status)
	if p.StatusDetail != "" {
		_, _ = fmt.Fprintf(w, "Detail:\t%s\n", p.StatusDetail)
	}
	_, _ = fmt.Fprintf(w, "Postal codes:\t%d\n", p.TotalPostalCodes)
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", p.ProcessedPostalCodes)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", p.ErrorPostalCodes)
	_ = w.Flush()
}
