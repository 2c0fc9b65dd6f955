package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "List projects, or show one project's progress",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("offline"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(args) == 1 {
			p, err := st.GetProject(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "get project")
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			}
			formatProject(os.Stdout, p)
			return nil
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		projects, err := st.ListProjects(ctx, store.ProjectFilter{
			Status: model.ProjectStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "list projects")
		}
		if len(projects) == 0 {
			fmt.Fprintln(os.Stderr, "No projects found.")
			return nil
		}
		formatProjectList(os.Stdout, projects)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("status", "", "filter by status (pending_targeting, pending, processing, completed, failed)")
	statusCmd.Flags().Int("limit", 50, "max number of projects to display")
	statusCmd.Flags().Bool("json", false, "print the project as JSON")
	rootCmd.AddCommand(statusCmd)
}

// formatProjectList writes a tabular list of projects to w.
func formatProjectList(out io.Writer, projects []model.Project) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tERRORS\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t------\t-------")

	for _, p := range projects {
		name := p.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			truncateID(p.ID),
			name,
			p.Status,
			p.ProcessedPostalCodes,
			p.TotalPostalCodes,
			p.ErrorPostalCodes,
			p.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
