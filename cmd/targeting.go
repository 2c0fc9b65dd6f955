package main

import (
	"bytes"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scout-interest/scout/internal/model"
)

var (
	targetingFile string
	targetingShow bool
)

var targetingCmd = &cobra.Command{
	Use:   "targeting <project-id>",
	Short: "Set or show a project's targeting spec",
	Long:  "Applies a YAML targeting spec (--file) to a project, or prints the current spec as YAML (--show).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !targetingShow && targetingFile == "" {
			return eris.New("one of --file or --show is required")
		}
		if err := cfg.Validate("offline"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if targetingShow {
			p, err := st.GetProject(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "get project")
			}
			return writeTargetingYAML(os.Stdout, p.TargetingSpec)
		}

		spec, err := loadTargetingFile(targetingFile)
		if err != nil {
			return err
		}
		p, err := st.UpdateTargeting(ctx, args[0], spec)
		if err != nil {
			return eris.Wrap(err, "set targeting")
		}
		formatProject(os.Stdout, p)
		return nil
	},
}

// loadTargetingFile reads and validates a YAML targeting spec. Unknown keys
// are rejected so typos do not silently widen the audience.
func loadTargetingFile(path string) (*model.TargetingSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read targeting file")
	}
	return parseTargetingYAML(data)
}

func parseTargetingYAML(data []byte) (*model.TargetingSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec model.TargetingSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, eris.Wrap(err, "decode targeting yaml")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func writeTargetingYAML(out io.Writer, spec *model.TargetingSpec) error {
	if spec == nil {
		_, err := io.WriteString(out, "# no targeting configured\n")
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(spec); err != nil {
		return eris.Wrap(err, "encode targeting yaml")
	}
	return enc.Close()
}

func init() {
	targetingCmd.Flags().StringVar(&targetingFile, "file", "", "YAML targeting spec to apply")
	targetingCmd.Flags().BoolVar(&targetingShow, "show", false, "print the current targeting spec")
	rootCmd.AddCommand(targetingCmd)
}
