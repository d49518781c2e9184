package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/container"
	"github.com/garyjia/stageflow/internal/infrastructure/definitions"
)

var definitionsFormat string

var definitionsCmd = &cobra.Command{
	Use:     "definitions",
	Aliases: []string{"defs"},
	Short:   "Validate and inspect workflow definitions",
}

var definitionsValidateCmd = &cobra.Command{
	Use:   "validate <file-or-dir>...",
	Short: "Check YAML definition files without touching the database",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := definitions.LoadPaths(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return errors.New("no definition files found")
		}
		for _, f := range files {
			fmt.Fprintf(stdout, "ok  %s  %s (%d stages, %d actions)\n",
				f.Path, f.Definition.Type, len(f.Definition.Stages), len(f.Definition.Actions))
		}
		return nil
	},
}

var definitionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the workflow types the configuration registers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		modules, err := configuredModules()
		if err != nil {
			return err
		}
		types := make([]string, 0, len(modules))
		names := make(map[string]string, len(modules))
		for _, m := range modules {
			types = append(types, m.Definition.Type)
			names[m.Definition.Type] = m.Definition.Name
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(stdout, "%-20s %s\n", t, names[t])
		}
		return nil
	},
}

var definitionsShowCmd = &cobra.Command{
	Use:   "show <workflow-type>",
	Short: "Print one registered definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modules, err := configuredModules()
		if err != nil {
			return err
		}
		for _, m := range modules {
			if m.Definition.Type != args[0] {
				continue
			}
			switch definitionsFormat {
			case "json":
				return printJSON(m.Definition)
			case "yaml":
				out, err := definitions.Marshal(m.Definition)
				if err != nil {
					return err
				}
				_, err = stdout.Write(out)
				return err
			default:
				return fmt.Errorf("unsupported format %q", definitionsFormat)
			}
		}
		return fmt.Errorf("workflow type %q is not configured", args[0])
	},
}

func configuredModules() ([]workflow.Module, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	wc := cfg.ToContainerConfig().Workflow
	return container.ProvideModules(&wc)
}

func init() {
	definitionsShowCmd.Flags().StringVarP(&definitionsFormat, "output", "o", "yaml", "output format: yaml or json")

	definitionsCmd.AddCommand(definitionsValidateCmd, definitionsListCmd, definitionsShowCmd)
	rootCmd.AddCommand(definitionsCmd)
}
