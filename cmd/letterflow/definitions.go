package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/letter-workflow/auth"
	"github.com/songzhibin97/letter-workflow/config"
	"github.com/songzhibin97/letter-workflow/rules"
	"github.com/songzhibin97/letter-workflow/workflow"
)

func newDefinitionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Work with workflow definition files",
	}
	cmd.AddCommand(newDefinitionsValidateCmd(opts))
	return cmd
}

func newDefinitionsValidateCmd(opts *rootOptions) *cobra.Command {
	var useConfig bool

	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check definition files without storing them",
		Long: `Decode each file and check every definition graph: exactly one initial
state, unique state and transition IDs, unique edges, known endpoints and
compilable validation rules. With --catalog, permissions are checked against
engine.permissions from the configuration.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var catalog *auth.Catalog
			if useConfig {
				cfg, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}
				catalog = auth.NewCatalog(cfg.PermissionCatalog()...)
			}
			evaluator := rules.NewExprEvaluator()

			failed := 0
			for _, path := range args {
				defs, err := workflow.LoadDefinitionsFile(path)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
					failed++
					continue
				}
				for _, def := range defs {
					if err := workflow.ValidateDefinition(def, catalog, evaluator); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: definition %d (%s): %v\n", path, def.ID, def.Name, err)
						failed++
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: definition %d (%s) ok: %d states, %d transitions\n",
						path, def.ID, def.Name, len(def.States), len(def.Transitions))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d definition(s) failed validation", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&useConfig, "catalog", false, "Check permissions against the configured catalog")
	return cmd
}
