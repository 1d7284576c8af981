package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "letterflow",
		Short: "Workflow and approval engine for HR letters",
		Long: `letterflow moves letters through their lifecycle (Draft, PendingApproval,
Approved, Sent) with permission checks, validation rules, human approvals
and an append-only audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to letterflow.yaml (default: ./letterflow.yaml or ./config/letterflow.yaml)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newDefinitionsCmd(opts),
		newRolesCmd(opts),
	)
	return rootCmd
}
