package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/letter-workflow/config"
	"github.com/songzhibin97/letter-workflow/types"
)

func newRolesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage role assignments and grants",
	}
	cmd.AddCommand(newRolesGrantCmd(opts))
	return cmd
}

func newRolesGrantCmd(opts *rootOptions) *cobra.Command {
	var (
		userID      string
		userType    string
		permissions []string
	)

	cmd := &cobra.Command{
		Use:   "grant ROLE",
		Short: "Assign a role to a user and/or grant permissions to a role",
		Example: `  letterflow roles grant hr-manager --user bob --user-type employee
  letterflow roles grant hr-manager --permission can-approve-letters`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := args[0]
			if userID == "" && len(permissions) == 0 {
				return errors.New("nothing to grant: pass --user and/or --permission")
			}

			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == config.BackendMemory {
				return errors.New("roles grant needs a persistent storage backend (redis or postgres)")
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			for _, p := range permissions {
				if err := a.store.GrantPermission(ctx, role, types.Permission(p)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %s to role %s\n", p, role)
			}
			if userID != "" {
				if err := a.store.GrantRole(ctx, userID, userType, role); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "assigned role %s to %s/%s\n", role, userType, userID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID to assign the role to")
	cmd.Flags().StringVar(&userType, "user-type", "employee", "User type of --user")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "Permission to grant to the role (repeatable)")
	return cmd
}
