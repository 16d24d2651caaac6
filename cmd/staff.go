package cmd

import (
	"context"
	"fmt"

	"github.com/example/tablebook/internal/application/usecases"
	"github.com/example/tablebook/internal/config"
	"github.com/spf13/cobra"
)

func newStaffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Manage staff logins for the dashboard",
	}
	cmd.AddCommand(newStaffAddCmd())
	return cmd
}

func newStaffAddCmd() *cobra.Command {
	var username, password string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a staff login (username/password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// logins live in postgres whatever the ledger driver is
			cfg.StoreDriver = config.DriverPostgres

			ctx := context.Background()
			a, err := openApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := usecases.AuthService{Users: a.users}.Register(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created staff login %q (%s)\n", u.Username, u.ID)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}
