package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/tablebook/internal/interfaces/cli"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Book, modify or cancel through a typed conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if seed || cfg.SeedDemo {
				if err := a.seedIfEmpty(ctx); err != nil {
					return err
				}
			}

			d := &cli.Dialogue{
				In:           cmd.InOrStdin(),
				Out:          cmd.OutOrStdout(),
				Intents:      a.coord,
				RestaurantID: cfg.RestaurantID,
				Location:     cfg.Location,
				Log:          a.log.Named("chat"),
			}
			return d.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&seed, "seed-demo", false, "create demo tables and slots when the restaurant is empty")
	return cmd
}
