package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/tablebook/internal/application/usecases"
	"github.com/example/tablebook/internal/interfaces/web"
	"github.com/example/tablebook/internal/internaltypes"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServerCmd() *cobra.Command {
	var (
		migrateUp bool
		seed      bool
		staffUser string
		staffPass string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the intent API, staff dashboard and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireCookieKeys(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, cfg, migrateUp)
			if err != nil {
				return err
			}
			defer a.Close()

			if seed || cfg.SeedDemo {
				if err := a.seedIfEmpty(ctx); err != nil {
					return err
				}
			}

			auth := usecases.AuthService{Users: a.users}
			if staffUser != "" {
				if err := ensureStaff(ctx, auth, staffUser, staffPass); err != nil {
					return err
				}
			}

			ws, err := web.New(web.Server{
				Sessions:     web.NewSessionManager(cfg.CookieHashKey, cfg.CookieBlockKey),
				Auth:         auth,
				Intents:      a.coord,
				Staff:        a.staff,
				Log:          a.log.Named("web"),
				RestaurantID: cfg.RestaurantID,
				Location:     cfg.Location,
				Limiter:      web.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
			})
			if err != nil {
				return err
			}

			a.log.Info("starting",
				zap.String("addr", cfg.ListenAddr),
				zap.String("base_url", cfg.BaseURL),
				zap.String("restaurant_id", cfg.RestaurantID))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := a.reconciler().Run(gctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			g.Go(func() error { return web.Start(gctx, cfg.ListenAddr, ws.Routes(), a.log) })
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&seed, "seed-demo", false, "create demo tables and slots when the restaurant is empty")

	cmd.Flags().StringVar(&staffUser, "staff-username", "", "create this staff login on startup if it does not exist")
	cmd.Flags().StringVar(&staffPass, "staff-password", "", "password for --staff-username")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}

// ensureStaff registers username unless it already exists. With the memory
// backends this is the only way to get a dashboard login.
func ensureStaff(ctx context.Context, auth usecases.AuthService, username, password string) error {
	_, err := auth.Users.GetByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, internaltypes.ErrNotFound) {
		return err
	}
	if password == "" {
		return fmt.Errorf("--staff-password required with --staff-username")
	}
	_, err = auth.Register(ctx, username, password)
	return err
}
