package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// withApp loads config, opens the backends and runs fn. Postgres
// migrations are applied first.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Manage restaurant tables",
	}
	cmd.AddCommand(newTableAddCmd())
	cmd.AddCommand(newTableListCmd())
	return cmd
}

func newTableAddCmd() *cobra.Command {
	var (
		restaurantID string
		name         string
		capacity     int
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rid := restaurantID
				if rid == "" {
					rid = a.cfg.RestaurantID
				}
				t, err := a.staff.AddTable(ctx, rid, name, capacity)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created table %s (%q, seats %d)\n", t.ID, t.Name, t.Capacity)
				return nil
			})
		},
	}

	c.Flags().StringVar(&restaurantID, "restaurant", "", "restaurant id (default RESTAURANT_ID)")
	c.Flags().StringVar(&name, "name", "", "table name")
	c.Flags().IntVar(&capacity, "capacity", 0, "number of seats")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("capacity")
	return c
}

func newTableListCmd() *cobra.Command {
	var restaurantID string

	c := &cobra.Command{
		Use:   "list",
		Short: "List tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rid := restaurantID
				if rid == "" {
					rid = a.cfg.RestaurantID
				}
				tables, err := a.staff.Tables(ctx, rid)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tCAPACITY")
				for _, t := range tables {
					fmt.Fprintf(w, "%s\t%s\t%d\n", t.ID, t.Name, t.Capacity)
				}
				return w.Flush()
			})
		},
	}

	c.Flags().StringVar(&restaurantID, "restaurant", "", "restaurant id (default RESTAURANT_ID)")
	return c
}

func newSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Open, close and list bookable slots",
	}
	cmd.AddCommand(newSlotsOpenCmd())
	cmd.AddCommand(newSlotsCloseCmd())
	cmd.AddCommand(newSlotsListCmd())
	return cmd
}

func newSlotsOpenCmd() *cobra.Command {
	var (
		tableID  string
		date     string
		starts   string
		duration time.Duration
	)

	c := &cobra.Command{
		Use:   "open",
		Short: "Open slots on a table for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				day, err := a.staff.ParseDay(date, time.Now())
				if err != nil {
					return err
				}
				times, err := a.staff.ParseStarts(day, starts)
				if err != nil {
					return err
				}
				d := duration
				if d == 0 {
					d = a.cfg.DefaultDuration
				}
				slots, err := a.staff.OpenSlots(ctx, tableID, times, d)
				if err != nil {
					return err
				}
				for _, s := range slots {
					fmt.Fprintf(cmd.OutOrStdout(), "opened slot %s at %s\n", s.ID, s.Start.In(a.cfg.Location).Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}

	c.Flags().StringVar(&tableID, "table", "", "table id")
	c.Flags().StringVar(&date, "date", "", "day (YYYY-MM-DD, default today)")
	c.Flags().StringVar(&starts, "at", "", "comma-separated start times, e.g. 18:00,19:30")
	c.Flags().DurationVar(&duration, "duration", 0, "slot length (default DEFAULT_DURATION)")
	_ = c.MarkFlagRequired("table")
	_ = c.MarkFlagRequired("at")
	return c
}

func newSlotsCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close SLOT_ID",
		Short: "Take a free slot out of service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.staff.CloseSlot(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "closed slot %s\n", args[0])
				return nil
			})
		},
	}
}

func newSlotsListCmd() *cobra.Command {
	var restaurantID, date string

	c := &cobra.Command{
		Use:   "list",
		Short: "List slots for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rid := restaurantID
				if rid == "" {
					rid = a.cfg.RestaurantID
				}
				day, err := a.staff.ParseDay(date, time.Now())
				if err != nil {
					return err
				}
				slots, err := a.staff.Slots(ctx, rid, day)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTABLE\tSEATS\tSTART\tMINUTES\tSTATUS")
				for _, s := range slots {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
						s.ID, s.TableID, s.Capacity,
						s.Start.In(a.cfg.Location).Format("15:04"),
						int(s.Duration/time.Minute), s.Status)
				}
				return w.Flush()
			})
		},
	}

	c.Flags().StringVar(&restaurantID, "restaurant", "", "restaurant id (default RESTAURANT_ID)")
	c.Flags().StringVar(&date, "date", "", "day (YYYY-MM-DD, default today)")
	return c
}
