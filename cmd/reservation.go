package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/spf13/cobra"
)

func newReservationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "reservation",
		Aliases: []string{"res"},
		Short:   "Book, modify, cancel and inspect reservations",
	}
	cmd.AddCommand(newReservationBookCmd())
	cmd.AddCommand(newReservationModifyCmd())
	cmd.AddCommand(newReservationCancelCmd())
	cmd.AddCommand(newReservationGetCmd())
	cmd.AddCommand(newReservationListCmd())
	return cmd
}

// runIntent hands in to the coordinator and prints the outcome. A failed
// outcome becomes the command error.
func runIntent(ctx context.Context, a *app, out io.Writer, in reservation.BookingIntent) error {
	res := a.coord.Handle(ctx, in)
	if res.Reservation != nil {
		r := *res.Reservation
		r.Start = r.Start.In(a.cfg.Location)
		res.Reservation = &r
	}
	if !res.Outcome.OK() {
		return fmt.Errorf("%s: %s", res.Outcome, res.Message())
	}
	fmt.Fprintln(out, res.Message())
	return nil
}

func newReservationBookCmd() *cobra.Command {
	var (
		restaurantID string
		customerID   string
		name         string
		phone        string
		at           string
		duration     time.Duration
		partySize    int
	)

	c := &cobra.Command{
		Use:   "book",
		Short: "Book the best free table at a time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				when, err := reservation.ParseWhen(at, a.cfg.Location)
				if err != nil {
					return err
				}
				rid := restaurantID
				if rid == "" {
					rid = a.cfg.RestaurantID
				}
				return runIntent(ctx, a, cmd.OutOrStdout(), reservation.BookingIntent{
					Kind:          reservation.IntentBook,
					RestaurantID:  rid,
					CustomerID:    customerID,
					CustomerName:  name,
					CustomerPhone: phone,
					At:            when,
					Duration:      duration,
					PartySize:     partySize,
				})
			})
		},
	}

	c.Flags().StringVar(&restaurantID, "restaurant", "", "restaurant id (default RESTAURANT_ID)")
	c.Flags().StringVar(&customerID, "customer-id", "", "customer id")
	c.Flags().StringVar(&name, "name", "", "customer name")
	c.Flags().StringVar(&phone, "phone", "", "customer phone")
	c.Flags().StringVar(&at, "at", "", "time, RFC3339 or \"YYYY-MM-DD HH:MM\" in TIMEZONE")
	c.Flags().DurationVar(&duration, "duration", 0, "reservation length (default DEFAULT_DURATION)")
	c.Flags().IntVar(&partySize, "party-size", 2, "party size")
	_ = c.MarkFlagRequired("at")
	return c
}

func newReservationModifyCmd() *cobra.Command {
	var (
		at        string
		duration  time.Duration
		partySize int
	)

	c := &cobra.Command{
		Use:   "modify RESERVATION_ID",
		Short: "Move a reservation to a new time or party size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				in := reservation.BookingIntent{
					Kind:          reservation.IntentModify,
					ReservationID: args[0],
					Duration:      duration,
					PartySize:     partySize,
				}
				if at != "" {
					when, err := reservation.ParseWhen(at, a.cfg.Location)
					if err != nil {
						return err
					}
					in.At = when
				}
				return runIntent(ctx, a, cmd.OutOrStdout(), in)
			})
		},
	}

	c.Flags().StringVar(&at, "at", "", "new time (default keep)")
	c.Flags().DurationVar(&duration, "duration", 0, "new length (default keep)")
	c.Flags().IntVar(&partySize, "party-size", 0, "new party size (default keep)")
	return c
}

func newReservationCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RESERVATION_ID",
		Short: "Cancel a reservation and free its table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return runIntent(ctx, a, cmd.OutOrStdout(), reservation.BookingIntent{
					Kind:          reservation.IntentCancel,
					ReservationID: args[0],
				})
			})
		},
	}
}

func newReservationGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get RESERVATION_ID",
		Short: "Show one reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				r, err := a.staff.Reservation(ctx, args[0])
				if err != nil {
					return err
				}
				return printReservations(cmd.OutOrStdout(), a.cfg.Location, []reservation.Reservation{r})
			})
		},
	}
}

func newReservationListCmd() *cobra.Command {
	var restaurantID, date string
	var all bool

	c := &cobra.Command{
		Use:   "list",
		Short: "List reservations for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rid := restaurantID
				if rid == "" {
					rid = a.cfg.RestaurantID
				}
				var day time.Time
				if !all {
					d, err := a.staff.ParseDay(date, time.Now())
					if err != nil {
						return err
					}
					day = d
				}
				rs, err := a.staff.Reservations(ctx, rid, day)
				if err != nil {
					return err
				}
				return printReservations(cmd.OutOrStdout(), a.cfg.Location, rs)
			})
		},
	}

	c.Flags().StringVar(&restaurantID, "restaurant", "", "restaurant id (default RESTAURANT_ID)")
	c.Flags().StringVar(&date, "date", "", "day (YYYY-MM-DD, default today)")
	c.Flags().BoolVar(&all, "all", false, "list every day")
	return c
}

func printReservations(out io.Writer, loc *time.Location, rs []reservation.Reservation) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTART\tPARTY\tTABLE\tNAME\tPHONE")
	for _, r := range rs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Status, r.Start.In(loc).Format("2006-01-02 15:04"),
			r.PartySize, r.TableID, r.CustomerName, r.CustomerPhone)
	}
	return w.Flush()
}
