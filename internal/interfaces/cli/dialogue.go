// Package cli implements the typed booking dialogue used by `tablebook chat`.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"go.uber.org/zap"
)

// maxTries bounds how often a single question is re-asked after bad input.
const maxTries = 3

var errGaveUp = errors.New("too many invalid answers")

// IntentHandler runs booking intents. usecases.Coordinator satisfies it.
type IntentHandler interface {
	Handle(ctx context.Context, in reservation.BookingIntent) reservation.BookingResult
}

// Dialogue turns typed requests into booking intents. A request mentioning
// "book", "modify" or "cancel" starts the matching set of questions.
type Dialogue struct {
	In           io.Reader
	Out          io.Writer
	Intents      IntentHandler
	RestaurantID string
	Location     *time.Location
	Log          *zap.Logger

	scanner *bufio.Scanner
}

func (d *Dialogue) loc() *time.Location {
	if d.Location == nil {
		return time.UTC
	}
	return d.Location
}

func (d *Dialogue) readLine() (string, error) {
	if d.scanner == nil {
		d.scanner = bufio.NewScanner(d.In)
	}
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(d.scanner.Text()), nil
}

// Run reads requests until "quit", end of input or ctx is cancelled.
func (d *Dialogue) Run(ctx context.Context) error {
	fmt.Fprintln(d.Out, "Welcome! You can book, modify or cancel a reservation. Type quit to leave.")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(d.Out, "\nType your request: ")
		line, err := d.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit", "bye":
			fmt.Fprintln(d.Out, "Goodbye!")
			return nil
		}

		reply, err := d.HandleMessage(ctx, line)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, errGaveUp) {
			fmt.Fprintln(d.Out, "Let's start over.")
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(d.Out, reply)
	}
}

// HandleMessage routes one request and asks the follow-up questions it needs.
func (d *Dialogue) HandleMessage(ctx context.Context, message string) (string, error) {
	msg := strings.ToLower(message)
	var (
		in  reservation.BookingIntent
		err error
	)
	switch {
	case strings.Contains(msg, "book"):
		in, err = d.askBook()
	case strings.Contains(msg, "modify") || strings.Contains(msg, "change"):
		in, err = d.askModify()
	case strings.Contains(msg, "cancel"):
		in, err = d.askCancel()
	default:
		return "Sorry, I didn't understand that.", nil
	}
	if err != nil {
		return "", err
	}

	res := d.Intents.Handle(ctx, in)
	if d.Log != nil {
		d.Log.Debug("dialogue intent handled", zap.String("kind", string(in.Kind)), zap.String("outcome", string(res.Outcome)))
	}
	if res.Reservation != nil {
		local := *res.Reservation
		local.Start = local.Start.In(d.loc())
		res.Reservation = &local
	}
	return res.Message(), nil
}

func (d *Dialogue) askBook() (reservation.BookingIntent, error) {
	name, err := d.ask("Enter your name: ", required)
	if err != nil {
		return reservation.BookingIntent{}, err
	}
	phone, err := d.ask("Enter your phone number: ", required)
	if err != nil {
		return reservation.BookingIntent{}, err
	}
	at, err := d.askTime("Enter reservation date and time (YYYY-MM-DD HH:MM): ", false)
	if err != nil {
		return reservation.BookingIntent{}, err
	}
	party, err := d.askParty("Enter party size: ", false)
	if err != nil {
		return reservation.BookingIntent{}, err
	}
	return reservation.BookingIntent{
		Kind:          reservation.IntentBook,
		RestaurantID:  d.RestaurantID,
		CustomerName:  name,
		CustomerPhone: phone,
		At:            at,
		PartySize:     party,
	}, nil
}

func (d *Dialogue) askModify() (reservation.BookingIntent, error) {
	id, err := d.ask("Enter your booking ID: ", required)
	if err != nil {
		return reservation.BookingIntent{}, err
	}
	at, err := d.askTime("Enter new reservation date and time (YYYY-MM-DD HH:MM, blank to keep): ", true)
	if err != nil {
		return reservation.BookingIntent{}, err
	}
	party, err := d.askParty("Enter new party size (blank to keep): ", true)
	if err != nil {
		return reservation.BookingIntent{}, err
	}
	return reservation.BookingIntent{Kind: reservation.IntentModify, ReservationID: id, At: at, PartySize: party}, nil
}

func (d *Dialogue) askCancel() (reservation.BookingIntent, error) {
	id, err := d.ask("Enter your booking ID: ", required)
	if err != nil {
		return reservation.BookingIntent{}, err
	}
	return reservation.BookingIntent{Kind: reservation.IntentCancel, ReservationID: id}, nil
}

func required(v string) error {
	if v == "" {
		return errors.New("this can't be blank")
	}
	return nil
}

// ask prompts until check accepts the answer.
func (d *Dialogue) ask(prompt string, check func(string) error) (string, error) {
	for i := 0; i < maxTries; i++ {
		fmt.Fprint(d.Out, prompt)
		v, err := d.readLine()
		if err != nil {
			return "", err
		}
		if err := check(v); err != nil {
			fmt.Fprintf(d.Out, "Sorry, %v.\n", err)
			continue
		}
		return v, nil
	}
	return "", errGaveUp
}

func (d *Dialogue) askTime(prompt string, optional bool) (time.Time, error) {
	var at time.Time
	_, err := d.ask(prompt, func(v string) error {
		if v == "" && optional {
			return nil
		}
		t, err := reservation.ParseWhen(v, d.loc())
		if err != nil {
			return errors.New("please use YYYY-MM-DD HH:MM")
		}
		at = t
		return nil
	})
	return at, err
}

func (d *Dialogue) askParty(prompt string, optional bool) (int, error) {
	var n int
	_, err := d.ask(prompt, func(v string) error {
		if v == "" && optional {
			return nil
		}
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			return errors.New("party size must be a whole number of at least 1")
		}
		n = p
		return nil
	})
	return n, err
}
