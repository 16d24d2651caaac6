package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type intentRequest struct {
	Kind            string `json:"kind"`
	RestaurantID    string `json:"restaurant_id"`
	CustomerID      string `json:"customer_id"`
	CustomerName    string `json:"customer_name"`
	CustomerPhone   string `json:"customer_phone"`
	At              string `json:"at"`
	DurationMinutes int    `json:"duration_minutes"`
	PartySize       int    `json:"party_size"`
	ReservationID   string `json:"reservation_id"`
}

type reservationDTO struct {
	ID              string    `json:"id"`
	CustomerName    string    `json:"customer_name"`
	CustomerPhone   string    `json:"customer_phone,omitempty"`
	RestaurantID    string    `json:"restaurant_id"`
	TableID         string    `json:"table_id"`
	SlotID          string    `json:"slot_id"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	PartySize       int       `json:"party_size"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type slotDTO struct {
	ID           string    `json:"id"`
	TableID      string    `json:"table_id"`
	RestaurantID string    `json:"restaurant_id"`
	Capacity     int       `json:"capacity"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Status       string    `json:"status"`
	Version      int64     `json:"version"`
}

type tableDTO struct {
	ID           string `json:"id"`
	RestaurantID string `json:"restaurant_id"`
	Name         string `json:"name"`
	Capacity     int    `json:"capacity"`
}

type resultDTO struct {
	Outcome     string          `json:"outcome"`
	Message     string          `json:"message"`
	Detail      string          `json:"detail,omitempty"`
	Reservation *reservationDTO `json:"reservation,omitempty"`
	Slot        *slotDTO        `json:"slot,omitempty"`
}

// toReservationDTO leaves the phone number out unless withContact is set.
func toReservationDTO(r reservation.Reservation, withContact bool) reservationDTO {
	d := reservationDTO{
		ID:              r.ID,
		CustomerName:    r.CustomerName,
		RestaurantID:    r.RestaurantID,
		TableID:         r.TableID,
		SlotID:          r.SlotID,
		Start:           r.Start,
		DurationMinutes: int(r.Duration / time.Minute),
		PartySize:       r.PartySize,
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if withContact {
		d.CustomerPhone = r.CustomerPhone
	}
	return d
}

func toSlotDTO(s reservation.Slot) slotDTO {
	return slotDTO{
		ID:           s.ID,
		TableID:      s.TableID,
		RestaurantID: s.RestaurantID,
		Capacity:     s.Capacity,
		Start:        s.Start,
		End:          s.End(),
		Status:       string(s.Status),
		Version:      s.Version,
	}
}

func toTableDTO(t reservation.Table) tableDTO {
	return tableDTO{ID: t.ID, RestaurantID: t.RestaurantID, Name: t.Name, Capacity: t.Capacity}
}

func toResultDTO(res reservation.BookingResult) resultDTO {
	out := resultDTO{Outcome: string(res.Outcome), Message: res.Message(), Detail: res.Detail}
	if res.Reservation != nil {
		d := toReservationDTO(*res.Reservation, false)
		out.Reservation = &d
	}
	if res.Slot != nil {
		d := toSlotDTO(*res.Slot)
		out.Slot = &d
	}
	return out
}

// statusFor maps an outcome onto the HTTP status of the intent response.
func statusFor(o reservation.Outcome) int {
	switch o {
	case reservation.OutcomeConfirmed, reservation.OutcomeCancelled:
		return http.StatusOK
	case reservation.OutcomeInvalidRequest:
		return http.StatusBadRequest
	case reservation.OutcomeReservationNotFound:
		return http.StatusNotFound
	case reservation.OutcomeNoAvailability, reservation.OutcomeInvalidState:
		return http.StatusConflict
	case reservation.OutcomeBookingFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) intentFrom(req intentRequest) (reservation.BookingIntent, error) {
	in := reservation.BookingIntent{
		Kind:          reservation.IntentKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		RestaurantID:  strings.TrimSpace(req.RestaurantID),
		CustomerID:    strings.TrimSpace(req.CustomerID),
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Duration:      time.Duration(req.DurationMinutes) * time.Minute,
		PartySize:     req.PartySize,
		ReservationID: strings.TrimSpace(req.ReservationID),
	}
	if in.RestaurantID == "" && in.Kind == reservation.IntentBook {
		in.RestaurantID = s.RestaurantID
	}
	if strings.TrimSpace(req.At) != "" {
		at, err := reservation.ParseWhen(req.At, s.Location)
		if err != nil {
			return reservation.BookingIntent{}, err
		}
		in.At = at
	}
	return in, nil
}

func (s *Server) apiIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		res := reservation.BookingResult{Outcome: reservation.OutcomeInvalidRequest, Detail: "malformed JSON body"}
		writeJSON(w, http.StatusBadRequest, toResultDTO(res))
		return
	}
	in, err := s.intentFrom(req)
	if err != nil {
		res := reservation.BookingResult{Outcome: reservation.OutcomeInvalidRequest, Detail: err.Error()}
		writeJSON(w, http.StatusBadRequest, toResultDTO(res))
		return
	}
	res := s.Intents.Handle(r.Context(), in)
	writeJSON(w, statusFor(res.Outcome), toResultDTO(res))
}

func (s *Server) apiReservation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.Staff.Reservation(r.Context(), id)
	if err != nil {
		if errors.Is(err, reservation.ErrReservationNotFound) {
			writeJSONError(w, http.StatusNotFound, "reservation not found")
			return
		}
		s.Log.Error("get reservation", zap.String("reservation_id", id), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not load reservation")
		return
	}
	_, staff := s.Sessions.GetUserID(r)
	writeJSON(w, http.StatusOK, toReservationDTO(res, staff))
}

// dayParam reads ?date=YYYY-MM-DD. Missing means today; "all" means no filter.
func (s *Server) dayParam(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("date")
	if v == "all" {
		return time.Time{}, nil
	}
	return s.Staff.ParseDay(v, s.Now())
}

func (s *Server) apiReservations(w http.ResponseWriter, r *http.Request) {
	day, err := s.dayParam(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.Staff.Reservations(r.Context(), mux.Vars(r)["rid"], day)
	if err != nil {
		s.Log.Error("list reservations", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not list reservations")
		return
	}
	out := make([]reservationDTO, 0, len(list))
	for _, res := range list {
		out = append(out, toReservationDTO(res, true))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.Staff.Tables(r.Context(), mux.Vars(r)["rid"])
	if err != nil {
		s.Log.Error("list tables", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not list tables")
		return
	}
	out := make([]tableDTO, 0, len(tables))
	for _, t := range tables {
		out = append(out, toTableDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type addTableRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

func (s *Server) apiAddTable(w http.ResponseWriter, r *http.Request) {
	var req addTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	t, err := s.Staff.AddTable(r.Context(), mux.Vars(r)["rid"], req.Name, req.Capacity)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toTableDTO(t))
}

func (s *Server) apiSlots(w http.ResponseWriter, r *http.Request) {
	day, err := s.Staff.ParseDay(r.URL.Query().Get("date"), s.Now())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	slots, err := s.Staff.Slots(r.Context(), mux.Vars(r)["rid"], day)
	if err != nil {
		s.Log.Error("list slots", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not list slots")
		return
	}
	out := make([]slotDTO, 0, len(slots))
	for _, sl := range slots {
		out = append(out, toSlotDTO(sl))
	}
	writeJSON(w, http.StatusOK, out)
}

type openSlotsRequest struct {
	Date            string   `json:"date"`
	Times           []string `json:"times"`
	DurationMinutes int      `json:"duration_minutes"`
}

func (s *Server) apiOpenSlots(w http.ResponseWriter, r *http.Request) {
	var req openSlotsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	day, err := s.Staff.ParseDay(req.Date, s.Now())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	starts, err := s.Staff.ParseStarts(day, strings.Join(req.Times, ","))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	slots, err := s.Staff.OpenSlots(r.Context(), mux.Vars(r)["tid"], starts, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, reservation.ErrTableNotFound) {
			code = http.StatusNotFound
		}
		writeJSONError(w, code, err.Error())
		return
	}
	out := make([]slotDTO, 0, len(slots))
	for _, sl := range slots {
		out = append(out, toSlotDTO(sl))
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) apiCloseSlot(w http.ResponseWriter, r *http.Request) {
	err := s.Staff.CloseSlot(r.Context(), mux.Vars(r)["sid"])
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, reservation.ErrSlotNotFound):
		writeJSONError(w, http.StatusNotFound, "slot not found")
	case errors.Is(err, reservation.ErrSlotInUse):
		writeJSONError(w, http.StatusConflict, "slot is held or booked")
	default:
		s.Log.Error("close slot", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "could not close slot")
	}
}
