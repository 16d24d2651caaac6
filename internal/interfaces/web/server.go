// Package web serves the staff dashboard and the JSON intent API.
package web

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/tablebook/internal/application/usecases"
	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// IntentHandler runs booking intents. usecases.Coordinator satisfies it.
type IntentHandler interface {
	Handle(ctx context.Context, in reservation.BookingIntent) reservation.BookingResult
}

type Server struct {
	Sessions     *SessionManager
	Auth         usecases.AuthService
	Intents      IntentHandler
	Staff        usecases.StaffService
	Log          *zap.Logger
	RestaurantID string
	Location     *time.Location
	Now          func() time.Time
	// Limiter throttles logins and intents per client. Nil disables it.
	Limiter      *RateLimiter

	tmpl map[string]*template.Template
}

func New(s Server) (*Server, error) {
	tmpl, err := ParseTemplates()
	if err != nil {
		return nil, err
	}
	s.tmpl = tmpl
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &s, nil
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/login", s.limit(s.handleLogin)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	r.Handle("/", s.requireStaff(s.handleDashboard)).Methods(http.MethodGet)
	r.Handle("/tables", s.requireStaff(s.handleAddTableForm)).Methods(http.MethodPost)
	r.Handle("/slots", s.requireStaff(s.handleOpenSlotsForm)).Methods(http.MethodPost)
	r.Handle("/slots/{sid}/close", s.requireStaff(s.handleCloseSlotForm)).Methods(http.MethodPost)
	r.Handle("/reservations/{id}/cancel", s.requireStaff(s.handleCancelForm)).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/intents", s.limit(s.apiIntent)).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{id}", s.apiReservation).Methods(http.MethodGet)
	api.Handle("/restaurants/{rid}/reservations", s.requireStaffAPI(s.apiReservations)).Methods(http.MethodGet)
	api.Handle("/restaurants/{rid}/tables", s.requireStaffAPI(s.apiTables)).Methods(http.MethodGet)
	api.Handle("/restaurants/{rid}/tables", s.requireStaffAPI(s.apiAddTable)).Methods(http.MethodPost)
	api.Handle("/restaurants/{rid}/slots", s.requireStaffAPI(s.apiSlots)).Methods(http.MethodGet)
	api.Handle("/tables/{tid}/slots", s.requireStaffAPI(s.apiOpenSlots)).Methods(http.MethodPost)
	api.Handle("/slots/{sid}", s.requireStaffAPI(s.apiCloseSlot)).Methods(http.MethodDelete)

	return s.logging(r)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)))
	})
}

type ctxKeyUserID struct{}

func userIDFromCtx(r *http.Request) string {
	if v, ok := r.Context().Value(ctxKeyUserID{}).(string); ok {
		return v
	}
	return ""
}

func (s *Server) requireStaff(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.Sessions.GetUserID(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID{}, uid)))
	})
}

func (s *Server) requireStaffAPI(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.Sessions.GetUserID(r)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "sign in required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID{}, uid)))
	})
}

type pageData struct {
	Title string
	User  string
	Flash string

	Username string

	RestaurantID string
	Day          time.Time
	Location     *time.Location
	Tables       []reservation.Table
	TableNames   map[string]string
	Slots        []reservation.Slot
	Reservations []reservation.Reservation
}

func (s *Server) render(w http.ResponseWriter, name string, data pageData) {
	t, ok := s.tmpl[name]
	if !ok {
		http.Error(w, "unknown page "+name, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, "base", data); err != nil {
		s.Log.Error("render", zap.String("page", name), zap.Error(err))
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.render(w, "login.html", pageData{Title: "Sign in"})
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	u, err := s.Auth.VerifyPassword(ctx, username, password)
	if err != nil {
		s.Log.Info("login failed", zap.String("username", username))
		s.render(w, "login.html", pageData{Title: "Sign in", Flash: "Invalid username or password", Username: username})
		return
	}
	if err := s.Sessions.SetUserID(w, r, u.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Sessions.Clear(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) dashboardData(ctx context.Context, day time.Time) (pageData, error) {
	tables, err := s.Staff.Tables(ctx, s.RestaurantID)
	if err != nil {
		return pageData{}, err
	}
	slots, err := s.Staff.Slots(ctx, s.RestaurantID, day)
	if err != nil {
		return pageData{}, err
	}
	res, err := s.Staff.Reservations(ctx, s.RestaurantID, day)
	if err != nil {
		return pageData{}, err
	}
	names := make(map[string]string, len(tables))
	for _, t := range tables {
		names[t.ID] = t.Name
	}
	return pageData{
		Title:        "Dashboard",
		RestaurantID: s.RestaurantID,
		Day:          day,
		Location:     s.Location,
		Tables:       tables,
		TableNames:   names,
		Slots:        slots,
		Reservations: res,
	}, nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	day, err := s.Staff.ParseDay(r.URL.Query().Get("date"), s.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := s.dashboardData(r.Context(), day)
	if err != nil {
		s.Log.Error("dashboard", zap.Error(err))
		http.Error(w, "could not load dashboard", http.StatusInternalServerError)
		return
	}
	data.User = userIDFromCtx(r)
	data.Flash = r.URL.Query().Get("flash")
	s.render(w, "dashboard.html", data)
}

// back redirects to the dashboard for date with an optional flash message.
func back(w http.ResponseWriter, r *http.Request, date, flash string) {
	q := make([]string, 0, 2)
	if date != "" {
		q = append(q, "date="+date)
	}
	if flash != "" {
		q = append(q, "flash="+url.QueryEscape(flash))
	}
	target := "/"
	if len(q) > 0 {
		target += "?" + strings.Join(q, "&")
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) handleAddTableForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	capacity, _ := strconv.Atoi(r.FormValue("capacity"))
	if _, err := s.Staff.AddTable(r.Context(), s.RestaurantID, r.FormValue("name"), capacity); err != nil {
		back(w, r, "", err.Error())
		return
	}
	back(w, r, "", "Table added.")
}

func (s *Server) handleOpenSlotsForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	date := r.FormValue("date")
	day, err := s.Staff.ParseDay(date, s.Now())
	if err != nil {
		back(w, r, "", err.Error())
		return
	}
	starts, err := s.Staff.ParseStarts(day, r.FormValue("times"))
	if err != nil {
		back(w, r, date, err.Error())
		return
	}
	mins, _ := strconv.Atoi(r.FormValue("duration_minutes"))
	if _, err := s.Staff.OpenSlots(r.Context(), r.FormValue("table_id"), starts, time.Duration(mins)*time.Minute); err != nil {
		back(w, r, date, err.Error())
		return
	}
	back(w, r, date, "Slots opened.")
}

func (s *Server) handleCloseSlotForm(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	if err := s.Staff.CloseSlot(r.Context(), sid); err != nil {
		if errors.Is(err, reservation.ErrSlotInUse) {
			back(w, r, "", "That slot is held or booked and cannot be closed.")
			return
		}
		back(w, r, "", err.Error())
		return
	}
	back(w, r, "", "Slot closed.")
}

func (s *Server) handleCancelForm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res := s.Intents.Handle(r.Context(), reservation.BookingIntent{Kind: reservation.IntentCancel, ReservationID: id})
	back(w, r, "", res.Message())
}

// Start serves h on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
