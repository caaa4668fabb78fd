package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/teetime-scheduler/internal/attempts"
	"github.com/example/teetime-scheduler/internal/auth"
	"github.com/example/teetime-scheduler/internal/db"
	"github.com/example/teetime-scheduler/internal/export"
	"github.com/example/teetime-scheduler/internal/gapscan"
	"github.com/example/teetime-scheduler/internal/reservation"
)

//go:embed templates/*.html static/*
var fs embed.FS

// Scanner is implemented by trigger.Service.
type Scanner interface {
	RunGapScan(ctx context.Context, windowDays int, window reservation.TargetWindow) (gapscan.Report, error)
	RefreshPending(ctx context.Context)
}

type Server struct {
	Auth     *auth.Store
	Attempts attempts.Store
	Trigger  Scanner

	GapDays int
	Window  reservation.TargetWindow
	// Quiet reports when a scan would still hold the run lock at the daily
	// run. Nil never holds a scan back.
	Quiet func(now time.Time) bool

	// Ctx bounds scans started from the dashboard; they outlive the request.
	Ctx     context.Context
	BaseURL string
	Log     zerolog.Logger

	once    sync.Once
	limiter *loginLimiter
	scans   sync.WaitGroup
}

type tmplData struct {
	Title    string
	Operator int64

	Flash    string
	Window   string
	GapDays  int
	Pending  int
	Attempts []attempts.Attempt
	Scans    []attempts.Scan
}

const (
	recentAttempts = 50
	recentScans    = 20
	exportLimit    = 1000
)

func (s *Server) Routes() http.Handler {
	s.once.Do(func() {
		if s.limiter == nil {
			s.limiter = newLoginLimiter(6*time.Second, 5)
		}
		if s.Ctx == nil {
			s.Ctx = context.Background()
		}
	})

	mux := http.NewServeMux()

	mux.Handle("GET /static/", http.FileServer(http.FS(fs)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)

	mux.Handle("GET /{$}", s.Auth.RequireAuth(http.HandlerFunc(s.handleHome)))
	mux.Handle("POST /scan", s.Auth.RequireAuth(http.HandlerFunc(s.handleScan)))
	mux.Handle("POST /attempts/{id}/verified", s.Auth.RequireAuth(http.HandlerFunc(s.handleVerified)))
	mux.Handle("GET /export.xlsx", s.Auth.RequireAuth(http.HandlerFunc(s.handleExport)))

	return mux
}

func (s *Server) log() zerolog.Logger {
	return s.Log.With().Str("component", "web").Logger()
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.OperatorIDFromContext(r.Context())
	as, err := s.Attempts.Recent(r.Context(), recentAttempts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	scans, err := s.Attempts.RecentScans(r.Context(), recentScans)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pending := 0
	for _, a := range as {
		if a.NeedsVerification {
			pending++
		}
	}
	s.render(w, "templates/dashboard.html", tmplData{
		Title:    "Dashboard",
		Operator: id,
		Flash:    r.URL.Query().Get("flash"),
		Window:   s.Window.String(),
		GapDays:  s.GapDays,
		Pending:  pending,
		Attempts: as,
		Scans:    scans,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.render(w, "templates/login.html", tmplData{Title: "Login"})
		return
	case http.MethodPost:
		if !s.limiter.allow(r) {
			l := s.log()
			l.Warn().Str("ip", clientIP(r)).Msg("login rate limit exceeded")
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			s.render(w, "templates/login.html", tmplData{Title: "Login", Flash: "Too many attempts, try again shortly"})
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		password := r.FormValue("password")
		id, err := s.Auth.Authenticate(r.Context(), username, password)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidCredentials) {
				l := s.log()
				l.Error().Err(err).Msg("authenticate")
			}
			s.render(w, "templates/login.html", tmplData{Title: "Login", Flash: "Invalid username/password"})
			return
		}
		if err := s.Auth.SetSession(w, r, id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

// handleScan starts a gap scan in the background and returns at once.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.OperatorIDFromContext(r.Context())
	log := s.log().With().Int64("operator", id).Logger()
	if s.Quiet != nil && s.Quiet(time.Now()) {
		log.Info().Msg("gap scan refused near the daily run")
		redirectFlash(w, r, "Daily run is close, gap scan not started")
		return
	}
	log.Info().Msg("gap scan requested")

	s.scans.Add(1)
	go func() {
		defer s.scans.Done()
		rep, err := s.Trigger.RunGapScan(s.Ctx, s.GapDays, s.Window)
		if err != nil {
			log.Warn().Err(err).Msg("requested gap scan failed")
			return
		}
		log.Info().Str("run_id", rep.RunID).Bool("booked", rep.Booked()).Msg("requested gap scan finished")
	}()
	redirectFlash(w, r, "Gap scan started")
}

func (s *Server) handleVerified(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid attempt id", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	booked := r.FormValue("booked") == "yes"
	if err := s.Attempts.ClearVerification(r.Context(), id, booked); err != nil {
		if db.IsNotFound(err) {
			http.Error(w, "no attempt awaiting verification", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.Trigger.RefreshPending(r.Context())
	op, _ := auth.OperatorIDFromContext(r.Context())
	l := s.log()
	l.Info().Int64("operator", op).Int64("attempt", id).Bool("booked", booked).Msg("attempt verified")
	redirectFlash(w, r, "Attempt "+strconv.FormatInt(id, 10)+" verified")
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	as, err := s.Attempts.Recent(r.Context(), exportLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	scans, err := s.Attempts.RecentScans(r.Context(), exportLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="teesched-attempts.xlsx"`)
	if err := export.WriteAttempts(w, as, scans); err != nil {
		l := s.log()
		l.Error().Err(err).Msg("export")
	}
}

func redirectFlash(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/?flash="+url.QueryEscape(msg), http.StatusSeeOther)
}

// Wait blocks until dashboard-started scans finish.
func (s *Server) Wait() { s.scans.Wait() }

var funcs = template.FuncMap{
	"stamp": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("Jan 2 15:04:05")
	},
	"day": func(t time.Time) string { return t.Format("Mon Jan 2") },
	"clock": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("15:04")
	},
}

func (s *Server) render(w http.ResponseWriter, name string, data tmplData) {
	t, err := template.New("").Funcs(funcs).ParseFS(fs,
		"templates/base.html",
		name,
	)
	if err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, "render error: "+err.Error(), http.StatusInternalServerError)
	}
}

func Start(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
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
	log.Info().Str("addr", addr).Msg("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
