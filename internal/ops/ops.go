// Package ops serves the operational HTTP surface: liveness, Prometheus
// metrics, and read-only views of live calls, registrations, and trunk
// health. There is no mutating admin API here.
package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telaris/telaris/internal/registry"
	"github.com/telaris/telaris/internal/session"
	"github.com/telaris/telaris/internal/trunk"
	"github.com/telaris/telaris/internal/voicemail"
)

// CallProvider exposes live call sessions.
type CallProvider interface {
	Count() int
	Snapshots() []session.Snapshot
}

// Server holds handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	calls     CallProvider
	directory *registry.Registry
	trunks    *trunk.Manager
	voicemail *voicemail.Store
	startTime time.Time
	logger    *slog.Logger
}

// NewServer creates the ops handler with all routes mounted. The
// metrics registry is scraped at /metrics; voicemail may be nil.
func NewServer(
	calls CallProvider,
	directory *registry.Registry,
	trunks *trunk.Manager,
	vm *voicemail.Store,
	reg *prometheus.Registry,
	startTime time.Time,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		calls:     calls,
		directory: directory,
		trunks:    trunks,
		voicemail: vm,
		startTime: startTime,
		logger:    logger.With("subsystem", "ops"),
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/calls", s.handleCalls)
	r.Get("/registrations", s.handleRegistrations)
	r.Get("/trunks", s.handleTrunks)
	r.Get("/voicemail/{mailbox}/messages", s.handleVoicemailMessages)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type healthzResponse struct {
	Status        string `json:"status"`
	UptimeSecs    int64  `json:"uptime_secs"`
	ActiveCalls   int    `json:"active_calls"`
	Registrations int    `json:"registrations"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthzResponse{
		Status:        "ok",
		UptimeSecs:    int64(time.Since(s.startTime).Seconds()),
		ActiveCalls:   s.calls.Count(),
		Registrations: s.directory.Count(),
	})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	snaps := s.calls.Snapshots()
	if snaps == nil {
		snaps = []session.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

type registrationEntry struct {
	Extension string    `json:"extension"`
	URI       string    `json:"uri"`
	Transport string    `json:"transport"`
	UserAgent string    `json:"user_agent,omitempty"`
	Expires   time.Time `json:"expires"`
}

func (s *Server) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	out := []registrationEntry{}
	for _, c := range s.directory.Contacts() {
		out = append(out, registrationEntry{
			Extension: c.Extension,
			URI:       c.URI,
			Transport: c.Transport,
			UserAgent: c.UserAgent,
			Expires:   c.Expires,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type trunkEntry struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	Targets     []string  `json:"targets"`
	LastChecked time.Time `json:"last_checked"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s *Server) handleTrunks(w http.ResponseWriter, r *http.Request) {
	out := []trunkEntry{}
	for _, st := range s.trunks.Snapshot() {
		targets := make([]string, 0, len(st.Targets))
		for _, t := range st.Targets {
			targets = append(targets, t.Addr())
		}
		out = append(out, trunkEntry{
			Name:        st.Name,
			Status:      string(st.Status),
			Priority:    st.Priority,
			Targets:     targets,
			LastChecked: st.LastChecked,
			LastError:   st.LastError,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVoicemailMessages(w http.ResponseWriter, r *http.Request) {
	if s.voicemail == nil {
		s.writeError(w, http.StatusNotFound, "voicemail not enabled")
		return
	}
	mailbox := chi.URLParam(r, "mailbox")
	s.writeJSON(w, http.StatusOK, s.voicemail.Messages(mailbox))
}

// envelope is the standard response wrapper: { "data": ..., "error": ... }.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		s.logger.Error("failed to encode json response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		s.logger.Error("failed to encode json error response", "error", err)
	}
}
