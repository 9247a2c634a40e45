// SPDX-License-Identifier: MIT

// Package api exposes the read-mostly administration surface: stats,
// pipeline metrics, log querying, counter reset, and archived daily
// reports, plus liveness and Prometheus endpoints. All admin routes
// require the administrator credential.
package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hemanthkumar2k04/coderunner/internal/log"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox"
	"github.com/Hemanthkumar2k04/coderunner/internal/telemetry"
)

// adminTokenHeader carries the administrator credential. The query
// parameter form seen elsewhere is legacy and not supported.
const adminTokenHeader = "X-Admin-Token"

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Deps are the collaborators the admin surface reads from.
type Deps struct {
	Recorder *telemetry.Recorder
	Pool     *sandbox.Pool
	LogRing  *log.Ring

	// TokenHash is the hex SHA-256 of the admin credential. Empty
	// disables the admin routes entirely (fail closed).
	TokenHash string

	// Ready reports whether the service accepts work.
	Ready func() bool
}

// Server is the admin HTTP surface.
type Server struct {
	deps Deps
}

// New builds the admin server.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router assembles the route tree with the canonical middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(60, time.Minute))
		r.Use(s.requireAdmin)

		r.Get("/stats", s.handleStats)
		r.Get("/pipeline-metrics", s.handlePipelineMetrics)
		r.Get("/logs", s.handleLogs)
		r.Post("/reset", s.handleReset)
		r.Get("/reports", s.handleReports)
	})

	return r
}

// requireAdmin compares the SHA-256 of the presented token against the
// configured hash in constant time.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithComponent("api")
		if s.deps.TokenHash == "" {
			logger.Error().Str("event", "auth.fail_closed").Msg("administratorCredentialHash not configured, denying admin access")
			writeUnauthorized(w)
			return
		}
		token := r.Header.Get(adminTokenHeader)
		if token == "" {
			logger.Warn().Str("event", "auth.missing_header").Msg("admin token header missing")
			writeUnauthorized(w)
			return
		}
		sum := sha256.Sum256([]byte(token))
		presented := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.deps.TokenHash)) != 1 {
			logger.Warn().Str("event", "auth.invalid_token").Msg("invalid admin token")
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ready != nil && !s.deps.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statsResponse merges the telemetry snapshot with pool aggregates.
type statsResponse struct {
	telemetry.Snapshot
	Pool sandbox.Stats `json:"pool"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Snapshot: s.deps.Recorder.Snapshot(),
		Pool:     s.deps.Pool.Stats(),
	})
}

func (s *Server) handlePipelineMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Recorder.Pipeline())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := log.Query{
		Level:     r.URL.Query().Get("level"),
		Component: r.URL.Query().Get("category"),
		Search:    r.URL.Query().Get("search"),
		Limit:     100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.deps.LogRing.Recent(q)})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.deps.Recorder.Reset()
	logger := log.WithComponent("api")
	logger.Info().Msg("telemetry counters reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if !dateRe.MatchString(date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	report, err := s.deps.Recorder.Report(date)
	if err != nil {
		writeError(w, http.StatusNotFound, "no report for "+date)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger := log.WithComponent("api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
