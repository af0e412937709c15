// Package web serves the HTTP API: the player surface called by the host
// platform, the admin surface, and the ops endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-Luck/CTF-Warden/internal/anticheat"
	"github.com/Will-Luck/CTF-Warden/internal/auth"
	"github.com/Will-Luck/CTF-Warden/internal/docker"
	"github.com/Will-Luck/CTF-Warden/internal/engine"
	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/logging"
	"github.com/Will-Luck/CTF-Warden/internal/platform"
	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// Dependencies defines what the API server needs from the rest of the
// service.
type Dependencies struct {
	Engine     Lifecycle
	Admin      AdminLifecycle
	Checker    FlagChecker
	Settings   SettingsAdmin
	Docker     DockerAdmin
	Challenges ChallengeSource
	Importer   ChallengeImporter
	Audits     AuditSource
	Instances  InstanceStats
	Ports      PortStats
	Spool      SpoolStats
	DB         Pinger
	Redis      Pinger
	Bus        *events.Bus
	Limiter    *auth.Limiter

	// ServiceToken authenticates the host platform on the player surface;
	// AdminToken authenticates operators on /admin.
	ServiceToken string
	AdminToken   string

	Log *logging.Logger
}

// Lifecycle is the player-facing half of the engine.
type Lifecycle interface {
	Request(ctx context.Context, ident platform.Identity, challengeID uint) (*engine.View, error)
	Info(ctx context.Context, ident platform.Identity, challengeID uint) (*engine.View, error)
	Renew(ctx context.Context, ident platform.Identity, challengeID uint) (*engine.View, error)
	StopOwn(ctx context.Context, ident platform.Identity, challengeID uint) error
}

// AdminLifecycle is the operator half of the engine.
type AdminLifecycle interface {
	AdminList(ctx context.Context, f store.InstanceFilter) ([]store.Instance, error)
	AdminGet(ctx context.Context, instanceUUID string) (*store.Instance, error)
	AdminStop(ctx context.Context, instanceUUID string) error
	AdminDelete(ctx context.Context, instanceUUID string) error
	AdminBulkDelete(ctx context.Context, instanceUUIDs []string) (int, error)
	CleanupExpired(ctx context.Context) int
	CleanupOld(ctx context.Context) (int64, error)
	CleanupOrphans(ctx context.Context) (int, error)
}

// FlagChecker classifies flag submissions.
type FlagChecker interface {
	Submit(ctx context.Context, ident platform.Identity, challengeID uint, submission string, origin anticheat.Origin) (anticheat.Result, error)
	RecentCheats(ctx context.Context, limit int) ([]store.FlagAttempt, error)
}

// SettingsAdmin reads and writes the runtime configuration.
type SettingsAdmin interface {
	Snapshot(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	DockerEndpoint(ctx context.Context) (string, error)
}

// DockerAdmin is the daemon-facing admin surface.
type DockerAdmin interface {
	Health(ctx context.Context) docker.Health
	Reconnect(endpoint string) error
	Images(ctx context.Context) ([]docker.ImageSummary, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	Connected(ctx context.Context) bool
}

// ChallengeSource lists the known challenge definitions.
type ChallengeSource interface {
	List(ctx context.Context) ([]store.Challenge, error)
}

// ChallengeImporter ingests a YAML catalog document.
type ChallengeImporter interface {
	ImportYAML(ctx context.Context, data []byte) (int, error)
}

// AuditSource reads the audit trail.
type AuditSource interface {
	List(ctx context.Context, f store.AuditFilter) ([]store.AuditLog, error)
}

// InstanceStats provides the instance counters behind /admin/stats.
type InstanceStats interface {
	CountByStatus(ctx context.Context) (map[store.InstanceStatus]int64, error)
	UsedPorts(ctx context.Context) ([]int, error)
}

// PortStats reports free pool capacity.
type PortStats interface {
	AvailableCount(ctx context.Context) (int, error)
}

// SpoolStats reports how many audit events wait for replay.
type SpoolStats interface {
	Spooled() (int, error)
}

// Pinger probes a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ Lifecycle      = (*engine.Engine)(nil)
	_ AdminLifecycle = (*engine.Engine)(nil)
	_ FlagChecker    = (*anticheat.Service)(nil)
	_ DockerAdmin    = (*docker.Client)(nil)
)

// Server is the API HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	player := auth.Bearer(s.deps.ServiceToken)
	admin := auth.Bearer(s.deps.AdminToken)

	p := func(h http.HandlerFunc) http.Handler { return player(h) }
	a := func(h http.HandlerFunc) http.Handler { return admin(h) }

	// --- Ops surface (unauthenticated) ---
	s.mux.HandleFunc("GET /healthz", s.apiHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// --- Player surface (service token + identity headers) ---
	s.mux.Handle("POST /container/request", p(s.apiRequest))
	s.mux.Handle("GET /container/info/{challenge_id}", p(s.apiInfo))
	s.mux.Handle("POST /container/renew", p(s.apiRenew))
	s.mux.Handle("POST /container/stop", p(s.apiStopOwn))
	s.mux.Handle("POST /submit", p(s.apiSubmit))

	// --- Admin surface ---
	s.mux.Handle("GET /admin/instances", a(s.apiAdminInstances))
	s.mux.Handle("GET /admin/instances/{uuid}", a(s.apiAdminInstance))
	s.mux.Handle("POST /admin/instances/{uuid}/stop", a(s.apiAdminStop))
	s.mux.Handle("DELETE /admin/instances/{uuid}", a(s.apiAdminDelete))
	s.mux.Handle("POST /admin/instances/bulk-delete", a(s.apiAdminBulkDelete))
	s.mux.Handle("GET /admin/instances/{uuid}/logs", a(s.apiAdminLogs))
	s.mux.Handle("GET /admin/stats", a(s.apiAdminStats))
	s.mux.Handle("GET /admin/cheats", a(s.apiAdminCheats))
	s.mux.Handle("GET /admin/audit", a(s.apiAdminAudit))
	s.mux.Handle("GET /admin/config", a(s.apiAdminConfig))
	s.mux.Handle("PUT /admin/config", a(s.apiAdminSetConfig))
	s.mux.Handle("GET /admin/docker/health", a(s.apiAdminDockerHealth))
	s.mux.Handle("POST /admin/docker/reconnect", a(s.apiAdminDockerReconnect))
	s.mux.Handle("GET /admin/docker/images", a(s.apiAdminDockerImages))
	s.mux.Handle("POST /admin/cleanup/expired", a(s.apiAdminCleanupExpired))
	s.mux.Handle("POST /admin/cleanup/old", a(s.apiAdminCleanupOld))
	s.mux.Handle("POST /admin/cleanup/orphans", a(s.apiAdminCleanupOrphans))
	s.mux.Handle("GET /admin/challenges", a(s.apiAdminChallenges))
	s.mux.Handle("POST /admin/challenges/import", a(s.apiAdminImportChallenges))
	s.mux.Handle("GET /admin/events/stream", a(s.apiEvents))
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the event stream is long-lived; handlers bound their own work
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// apiHealthz is the liveness probe. It always answers 200; a degraded
// dependency shows as false in the body rather than killing the pod.
func (s *Server) apiHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	writeJSON(w, http.StatusOK, map[string]bool{
		"db":     s.deps.DB.Ping(ctx) == nil,
		"docker": s.deps.Docker.Connected(ctx),
		"redis":  s.deps.Redis.Ping(ctx) == nil,
	})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// apiError maps the service's sentinel errors onto HTTP statuses. Anything
// unmapped is a 500 with the cause logged, never echoed to the caller.
func (s *Server) apiError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "NotAuthenticated")
	case errors.Is(err, engine.ErrChallengeNotFound), errors.Is(err, anticheat.ErrChallengeNotFound):
		writeError(w, http.StatusNotFound, "challenge not found")
	case errors.Is(err, engine.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "instance not found")
	case errors.Is(err, engine.ErrAlreadySolved):
		writeError(w, http.StatusBadRequest, "challenge already solved")
	case errors.Is(err, engine.ErrMaxRenewals):
		writeError(w, http.StatusBadRequest, "maximum renewals reached")
	case errors.Is(err, engine.ErrNoRunningInstance):
		writeError(w, http.StatusBadRequest, "no running instance")
	default:
		s.deps.Log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
