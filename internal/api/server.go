// Package api is the HTTP control plane: operator endpoints under the
// JSON envelope, the perimeter pull surface, the agent ingest endpoint,
// health, metrics, and the websocket log stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/decision"
	"github.com/jclee-lab/blacklist-sub001/internal/logbuf"
	"github.com/jclee-lab/blacklist-sub001/internal/metrics"
	"github.com/jclee-lab/blacklist-sub001/internal/middleware"
	"github.com/jclee-lab/blacklist-sub001/internal/scheduler"
	"github.com/jclee-lab/blacklist-sub001/internal/storage"
)

// Repository is the slice of the persistence layer the handlers touch.
// *storage.Store satisfies it; tests substitute fakes.
type Repository interface {
	Ping(ctx context.Context) error
	ManualAdd(ctx context.Context, rec core.NormalizedRecord) error
	DeleteBlocked(ctx context.Context, ip string) error
	ListBlocked(ctx context.Context, page, perPage int) ([]core.BlockedIP, int, error)
	ActiveEntries(ctx context.Context, f storage.EntryFilter) ([]core.BlockedIP, error)
	UpsertBatch(ctx context.Context, records []core.NormalizedRecord, batchSize int) (storage.UpsertResult, error)
	ListWhitelist(ctx context.Context) ([]core.WhitelistEntry, error)
	UpsertWhitelist(ctx context.Context, entry core.WhitelistEntry) error
	DeleteWhitelist(ctx context.Context, ip string) error
	ListRuns(ctx context.Context, service string, limit int) ([]core.CollectionRun, error)
	ListPullLogs(ctx context.Context, limit int) ([]core.PullLog, error)
	InsertPullLog(ctx context.Context, entry core.PullLog) error
}

// SchedulerControl is the slice of the scheduler the handlers drive.
type SchedulerControl interface {
	Trigger(ctx context.Context, serviceName string, r core.CollectRange) (*core.CollectionRun, error)
	Force(ctx context.Context, serviceName string) (*core.CollectionRun, error)
	TestAuth(ctx context.Context, serviceName string) error
	Status() scheduler.Status
}

// Deps carries everything the server wires into its routes.
type Deps struct {
	Repo      Repository
	Decisions *decision.Service
	Scheduler SchedulerControl
	Logs      *logbuf.Buffer
	Metrics   *metrics.Metrics

	// CollectionKey guards POST /api/collection/ingest.
	CollectionKey string
	Env           string
}

// Server owns the router and the listener lifecycle.
type Server struct {
	deps Deps
	hub  *logHub
	http *http.Server
}

func New(addr string, deps Deps) *Server {
	s := &Server{
		deps: deps,
		hub:  newLogHub(deps.Logs),
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Instrument(s.deps.Metrics))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs/stream", s.handleLogStream).Methods(http.MethodGet)

	api.HandleFunc("/collection/trigger", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/collection/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/test-auth/{source}", s.handleTestAuth).Methods(http.MethodPost)
	api.HandleFunc("/force-collection/{source}", s.handleForce).Methods(http.MethodPost)

	ingest := api.PathPrefix("/collection/ingest").Subrouter()
	ingest.Use(middleware.APIKey(s.deps.CollectionKey))
	ingest.HandleFunc("", s.handleIngest).Methods(http.MethodPost)

	api.HandleFunc("/blacklist/manual-add", s.handleManualAdd).Methods(http.MethodPost)
	api.HandleFunc("/blacklist/check", s.handleCheck).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/blacklist/list", s.handleListBlocked).Methods(http.MethodGet)
	api.HandleFunc("/blacklist/{ip}", s.handleDeleteBlocked).Methods(http.MethodDelete)

	api.HandleFunc("/whitelist", s.handleListWhitelist).Methods(http.MethodGet)
	api.HandleFunc("/whitelist", s.handleUpsertWhitelist).Methods(http.MethodPost)
	api.HandleFunc("/whitelist/{ip}", s.handleDeleteWhitelist).Methods(http.MethodDelete)

	api.HandleFunc("/export/csv", s.handleExportCSV).Methods(http.MethodGet)
	api.HandleFunc("/pull-logs", s.handlePullLogs).Methods(http.MethodGet)

	// Perimeter pull surface, audited to pull_logs.
	fortinet := api.PathPrefix("/fortinet").Subrouter()
	fortinet.Use(middleware.PullAudit(s.deps.Repo))
	fortinet.HandleFunc("/blocklist", s.handleBlocklist).Methods(http.MethodGet)
	fortinet.HandleFunc("/threat-feed", s.handleThreatFeed).Methods(http.MethodGet)
	fortinet.HandleFunc("/json-connector", s.handleJSONConnector).Methods(http.MethodGet)

	return r
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	slog.Info("http server listening", "logger", "api", "addr", s.http.Addr, "env", s.deps.Env)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.http.Shutdown(ctx)
}
