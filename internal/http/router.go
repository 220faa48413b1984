package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/repository"
	"github.com/splax/buildflow/internal/storage"
	"github.com/splax/buildflow/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	heartbeatInterval  = 15 * time.Second
	maxDeployBodyBytes = 64 << 10
)

// DeployService is the deployment coordinator as seen by the HTTP layer.
type DeployService interface {
	CreateDeployment(ctx context.Context, sourceRef string) (*domain.Deployment, error)
	GetStatus(ctx context.Context, id string) (domain.Status, error)
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
}

// HealthCheck probes one backing component.
type HealthCheck = func(context.Context) error

// Options carries the router's collaborators.
type Options struct {
	Logger        *slog.Logger
	Deploy        DeployService
	Hub           *ws.Hub
	Objects       storage.Store
	ServingDomain string
	CORSOrigins   []string
	HealthChecks  map[string]HealthCheck
	Registry      *prometheus.Registry
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	handler       http.Handler
	logger        *slog.Logger
	deploy        DeployService
	hub           *ws.Hub
	objects       storage.Store
	servingDomain string
	checks        map[string]HealthCheck
	upgrader      websocket.Upgrader
	metrics       http.Handler

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	deployResults   *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		deploy:        opts.Deploy,
		hub:           opts.Hub,
		objects:       opts.Objects,
		servingDomain: strings.ToLower(strings.Trim(strings.TrimSpace(opts.ServingDomain), ".")),
		checks:        opts.HealthChecks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if r.hub == nil {
		r.hub = ws.NewHub()
	}
	if opts.Registry != nil {
		r.initMetrics(opts.Registry)
		r.metrics = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
	} else {
		r.initMetrics(prometheus.DefaultRegisterer)
		r.metrics = promhttp.Handler()
	}
	r.register()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.handler = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	})(http.HandlerFunc(r.dispatch))
	return r
}

// Server returns an http.Server for the router. Shutdown closes the hub so open status
// streams end instead of holding the server until its deadline.
func (r *Router) Server(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(r.hub.Close)
	return srv
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	if id, ok := r.servedDeployment(req.Host); ok {
		status, err := r.currentStatus(req.Context(), id)
		if err != nil || status != nil {
			r.instrument("artifact", func(w http.ResponseWriter, req *http.Request) {
				r.serveArtifact(w, req, id, status)
			})(w, req)
			return
		}
	}
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.Handle("/metrics", r.metrics)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/deploy", r.instrument("/deploy", r.handleDeploy))
	r.mux.HandleFunc("/status", r.instrument("/status", r.handleStatus))
	r.mux.HandleFunc("/status/stream", r.instrument("/status/stream", r.handleStatusStream))
	r.mux.HandleFunc("/ws/status", r.instrument("/ws/status", r.handleStatusWS))
	r.mux.HandleFunc("/deployments/", r.instrument("/deployments/:id", r.handleDeployment))
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		SourceRef string `json:"sourceRef"`
		RepoURL   string `json:"repoUrl"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxDeployBodyBytes)).Decode(&payload); err != nil {
		r.recordDeployResult("invalid")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sourceRef := strings.TrimSpace(payload.SourceRef)
	if sourceRef == "" {
		sourceRef = strings.TrimSpace(payload.RepoURL)
	}

	// a client that hangs up must not abort a half-finished upload
	ctx := context.WithoutCancel(req.Context())
	deployment, err := r.deploy.CreateDeployment(ctx, sourceRef)
	if err != nil {
		r.recordDeployResult(writeDeployError(w, err))
		return
	}
	r.recordDeployResult("success")
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    deployment.ID,
		"files": deployment.Files,
	})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimSpace(req.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id query parameter required")
		return
	}
	status, err := r.currentStatus(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	deployment, err := r.deploy.GetDeployment(req.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any, len(r.checks))
	status := "ok"
	for name, check := range r.checks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// currentStatus returns nil when no record exists for id.
func (r *Router) currentStatus(ctx context.Context, id string) (*domain.Status, error) {
	status, err := r.deploy.GetStatus(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &status, nil
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

// NewProbeRouter serves only /metrics and /healthz, for processes without the deploy API.
func NewProbeRouter(logger *slog.Logger, checks map[string]HealthCheck, registry *prometheus.Registry) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{mux: http.NewServeMux(), logger: logger, checks: checks}
	if registry != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	} else {
		r.mux.Handle("/metrics", promhttp.Handler())
	}
	r.mux.HandleFunc("/healthz", r.handleHealthz)
	return r.mux
}
