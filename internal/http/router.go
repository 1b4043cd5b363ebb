package httpx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ajay73588/autopod/internal/domain"
	"github.com/Ajay73588/autopod/internal/gitclone"
	"github.com/Ajay73588/autopod/internal/repository"
	"github.com/Ajay73588/autopod/internal/runtime"
	"github.com/Ajay73588/autopod/internal/service/action"
	"github.com/Ajay73588/autopod/internal/service/deploy"
	"github.com/Ajay73588/autopod/internal/service/registry"
	syncsvc "github.com/Ajay73588/autopod/internal/service/sync"
)

// ContainerStore reads persisted container records.
type ContainerStore interface {
	ListContainers(ctx context.Context) ([]domain.ContainerRecord, error)
	GetContainerByName(ctx context.Context, name string) (*domain.ContainerRecord, error)
}

// Syncer forces reconciliation passes.
type Syncer interface {
	SyncNow(ctx context.Context) (syncsvc.Result, error)
}

// Actions executes container lifecycle actions.
type Actions interface {
	Execute(ctx context.Context, actionName, containerName string) (action.Result, error)
}

// Deployer runs and reports deployment pipelines.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (domain.DeploymentRecord, <-chan struct{}, error)
	GetDeployment(ctx context.Context, id string) (domain.DeploymentRecord, error)
	ListDeployments(ctx context.Context, limit int) ([]domain.DeploymentRecord, error)
}

// Registry manages per-registry credentials and pushes.
type Registry interface {
	Login(ctx context.Context, registryAddr, username, secret string) error
	Logout(ctx context.Context, registryAddr string)
	Status(registryAddr string) registry.Status
	Push(ctx context.Context, image, registryAddr string) (registry.PushResult, error)
}

// RuntimeAPI is the slice of the container runtime served directly over HTTP.
type RuntimeAPI interface {
	Ping(ctx context.Context) error
	Inspect(ctx context.Context, name string) (*runtime.Container, error)
	Stats(ctx context.Context, name string) (*runtime.Stats, error)
	Network(ctx context.Context, name string) (*runtime.NetworkInfo, error)
	ListImages(ctx context.Context) ([]runtime.Image, error)
	SearchImages(ctx context.Context, term string, limit int) ([]runtime.SearchResult, error)
	ImageDetails(ctx context.Context, ref string) (*types.ImageInspect, error)
	ImageHistory(ctx context.Context, ref string) ([]runtime.ImageLayer, error)
	Pull(ctx context.Context, ref string) error
	RemoveImage(ctx context.Context, ref string) error
	Tag(ctx context.Context, source, target string) error
}

const (
	rateWindowDefault  = time.Minute
	rateLimitWebhook   = 10
	rateLimitAction    = 60
	rateLimitRead      = 120
	rateLimitRegistry  = 30
	healthCheckTimeout = 2 * time.Second
	maxWebhookBody     = 1 << 20
	deploymentsDefault = 50
	searchLimitDefault = 25
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	store         ContainerStore
	sync          Syncer
	actions       Actions
	deploy        Deployer
	registry      Registry
	rt            RuntimeAPI
	limiter       RateLimiter
	webhookSecret string
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	deploymentOutcomes *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, store ContainerStore, syncSvc Syncer, actions Actions, deploySvc Deployer, registrySvc Registry, rt RuntimeAPI, limiter RateLimiter, webhookSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		store:         store,
		sync:          syncSvc,
		actions:       actions,
		deploy:        deploySvc,
		registry:      registrySvc,
		rt:            rt,
		limiter:       limiter,
		webhookSecret: strings.TrimSpace(webhookSecret),
		dbHealth:      dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.audit(r.handleHealth))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhook", r.audit(r.withRateLimit("/webhook", rateLimitWebhook, rateWindowDefault, r.handleWebhook)))
	r.mux.HandleFunc("/api/containers", r.audit(r.withRateLimit("/api/containers", rateLimitRead, rateWindowDefault, r.handleContainers)))
	r.mux.HandleFunc("/api/containers/", r.audit(r.withRateLimit("/api/containers/", rateLimitAction, rateWindowDefault, r.handleContainerSubroutes)))
	r.mux.HandleFunc("/api/status", r.audit(r.withRateLimit("/api/status", rateLimitRead, rateWindowDefault, r.handleStatus)))
	r.mux.HandleFunc("/api/sync", r.audit(r.withRateLimit("/api/sync", rateLimitAction, rateWindowDefault, r.handleSync)))
	r.mux.HandleFunc("/api/images", r.audit(r.withRateLimit("/api/images", rateLimitRead, rateWindowDefault, r.handleImages)))
	r.mux.HandleFunc("/api/images/", r.audit(r.withRateLimit("/api/images/", rateLimitAction, rateWindowDefault, r.handleImageSubroutes)))
	r.mux.HandleFunc("/api/docker/", r.audit(r.withRateLimit("/api/docker/", rateLimitRegistry, rateWindowDefault, r.handleDockerSubroutes)))
	r.mux.HandleFunc("/api/deployments", r.audit(r.withRateLimit("/api/deployments", rateLimitRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/api/deployments/", r.audit(r.withRateLimit("/api/deployments/", rateLimitRead, rateWindowDefault, r.handleDeploymentByID)))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	database := "ok"
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			database = "unreachable"
		}
	}
	engine := "ok"
	if err := r.rt.Ping(ctx); err != nil {
		engine = "unreachable"
	}
	status := http.StatusOK
	if database != "ok" || engine != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"status":   "ok",
		"database": database,
		"runtime":  engine,
	})
}

func (r *Router) handleContainers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	records, err := r.store.ListContainers(req.Context())
	if err != nil {
		r.serviceError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, records)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	records, err := r.store.ListContainers(req.Context())
	if err != nil {
		r.serviceError(w, err)
		return
	}
	counts := map[string]int{}
	for _, record := range records {
		counts[record.Status]++
	}
	respondSuccess(w, http.StatusOK, map[string]any{
		"containers": len(records),
		"by_status":  counts,
	})
}

func (r *Router) handleSync(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.sync.SyncNow(req.Context())
	if err != nil {
		r.serviceError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, result)
}

func (r *Router) handleContainerSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/containers/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		respondError(w, http.StatusNotFound, "unknown container route")
		return
	}
	name, verb := parts[0], parts[1]

	switch verb {
	case action.ActionStart, action.ActionStop, action.ActionRestart, action.ActionRemove:
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		result, err := r.actions.Execute(req.Context(), verb, name)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, result)
	case "health":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		info, err := r.rt.Inspect(req.Context(), name)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, map[string]any{
			"name":    info.Name,
			"state":   info.State,
			"status":  info.Status,
			"running": info.State == "running",
		})
	case "stats":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		stats, err := r.rt.Stats(req.Context(), name)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, stats)
	case "network":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		network, err := r.rt.Network(req.Context(), name)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, network)
	default:
		respondError(w, http.StatusNotFound, "unknown container route")
	}
}

func (r *Router) handleImages(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	images, err := r.rt.ListImages(req.Context())
	if err != nil {
		r.serviceError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, images)
}

func (r *Router) handleImageSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/images/"), "/")

	switch rest {
	case "search":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		term := strings.TrimSpace(req.URL.Query().Get("q"))
		if term == "" {
			respondError(w, http.StatusBadRequest, "missing search term")
			return
		}
		limit := searchLimitDefault
		if raw := req.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		results, err := r.rt.SearchImages(req.Context(), term, limit)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, results)
		return
	case "pull":
		r.handleImageRef(w, req, func(ctx context.Context, ref string) (any, error) {
			if err := r.rt.Pull(ctx, ref); err != nil {
				return nil, err
			}
			return map[string]string{"image": ref, "status": "pulled"}, nil
		})
		return
	case "remove":
		r.handleImageRef(w, req, func(ctx context.Context, ref string) (any, error) {
			if err := r.rt.RemoveImage(ctx, ref); err != nil {
				return nil, err
			}
			return map[string]string{"image": ref, "status": "removed"}, nil
		})
		return
	case "tag":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			Source string `json:"source"`
			Target string `json:"target"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.Source == "" || payload.Target == "" {
			respondError(w, http.StatusBadRequest, "source and target are required")
			return
		}
		if err := r.rt.Tag(req.Context(), payload.Source, payload.Target); err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, map[string]string{"source": payload.Source, "target": payload.Target})
		return
	}

	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	switch {
	case strings.HasSuffix(rest, "/details"):
		ref := strings.TrimSuffix(rest, "/details")
		details, err := r.rt.ImageDetails(req.Context(), ref)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, details)
	case strings.HasSuffix(rest, "/history"):
		ref := strings.TrimSuffix(rest, "/history")
		layers, err := r.rt.ImageHistory(req.Context(), ref)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, layers)
	default:
		respondError(w, http.StatusNotFound, "unknown image route")
	}
}

func (r *Router) handleImageRef(w http.ResponseWriter, req *http.Request, fn func(context.Context, string) (any, error)) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Image == "" {
		respondError(w, http.StatusBadRequest, "image is required")
		return
	}
	data, err := fn(req.Context(), payload.Image)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, data)
}

func (r *Router) handleDockerSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/docker/"), "/")

	switch rest {
	case "login":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			Registry string `json:"registry"`
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.registry.Login(req.Context(), payload.Registry, payload.Username, payload.Password); err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, r.registry.Status(payload.Registry))
	case "logout":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			Registry string `json:"registry"`
		}
		if req.Body != nil {
			// The body is optional; an empty registry means the default.
			_ = json.NewDecoder(req.Body).Decode(&payload)
		}
		r.registry.Logout(req.Context(), payload.Registry)
		respondSuccess(w, http.StatusOK, r.registry.Status(payload.Registry))
	case "check-login":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		respondSuccess(w, http.StatusOK, r.registry.Status(req.URL.Query().Get("registry")))
	case "push":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			Image    string `json:"image"`
			Registry string `json:"registry"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.Image == "" {
			respondError(w, http.StatusBadRequest, "image is required")
			return
		}
		result, err := r.registry.Push(req.Context(), payload.Image, payload.Registry)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		respondSuccess(w, http.StatusOK, result)
	default:
		respondError(w, http.StatusNotFound, "unknown docker route")
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := deploymentsDefault
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := r.deploy.ListDeployments(req.Context(), limit)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, records)
}

func (r *Router) handleDeploymentByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/deployments/"), "/")
	if id == "" {
		respondError(w, http.StatusBadRequest, "deployment id is required")
		return
	}
	record, err := r.deploy.GetDeployment(req.Context(), id)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, record)
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		respondWebhook(w, http.StatusBadRequest, "error", "unable to read request body", nil)
		return
	}
	if r.webhookSecret != "" && !r.verifySignature(req, body) {
		respondWebhook(w, http.StatusUnauthorized, "error", "invalid signature", nil)
		return
	}

	var payload struct {
		RepoURL       string `json:"repo_url"`
		RepositoryURL string `json:"repository_url"`
		Name          string `json:"name"`
		Repository    struct {
			CloneURL string `json:"clone_url"`
			Name     string `json:"name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		respondWebhook(w, http.StatusBadRequest, "error", "invalid JSON body", nil)
		return
	}
	url := payload.RepoURL
	if url == "" {
		url = payload.RepositoryURL
	}
	if url == "" {
		url = payload.Repository.CloneURL
	}
	if url == "" {
		respondWebhook(w, http.StatusBadRequest, "error", "repository url is required", nil)
		return
	}
	name := payload.Name
	if name == "" {
		name = payload.Repository.Name
	}

	record, done, err := r.deploy.Deploy(req.Context(), deploy.Request{RepositoryURL: url, Name: name})
	if err != nil {
		status, msg := r.classifyError(err)
		respondWebhook(w, status, "error", msg, nil)
		return
	}

	go func() {
		<-done
		final, err := r.deploy.GetDeployment(context.Background(), record.ID)
		if err != nil {
			return
		}
		r.recordDeploymentOutcome(final.Outcome)
	}()

	// The response is held until the pipeline completes, but the pipeline
	// itself outlives a caller that gives up waiting.
	select {
	case <-done:
	case <-req.Context().Done():
		return
	}

	final, err := r.deploy.GetDeployment(req.Context(), record.ID)
	if err != nil {
		respondWebhook(w, http.StatusInternalServerError, "error", "deployment record unavailable", nil)
		return
	}
	if final.Outcome != domain.OutcomeSuccess {
		respondWebhook(w, http.StatusBadGateway, "error", final.Error, map[string]any{
			"deployment_id": final.ID,
			"stage":         final.Stage,
			"outcome":       final.Outcome,
		})
		return
	}
	respondWebhook(w, http.StatusOK, "success", "deployment complete", map[string]any{
		"deployment_id": final.ID,
		"container":     final.ResultingContainerName,
		"build_number":  final.BuildNumber,
		"access_url":    final.AccessURL,
	})
}

func (r *Router) verifySignature(req *http.Request, body []byte) bool {
	header := strings.TrimSpace(req.Header.Get("X-Hub-Signature-256"))
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(r.webhookSecret))
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}

// classifyError maps service errors to HTTP status codes.
func (r *Router) classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, runtime.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, action.ErrConflict), errors.Is(err, action.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, action.ErrUnknownAction), errors.Is(err, gitclone.ErrInvalidURL), errors.Is(err, deploy.ErrNameUnresolvable):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, registry.ErrUnauthenticated), errors.Is(err, registry.ErrLoginFailed):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, runtime.ErrUnavailable):
		return http.StatusServiceUnavailable, "container runtime unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "operation timed out"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (r *Router) serviceError(w http.ResponseWriter, err error) {
	status, msg := r.classifyError(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "error", err)
	}
	respondError(w, status, msg)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.logger.Info("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"ip", clientIP(req),
		)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)
	}
}

// routeLabel collapses parameterized paths so metrics cardinality stays flat.
func routeLabel(path string) string {
	for _, prefix := range []string{"/api/containers/", "/api/images/", "/api/deployments/", "/api/docker/"} {
		if strings.HasPrefix(path, prefix) {
			return prefix
		}
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
