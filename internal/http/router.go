// Package httpx serves the gallery REST API: account and credential
// management, app registration, lifecycle operations, live status streams,
// and the operator surface under /admin.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/dockerfile"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/ingress"
	"github.com/sungreong/openstream-gallery/internal/pipeline"
	"github.com/sungreong/openstream-gallery/internal/reconcile"
	"github.com/sungreong/openstream-gallery/internal/repository"
	"github.com/sungreong/openstream-gallery/internal/requirements"
	"github.com/sungreong/openstream-gallery/internal/service/apps"
	"github.com/sungreong/openstream-gallery/internal/service/auth"
	"github.com/sungreong/openstream-gallery/internal/service/credentials"
	"github.com/sungreong/openstream-gallery/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	auth         auth.Service
	apps         apps.Service
	credentials  credentials.Service
	orchestrator *pipeline.Orchestrator
	reconciler   *reconcile.Controller
	appStore     repository.AppRepository
	engine       docker.Engine
	ingress      *ingress.Manager
	composer     *dockerfile.Composer
	variants     *dockerfile.Variants
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	admins       map[string]bool
	dbHealth     func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 20 * time.Second
	defaultLogTail     = 100
	defaultListLimit   = 20
)

// Deps bundles the router's collaborators. The admin allowlist names
// usernames granted access to the /admin surface.
type Deps struct {
	Logger         *slog.Logger
	Auth           auth.Service
	Apps           apps.Service
	Credentials    credentials.Service
	Orchestrator   *pipeline.Orchestrator
	Reconciler     *reconcile.Controller
	AppStore       repository.AppRepository
	Engine         docker.Engine
	Ingress        *ingress.Manager
	Composer       *dockerfile.Composer
	Variants       *dockerfile.Variants
	Hub            *ws.Hub
	Limiter        RateLimiter
	AdminUsernames []string
	DBHealth       func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	admins := make(map[string]bool, len(deps.AdminUsernames))
	for _, name := range deps.AdminUsernames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			admins[name] = true
		}
	}
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       deps.Logger,
		auth:         deps.Auth,
		apps:         deps.Apps,
		credentials:  deps.Credentials,
		orchestrator: deps.Orchestrator,
		reconciler:   deps.Reconciler,
		appStore:     deps.AppStore,
		engine:       deps.Engine,
		ingress:      deps.Ingress,
		composer:     deps.Composer,
		variants:     deps.Variants,
		hub:          deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  deps.Limiter,
		admins:   admins,
		dbHealth: deps.DBHealth,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
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
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/auth/signup", r.audit("/auth/signup", r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/auth/me", r.audit("/auth/me", r.handlerAuthRate("/auth/me", rateLimitUserRead, rateWindowDefault, r.handleMe)))
	r.mux.HandleFunc("/apps", r.audit("/apps", r.handlerAuthRate("/apps", rateLimitUserWrite, rateWindowDefault, r.handleApps)))
	r.mux.HandleFunc("/apps/public", r.audit("/apps/public", r.withRateLimit("/apps/public", rateLimitUserRead, rateWindowDefault, rateLimitKeyIP, r.handleAppsPublic)))
	r.mux.HandleFunc("/apps/status", r.audit("/apps/status", r.handlerAuthRate("/apps/status", rateLimitUserRead, rateWindowDefault, r.handleAppsStatus)))
	r.mux.HandleFunc("/apps/", r.audit("/apps/:id", r.handlerAuthRate("/apps/:id", rateLimitUserWrite, rateWindowDefault, r.handleAppSubroutes)))
	r.mux.HandleFunc("/tasks/", r.audit("/tasks/:id", r.handlerAuthRate("/tasks/:id", rateLimitUserRead, rateWindowDefault, r.handleTask)))
	r.mux.HandleFunc("/credentials", r.audit("/credentials", r.handlerAuthRate("/credentials", rateLimitUserWrite, rateWindowDefault, r.handleCredentials)))
	r.mux.HandleFunc("/credentials/", r.audit("/credentials/:id", r.handlerAuthRate("/credentials/:id", rateLimitUserWrite, rateWindowDefault, r.handleCredentialByID)))
	r.mux.HandleFunc("/dockerfiles", r.audit("/dockerfiles", r.handlerAuthRate("/dockerfiles", rateLimitUserRead, rateWindowDefault, r.handleDockerfiles)))
	r.mux.HandleFunc("/dockerfiles/preview", r.audit("/dockerfiles/preview", r.handlerAuthRate("/dockerfiles/preview", rateLimitUserWrite, rateWindowDefault, r.handleDockerfilePreview)))
	r.mux.HandleFunc("/ws/apps", r.audit("/ws/apps", r.handlerAuthRate("/ws/apps", rateLimitWebsocket, rateWindowRealtime, r.handleAppsWS)))
	r.mux.HandleFunc("/admin/", r.audit("/admin", r.handlerAdminRate("/admin", rateLimitUserWrite, rateWindowDefault, r.handleAdmin)))
}

type envVarPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type appPayload struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	GitURL          string          `json:"git_url"`
	Branch          string          `json:"branch"`
	EntryFile       string          `json:"entry_file"`
	BaseImageChoice string          `json:"base_image_choice"`
	CustomBaseImage string          `json:"custom_base_image"`
	CustomOverlay   string          `json:"custom_overlay"`
	CredentialID    *int64          `json:"credential_id"`
	EnvVars         []envVarPayload `json:"env_vars"`
	IsPublic        bool            `json:"is_public"`
}

func (p appPayload) toInput() apps.Input {
	vars := make([]domain.EnvVar, 0, len(p.EnvVars))
	for _, v := range p.EnvVars {
		vars = append(vars, domain.EnvVar{Key: v.Key, Value: v.Value})
	}
	return apps.Input{
		Name:            p.Name,
		Description:     p.Description,
		GitURL:          p.GitURL,
		Branch:          p.Branch,
		EntryFile:       p.EntryFile,
		BaseImageChoice: p.BaseImageChoice,
		CustomBaseImage: p.CustomBaseImage,
		CustomOverlay:   p.CustomOverlay,
		CredentialID:    p.CredentialID,
		EnvVars:         vars,
		IsPublic:        p.IsPublic,
	}
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Username, payload.Email, payload.Password)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Username, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for me route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       info.UserID,
		"username": info.Username,
		"is_admin": info.IsAdmin,
	})
}

func (r *Router) handleApps(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for apps route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		list, err := r.apps.ListByOwner(req.Context(), info.UserID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var payload appPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		app, err := r.apps.Create(req.Context(), info.UserID, payload.toInput())
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, app)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppsPublic(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	list, err := r.apps.ListPublic(req.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleAppsStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for status route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	list, err := r.apps.ListByOwner(req.Context(), info.UserID)
	if err != nil {
		writeFault(w, err)
		return
	}
	assessments := r.reconciler.AssessBatch(req.Context(), list)
	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, map[string]any{
			"app_id":          list[i].ID,
			"declared_status": list[i].Status,
			"actual_status":   assessments[i].ActualStatus,
			"issues":          assessments[i].Issues,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleAppSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/apps/")
	parts := strings.Split(trimmed, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		r.notFound(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for app route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if len(parts) == 1 {
		r.handleApp(w, req, info, id)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "build":
		r.handleAppBuild(w, req, info, id)
	case "deploy":
		r.handleAppDeploy(w, req, info, id)
	case "stop":
		r.handleAppStop(w, req, info, id)
	case "cancel":
		r.handleAppCancel(w, req, info, id)
	case "status":
		r.handleAppStatus(w, req, info, id)
	case "logs":
		r.handleAppLogs(w, req, info, id)
	case "deployments":
		r.handleAppDeployments(w, req, info, id)
	case "tasks":
		r.handleAppTasks(w, req, info, id)
	case "events":
		r.handleAppEvents(w, req, info, id)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleApp(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	switch req.Method {
	case http.MethodGet:
		app, err := r.apps.Get(req.Context(), info.UserID, id)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	case http.MethodPut:
		var payload appPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		app, err := r.apps.Update(req.Context(), info.UserID, id, payload.toInput())
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, app)
	case http.MethodDelete:
		if _, err := r.apps.Get(req.Context(), info.UserID, id); err != nil {
			writeFault(w, err)
			return
		}
		if err := r.orchestrator.DeleteApp(req.Context(), id); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAppBuild(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.apps.Get(req.Context(), info.UserID, id); err != nil {
		writeFault(w, err)
		return
	}
	var payload struct {
		BuildOnly bool `json:"build_only"`
		Force     bool `json:"force"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)
	task, err := r.orchestrator.RequestBuild(req.Context(), id, payload.BuildOnly, payload.Force)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (r *Router) handleAppDeploy(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.apps.Get(req.Context(), info.UserID, id); err != nil {
		writeFault(w, err)
		return
	}
	var payload struct {
		Force bool `json:"force"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)
	task, err := r.orchestrator.RequestDeploy(req.Context(), id, payload.Force)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (r *Router) handleAppStop(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.apps.Get(req.Context(), info.UserID, id); err != nil {
		writeFault(w, err)
		return
	}
	task, err := r.orchestrator.RequestStop(req.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (r *Router) handleAppCancel(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.apps.Get(req.Context(), info.UserID, id); err != nil {
		writeFault(w, err)
		return
	}
	task, err := r.orchestrator.CancelActive(req.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (r *Router) handleAppStatus(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	app, err := r.apps.Get(req.Context(), info.UserID, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	assessment := r.reconciler.Assess(req.Context(), app)
	writeJSON(w, http.StatusOK, map[string]any{
		"app_id":          app.ID,
		"declared_status": app.Status,
		"actual_status":   assessment.ActualStatus,
		"issues":          assessment.Issues,
	})
}

func (r *Router) handleAppLogs(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	app, err := r.apps.Get(req.Context(), info.UserID, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if app.Subdomain == "" || app.ContainerID == "" {
		writeError(w, http.StatusNotFound, "app has no container")
		return
	}
	tail, _ := strconv.Atoi(req.URL.Query().Get("tail"))
	if tail <= 0 {
		tail = defaultLogTail
	}
	lines, err := r.engine.ContainerLogs(req.Context(), docker.ContainerName(app.Subdomain), tail)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			writeError(w, http.StatusNotFound, "app has no container")
			return
		}
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"app_id": app.ID, "lines": lines})
}

func (r *Router) handleAppDeployments(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	deployments, err := r.apps.Deployments(req.Context(), info.UserID, id, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleAppTasks(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	tasks, err := r.apps.Tasks(req.Context(), info.UserID, id, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleAppEvents streams task and status events over SSE for clients that
// cannot hold a websocket.
func (r *Router) handleAppEvents(w http.ResponseWriter, req *http.Request, info authInfo, id int64) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.apps.Get(req.Context(), info.UserID, id); err != nil {
		writeFault(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(id, client)
	defer func() {
		r.hub.Unregister(id, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleTask(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/tasks/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for task route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	task, err := r.apps.Task(req.Context(), info.UserID, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (r *Router) handleCredentials(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for credentials route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		list, err := r.credentials.List(req.Context(), info.UserID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var payload struct {
			Name     string `json:"name"`
			Provider string `json:"provider"`
			AuthKind string `json:"auth_kind"`
			Username string `json:"username"`
			Secret   string `json:"secret"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		credential, err := r.credentials.Create(req.Context(), info.UserID, credentials.CreateInput{
			Name:     payload.Name,
			Provider: payload.Provider,
			AuthKind: payload.AuthKind,
			Username: payload.Username,
			Secret:   payload.Secret,
		})
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, credential)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCredentialByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	raw := strings.TrimPrefix(req.URL.Path, "/credentials/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		r.notFound(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for credential route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if err := r.credentials.Delete(req.Context(), info.UserID, id); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleDockerfiles(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	names := r.variants.Names()
	out := make([]map[string]string, 0, len(names))
	for _, name := range names {
		content, _ := r.variants.Content(name)
		out = append(out, map[string]string{"name": name, "content": content})
	}
	writeJSON(w, http.StatusOK, map[string]any{"variants": out})
}

// handleDockerfilePreview composes a Dockerfile from submitted configuration
// without touching any app. Requirements text, when present, feeds the same
// classification the build pipeline uses.
func (r *Router) handleDockerfilePreview(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		EntryFile       string `json:"entry_file"`
		BaseImageChoice string `json:"base_image_choice"`
		CustomBaseImage string `json:"custom_base_image"`
		CustomOverlay   string `json:"custom_overlay"`
		Requirements    string `json:"requirements"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.EntryFile == "" {
		payload.EntryFile = "streamlit_app.py"
	}
	if payload.BaseImageChoice == "" {
		payload.BaseImageChoice = domain.BaseImageAuto
	}
	var cls requirements.Classification
	if strings.TrimSpace(payload.Requirements) != "" {
		dir, err := os.MkdirTemp("", "dockerfile-preview-*")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "preview workspace unavailable")
			return
		}
		defer os.RemoveAll(dir)
		if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(payload.Requirements), 0o600); err != nil {
			writeError(w, http.StatusInternalServerError, "preview workspace unavailable")
			return
		}
		cls, err = requirements.Analyze(dir)
		if err != nil {
			writeFault(w, err)
			return
		}
	}
	result, err := r.composer.Compose(dockerfile.Input{
		EntryFile:       payload.EntryFile,
		BaseImageChoice: payload.BaseImageChoice,
		CustomBaseImage: payload.CustomBaseImage,
		CustomOverlay:   payload.CustomOverlay,
		Classification:  cls,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dockerfile": result.Dockerfile,
		"variant":    result.Variant,
		"hash":       result.Hash,
		"classification": map[string]any{
			"source":             cls.Source,
			"needs_data_science": cls.NeedsDataScience,
			"problematic":        cls.Problematic,
			"packages":           cls.Packages,
		},
	})
}

// handleAppsWS upgrades to a websocket delivering task and status events.
// Without an app_id the subscription covers all of the caller's events.
func (r *Router) handleAppsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	appID := ws.AllApps
	if raw := req.URL.Query().Get("app_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "app_id must be a positive integer")
			return
		}
		if _, err := r.apps.Get(req.Context(), info.UserID, parsed); err != nil {
			writeFault(w, err)
			return
		}
		appID = parsed
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(appID, client)
	go func() {
		defer func() {
			r.hub.Unregister(appID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.engine != nil {
		if err := r.engine.Ping(ctx); err != nil {
			status = "degraded"
			components["docker"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["docker"] = map[string]any{"status": "up"}
		}
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

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			if info.IsAdmin {
				actor = "admin"
			}
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
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

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
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
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
