package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// handleAdmin dispatches the operator surface. requireAdmin has already run;
// every request here carries an allowlisted user.
func (r *Router) handleAdmin(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/admin/")
	switch {
	case trimmed == "stats":
		r.handleAdminStats(w, req)
	case trimmed == "reconcile":
		r.handleAdminReconcile(w, req)
	case trimmed == "deployments/purge":
		r.handleAdminDeploymentsPurge(w, req)
	case trimmed == "nginx/status":
		r.handleAdminNginxStatus(w, req)
	case trimmed == "nginx/cleanup":
		r.handleAdminNginxCleanup(w, req)
	case trimmed == "nginx/reload":
		r.handleAdminNginxReload(w, req)
	case strings.HasPrefix(trimmed, "nginx/configs/"):
		r.handleAdminNginxConfig(w, req, strings.TrimPrefix(trimmed, "nginx/configs/"))
	case trimmed == "docker/status":
		r.handleAdminDockerStatus(w, req)
	case trimmed == "docker/containers":
		r.handleAdminDockerContainers(w, req)
	case trimmed == "docker/cleanup-orphans":
		r.handleAdminDockerCleanupOrphans(w, req)
	case trimmed == "docker/prune":
		r.handleAdminDockerPrune(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleAdminStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	apps, err := r.appStore.ListApps(req.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	byStatus := make(map[string]int)
	public := 0
	for i := range apps {
		byStatus[apps[i].Status]++
		if apps[i].IsPublic {
			public++
		}
	}
	payload := map[string]any{
		"apps": map[string]any{
			"total":     len(apps),
			"public":    public,
			"by_status": byStatus,
		},
	}
	if status, err := r.engine.Status(req.Context()); err != nil {
		payload["docker"] = map[string]string{"error": err.Error()}
	} else {
		payload["docker"] = status
	}
	if fragments, err := r.ingress.ListFragments(); err != nil {
		payload["fragments"] = map[string]string{"error": err.Error()}
	} else {
		payload["fragments"] = map[string]any{"count": len(fragments)}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleAdminReconcile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	report, err := r.reconciler.RunOnce(req.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleAdminDeploymentsPurge(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Days int `json:"days"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)
	if payload.Days < 0 {
		writeError(w, http.StatusBadRequest, "days must not be negative")
		return
	}
	removed, err := r.orchestrator.PurgeDeployments(req.Context(), time.Duration(payload.Days)*24*time.Hour)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (r *Router) handleAdminNginxStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	subdomains, err := r.ingress.ListFragments()
	if err != nil {
		writeFault(w, err)
		return
	}
	statuses, err := r.ingress.ConfigsStatus(req.Context(), subdomains)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fragments": statuses})
}

func (r *Router) handleAdminNginxCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ActiveSubdomains []string `json:"active_subdomains"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)
	active := payload.ActiveSubdomains
	if active == nil {
		fromStore, err := r.appStore.ListAppSubdomains(req.Context())
		if err != nil {
			writeFault(w, err)
			return
		}
		active = fromStore
	}
	removed, err := r.ingress.CleanupAuto(req.Context(), active)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (r *Router) handleAdminNginxReload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.ingress.Reload(req.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	code := http.StatusOK
	if !result.Valid {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, result)
}

func (r *Router) handleAdminNginxConfig(w http.ResponseWriter, req *http.Request, subdomain string) {
	if subdomain == "" || strings.Contains(subdomain, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		content, err := r.ingress.ReadFragment(subdomain)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"subdomain": subdomain, "content": content})
	case http.MethodDelete:
		if err := r.ingress.Remove(req.Context(), subdomain); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAdminDockerStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status, err := r.engine.Status(req.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleAdminDockerContainers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	containers, err := r.engine.ListAppContainers(req.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (r *Router) handleAdminDockerCleanupOrphans(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	apps, err := r.appStore.ListApps(req.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	activeIDs := make([]int64, 0, len(apps))
	for i := range apps {
		activeIDs = append(activeIDs, apps[i].ID)
	}
	removed, err := r.engine.CleanupOrphans(req.Context(), activeIDs)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (r *Router) handleAdminDockerPrune(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	reclaimed, err := r.engine.PruneImages(req.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reclaimed_bytes": reclaimed})
}
