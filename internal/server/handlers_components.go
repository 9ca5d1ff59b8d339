package server

import (
	"net/http"

	"github.com/ashita-ai/musubi/internal/model"
)

// HandleRegister handles POST /v1/components.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.registry.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleHeartbeat handles POST /v1/components/{component_id}/heartbeat.
func (h *Handlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	componentID := r.PathValue("component_id")
	token := bearerToken(r)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing bearer token")
		return
	}

	// An empty body is a plain liveness ping.
	var req model.HeartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	resp, err := h.registry.Heartbeat(r.Context(), componentID, token, req.HealthStatus)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleUnregister handles DELETE /v1/components/{component_id}.
func (h *Handlers) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	componentID := r.PathValue("component_id")
	token := bearerToken(r)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing bearer token")
		return
	}

	if err := h.registry.Unregister(r.Context(), componentID, token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"component_id": componentID, "status": "unregistered"})
}

// HandleQueryComponents handles GET /v1/components.
func (h *Handlers) HandleQueryComponents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.QueryFilter{
		Capability:  q.Get("capability"),
		Type:        q.Get("type"),
		HealthyOnly: q.Get("healthy_only") == "true",
	}

	components := h.registry.Query(r.Context(), filter)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"components": components,
		"count":      len(components),
	})
}

// HandleAdminEvict handles DELETE /v1/admin/components/{component_id}.
// Force-removes a registration without the component's token; guarded by the
// admin key middleware.
func (h *Handlers) HandleAdminEvict(w http.ResponseWriter, r *http.Request) {
	componentID := r.PathValue("component_id")
	if !h.registry.Evict(r.Context(), componentID, "admin removal") {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown component "+componentID)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"component_id": componentID, "status": "removed"})
}
