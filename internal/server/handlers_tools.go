package server

import (
	"net/http"

	"github.com/ashita-ai/musubi/internal/model"
)

// HandleListTools handles GET /v1/tools. The optional component_id query
// parameter narrows the listing to one provider.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	tools := h.registry.Store().ListTools(r.URL.Query().Get("component_id"))
	writeJSON(w, r, http.StatusOK, map[string]any{
		"tools": tools,
		"count": len(tools),
	})
}

// HandleGetTool handles GET /v1/tools/{tool_id}. The tool ID's embedded
// colon is path-safe because the route uses a single segment wildcard.
func (h *Handlers) HandleGetTool(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("tool_id")
	if _, _, err := model.SplitToolID(toolID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	tool, ok := h.registry.Store().GetTool(toolID)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown tool "+toolID)
		return
	}
	writeJSON(w, r, http.StatusOK, tool)
}
