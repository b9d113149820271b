package api

import (
	"net/http"

	"github.com/studio-brain/capabilities/internal/orchestrator"
)

func (d *Dependencies) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	items, err := d.Runtime.ListReviewQueue(r.Context(), principalFromContext(r.Context()), queryInt(r, "limit", 0))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
}

func (d *Dependencies) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.OverrideInput
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	ov, err := d.Runtime.OverrideIntake(r.Context(), principalFromContext(r.Context()), r.PathValue("id"), req)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "override": ov})
}
