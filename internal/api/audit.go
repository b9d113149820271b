package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/audit"
	"github.com/studio-brain/capabilities/internal/orchestrator"
)

func (d *Dependencies) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := d.Runtime.ListAudit(r.Context(), principalFromContext(r.Context()), audit.Filter{
		ActionPrefix: q.Get("actionPrefix"),
		ActorID:      q.Get("actorId"),
		Limit:        queryInt(r, "limit", audit.DefaultListLimit),
	})
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": events})
}

func (d *Dependencies) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	b, err := d.Runtime.ExportAudit(r.Context(), principalFromContext(r.Context()), queryInt(r, "limit", audit.DefaultListLimit))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rows": b.Rows, "manifest": b.Manifest})
}

func (d *Dependencies) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	var b audit.Bundle
	if err := readJSON(r, &b); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	res, err := d.Runtime.VerifyBundle(principalFromContext(r.Context()), b)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "valid": res.Valid, "signed": res.Signed, "error": res.Error})
}

func (d *Dependencies) handleAuditAnalytics(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	if !p.IsStaff {
		writeJSON(w, http.StatusForbidden, ErrorResp{Message: "staff role required", ReasonCode: orchestrator.ReasonStaffRequired})
		return
	}
	if d.Analytics == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Message: "Analytics require ClickHouse"})
		return
	}
	res, err := d.Analytics.GetAnalytics(r.Context(), r.URL.Query().Get("tenantId"), queryInt(r, "days", 7))
	if err != nil {
		d.Logger.Error("failed to query analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Message: "Failed to query analytics"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "analytics": res})
}
