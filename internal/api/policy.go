package api

import (
	"net/http"

	"github.com/studio-brain/capabilities/internal/orchestrator"
)

func (d *Dependencies) handleListQuotas(w http.ResponseWriter, r *http.Request) {
	buckets, err := d.Runtime.ListQuotas(r.Context(), principalFromContext(r.Context()), queryInt(r, "limit", 0))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "buckets": buckets})
}

func (d *Dependencies) handleResetQuota(w http.ResponseWriter, r *http.Request) {
	var req ReasonReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	bucket := r.PathValue("bucket")
	if err := d.Runtime.ResetQuota(r.Context(), principalFromContext(r.Context()), bucket, req.Reason); err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bucket": bucket})
}

func (d *Dependencies) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	state, err := d.Runtime.PolicyState(r.Context(), principalFromContext(r.Context()))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "policy": state})
}

func (d *Dependencies) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.KillSwitchInput
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	state, err := d.Runtime.SetKillSwitch(r.Context(), principalFromContext(r.Context()), req)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "killSwitch": state})
}

func (d *Dependencies) handleCreateExemption(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ExemptionInput
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	ex, err := d.Runtime.CreateExemption(r.Context(), principalFromContext(r.Context()), req)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "exemption": ex})
}

func (d *Dependencies) handleRevokeExemption(w http.ResponseWriter, r *http.Request) {
	var req ReasonReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	ex, err := d.Runtime.RevokeExemption(r.Context(), principalFromContext(r.Context()), r.PathValue("id"), req.Reason)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "exemption": ex})
}
