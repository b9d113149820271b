package api

import (
	"net/http"

	"github.com/studio-brain/capabilities/internal/orchestrator"
	"github.com/studio-brain/capabilities/internal/proposal"
)

func (d *Dependencies) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CapabilitiesResp{OK: true, Capabilities: d.Runtime.ListCapabilities()})
}

func (d *Dependencies) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateInput
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	p, err := d.Runtime.CreateProposal(r.Context(), principalFromContext(r.Context()), req)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ProposalResp{OK: true, Proposal: p})
}

func (d *Dependencies) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := d.Runtime.ListProposals(r.Context(), principalFromContext(r.Context()), proposal.ListFilter{
		TenantID:     q.Get("tenantId"),
		Status:       proposal.Status(q.Get("status")),
		CapabilityID: q.Get("capabilityId"),
		Limit:        queryInt(r, "limit", 0),
	})
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalListResp{OK: true, Proposals: list})
}

func (d *Dependencies) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := d.Runtime.GetProposal(r.Context(), principalFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResp{OK: true, Proposal: p})
}

func (d *Dependencies) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req RationaleReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	p, err := d.Runtime.Approve(r.Context(), principalFromContext(r.Context()), r.PathValue("id"), req.Rationale)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResp{OK: true, Proposal: p})
}

func (d *Dependencies) handleReject(w http.ResponseWriter, r *http.Request) {
	var req ReasonReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	p, err := d.Runtime.Reject(r.Context(), principalFromContext(r.Context()), r.PathValue("id"), req.Reason)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResp{OK: true, Proposal: p})
}

func (d *Dependencies) handleReopen(w http.ResponseWriter, r *http.Request) {
	var req ReasonReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	p, err := d.Runtime.Reopen(r.Context(), principalFromContext(r.Context()), r.PathValue("id"), req.Reason)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResp{OK: true, Proposal: p})
}

func (d *Dependencies) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ExecuteInput
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	res, err := d.Runtime.Execute(r.Context(), principalFromContext(r.Context()), r.PathValue("id"), req)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"proposal": res.Proposal,
		"decision": res.Decision,
		"output":   res.Output,
		"pilot":    res.Pilot,
	})
}

func (d *Dependencies) handleDryRun(w http.ResponseWriter, r *http.Request) {
	res, err := d.Runtime.DryRun(r.Context(), principalFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "proposalId": res.ProposalID, "plan": res.Plan})
}

func (d *Dependencies) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RollbackInput
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	res, err := d.Runtime.Rollback(r.Context(), principalFromContext(r.Context()), r.PathValue("id"), req)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rollback": res})
}
