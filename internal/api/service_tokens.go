package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/store"
)

// requireTokenAdmin writes an error and returns false unless the caller may
// manage service tokens.
func (d *Dependencies) requireTokenAdmin(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p := principalFromContext(r.Context())
	if !p.Admin && !p.HasRole(d.adminRole()) {
		writeJSON(w, http.StatusForbidden, ErrorResp{Message: "admin role required", ReasonCode: "ADMIN_REQUIRED"})
		return nil, false
	}
	if d.ServiceTokens == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Message: "Service tokens require a database"})
		return nil, false
	}
	return p, true
}

func (d *Dependencies) adminRole() string {
	if d.AdminRole != "" {
		return d.AdminRole
	}
	return "admin"
}

func (d *Dependencies) handleCreateServiceToken(w http.ResponseWriter, r *http.Request) {
	p, ok := d.requireTokenAdmin(w, r)
	if !ok {
		return
	}
	var req CreateServiceTokenReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.UID) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Message: "uid is required"})
		return
	}

	tok, full, err := d.ServiceTokens.Create(r.Context(), req.UID, req.Roles, req.IsStaff, p.UID)
	if err != nil {
		d.Logger.Error("failed to create service token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Message: "Failed to create service token"})
		return
	}
	writeJSON(w, http.StatusCreated, ServiceTokenResp{
		OK:        true,
		ID:        tok.ID,
		UID:       tok.UID,
		Prefix:    tok.Prefix,
		Token:     full,
		CreatedAt: tok.CreatedAt,
	})
}

func (d *Dependencies) handleListServiceTokens(w http.ResponseWriter, r *http.Request) {
	if _, ok := d.requireTokenAdmin(w, r); !ok {
		return
	}
	tokens, err := d.ServiceTokens.List(r.Context())
	if err != nil {
		d.Logger.Error("failed to list service tokens", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Message: "Failed to list service tokens"})
		return
	}
	if tokens == nil {
		tokens = []*store.ServiceToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tokens": tokens})
}

func (d *Dependencies) handleRevokeServiceToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := d.requireTokenAdmin(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	err := d.ServiceTokens.Revoke(r.Context(), id)
	if errors.Is(err, store.ErrServiceTokenNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Message: "Service token not found"})
		return
	}
	if err != nil {
		d.Logger.Error("failed to revoke service token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Message: "Failed to revoke service token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}
