package orchestrator

import (
	"context"

	"github.com/studio-brain/capabilities/internal/audit"
	"github.com/studio-brain/capabilities/internal/auth"
)

// ListAudit returns recent audit events matching f.
func (r *Runtime) ListAudit(ctx context.Context, caller *auth.Principal, f audit.Filter) ([]audit.Event, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	f.Limit = audit.ClampLimit(f.Limit)
	events, err := r.audit.Store().ListFiltered(ctx, f)
	if err != nil {
		return nil, internal("list audit", err)
	}
	if events == nil {
		events = []audit.Event{}
	}
	return events, nil
}

// ExportAudit builds a bundle of recent events and then records the export
// itself, so the export event is never part of its own bundle.
func (r *Runtime) ExportAudit(ctx context.Context, caller *auth.Principal, limit int) (audit.Bundle, error) {
	if err := requireStaff(caller); err != nil {
		return audit.Bundle{}, err
	}
	b, err := r.exporter.ExportBundle(ctx, limit)
	if err != nil {
		return audit.Bundle{}, internal("export audit", err)
	}
	r.record(ctx, audit.Event{
		ActorType:  actorType(caller),
		ActorID:    caller.UID,
		Action:     audit.ActionExported,
		Target:     "audit",
		OutputHash: b.Manifest.PayloadHash,
		Metadata: map[string]any{
			"rowCount": b.Manifest.RowCount,
			"signed":   b.Manifest.Signature != "",
		},
	})
	return b, nil
}

// VerifyResult reports whether a bundle is intact.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Signed bool   `json:"signed"`
	Error  string `json:"error,omitempty"`
}

// VerifyBundle checks a previously exported bundle against this runtime's
// signing key.
func (r *Runtime) VerifyBundle(caller *auth.Principal, b audit.Bundle) (VerifyResult, error) {
	if err := requireStaff(caller); err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{Signed: b.Manifest.Signature != ""}
	if err := r.exporter.Verify(b); err != nil {
		res.Error = err.Error()
		return res, nil
	}
	res.Valid = true
	return res, nil
}

// RecordRateLimit audits an endpoint throttle hit.
func (r *Runtime) RecordRateLimit(ctx context.Context, principalUID, endpoint string, count, limit int) {
	r.record(ctx, audit.Event{
		ActorType: "principal",
		ActorID:   principalUID,
		Action:    audit.ActionRateLimitTriggered,
		Target:    endpoint,
		Metadata: map[string]any{
			"reasonCode": "RATE_LIMITED",
			"endpoint":   endpoint,
			"count":      count,
			"limit":      limit,
		},
	})
}
