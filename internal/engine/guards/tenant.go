package guards

import (
	"context"

	"github.com/studio-brain/capabilities/internal/engine"
)

// TenantGuard requires the executing actor's tenant to equal the tenant
// frozen on the proposal at creation time.
type TenantGuard struct{}

func NewTenantGuard() *TenantGuard {
	return &TenantGuard{}
}

func (g *TenantGuard) Name() string {
	return "tenant"
}

func (g *TenantGuard) Check(_ context.Context, ec *engine.EvalContext) (*engine.Decision, error) {
	if ec.Actor.TenantID == "" || ec.Actor.TenantID != ec.Proposal.TenantID {
		return &engine.Decision{
			ReasonCode: engine.ReasonTenantMismatch,
			Details:    "actor tenant " + ec.Actor.TenantID + " does not match proposal tenant " + ec.Proposal.TenantID,
		}, nil
	}
	return nil, nil
}
