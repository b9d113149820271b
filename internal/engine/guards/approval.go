package guards

import (
	"context"

	"github.com/studio-brain/capabilities/internal/engine"
	"github.com/studio-brain/capabilities/internal/proposal"
)

// ApprovalGuard requires the proposal to be in the approved state.
type ApprovalGuard struct{}

func NewApprovalGuard() *ApprovalGuard {
	return &ApprovalGuard{}
}

func (g *ApprovalGuard) Name() string {
	return "approval"
}

func (g *ApprovalGuard) Check(_ context.Context, ec *engine.EvalContext) (*engine.Decision, error) {
	if ec.Proposal.Status != proposal.StatusApproved {
		return &engine.Decision{
			ReasonCode: engine.ReasonProposalNotApproved,
			Details:    "proposal status is " + string(ec.Proposal.Status),
		}, nil
	}
	return nil, nil
}
