package guards

import (
	"context"

	"github.com/studio-brain/capabilities/internal/engine"
)

// KillSwitchGuard blocks execution while the kill switch is on, unless an
// active exemption covers the capability and the proposal owner.
type KillSwitchGuard struct{}

func NewKillSwitchGuard() *KillSwitchGuard {
	return &KillSwitchGuard{}
}

func (g *KillSwitchGuard) Name() string {
	return "kill_switch"
}

func (g *KillSwitchGuard) Check(_ context.Context, ec *engine.EvalContext) (*engine.Decision, error) {
	if !ec.Policy.KillSwitch.Enabled {
		return nil, nil
	}
	if ec.Policy.Covers(ec.Proposal.CapabilityID, ec.Proposal.OwnerUID) {
		return nil, nil
	}
	return &engine.Decision{
		ReasonCode: engine.ReasonBlockedByPolicy,
		Details:    "kill switch enabled",
	}, nil
}
