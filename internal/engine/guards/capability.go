package guards

import (
	"context"

	"github.com/studio-brain/capabilities/internal/engine"
)

// CapabilityGuard denies proposals for capabilities missing from the registry.
type CapabilityGuard struct{}

func NewCapabilityGuard() *CapabilityGuard {
	return &CapabilityGuard{}
}

func (g *CapabilityGuard) Name() string {
	return "capability"
}

func (g *CapabilityGuard) Check(_ context.Context, ec *engine.EvalContext) (*engine.Decision, error) {
	if ec.Proposal == nil || ec.Capabilities == nil {
		return &engine.Decision{ReasonCode: engine.ReasonCapabilityUnknown, Details: "no proposal or registry"}, nil
	}
	def, ok := ec.Capabilities.Get(ec.Proposal.CapabilityID)
	if !ok {
		return &engine.Decision{
			ReasonCode: engine.ReasonCapabilityUnknown,
			Details:    "unknown capability: " + ec.Proposal.CapabilityID,
		}, nil
	}
	ec.Capability = &def
	return nil, nil
}
