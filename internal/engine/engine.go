package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Guard is one check in the execution policy chain.
type Guard interface {
	// Name returns the guard's unique identifier (e.g., "tenant").
	Name() string

	// Check returns a denial, or nil to let the next guard run. An error is
	// an infrastructure failure, not a policy outcome.
	Check(ctx context.Context, ec *EvalContext) (*Decision, error)
}

// Chain evaluates guards in order and stops at the first denial. Order
// matters: cheap pure checks run before the quota guard, which consumes
// capacity and so must run last.
type Chain struct {
	guards []Guard
	logger *zap.Logger
}

// NewChain creates a chain over the given guards.
func NewChain(guards []Guard, logger *zap.Logger) *Chain {
	return &Chain{guards: guards, logger: logger}
}

// Guards returns the guard names in evaluation order.
func (c *Chain) Guards() []string {
	names := make([]string, 0, len(c.guards))
	for _, g := range c.guards {
		names = append(names, g.Name())
	}
	return names
}

// Evaluate runs the chain.
func (c *Chain) Evaluate(ctx context.Context, ec *EvalContext) (Decision, error) {
	approval := ""
	if ec.Proposal != nil {
		approval = string(ec.Proposal.Status)
	}

	for _, g := range c.guards {
		d, err := g.Check(ctx, ec)
		if err != nil {
			return Decision{}, fmt.Errorf("guard %s: %w", g.Name(), err)
		}
		if d == nil {
			continue
		}
		d.Allowed = false
		d.Guard = g.Name()
		d.ApprovalState = approval
		c.logger.Info("execution denied",
			zap.String("guard", g.Name()),
			zap.String("reason_code", string(d.ReasonCode)),
			zap.String("proposal_id", proposalID(ec)),
		)
		return *d, nil
	}

	return Decision{
		Allowed:        true,
		ReasonCode:     ReasonAllowed,
		ApprovalState:  approval,
		QuotaRemaining: ec.QuotaRemaining,
	}, nil
}

func proposalID(ec *EvalContext) string {
	if ec.Proposal == nil {
		return ""
	}
	return ec.Proposal.ID
}
