package guards

import (
	"context"
	"fmt"

	"github.com/studio-brain/capabilities/internal/engine"
	"github.com/studio-brain/capabilities/internal/quota"
)

// QuotaGuard consumes one unit from the (capability, tenant) bucket.
type QuotaGuard struct{}

func NewQuotaGuard() *QuotaGuard {
	return &QuotaGuard{}
}

func (g *QuotaGuard) Name() string {
	return "quota"
}

func (g *QuotaGuard) Check(ctx context.Context, ec *engine.EvalContext) (*engine.Decision, error) {
	if ec.Quota == nil || ec.Capability == nil {
		return nil, nil
	}
	window := ec.QuotaWindow
	if window <= 0 {
		window = quota.DefaultWindow
	}
	bucket := quota.BucketKey(ec.Capability.ID, ec.Proposal.TenantID)

	res, err := ec.Quota.Consume(ctx, bucket, ec.Capability.MaxCallsPerHour, window, ec.Now)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", bucket, err)
	}
	if !res.Allowed {
		return &engine.Decision{
			ReasonCode:        engine.ReasonRateLimited,
			Details:           "quota exhausted for " + bucket,
			RetryAfterSeconds: res.RetryAfterSeconds,
		}, nil
	}
	remaining := res.Remaining
	ec.QuotaRemaining = &remaining
	return nil, nil
}
