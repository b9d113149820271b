package guards

import "github.com/studio-brain/capabilities/internal/engine"

// Default returns the guards in evaluation order.
func Default() []engine.Guard {
	return []engine.Guard{
		NewCapabilityGuard(),
		NewApprovalGuard(),
		NewTenantGuard(),
		NewKillSwitchGuard(),
		NewQuotaGuard(),
	}
}
