package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/chread"
	"github.com/studio-brain/capabilities/internal/orchestrator"
	"github.com/studio-brain/capabilities/internal/ratelimit"
	"github.com/studio-brain/capabilities/internal/store"
)

// DefaultEndpointLimit is the per-endpoint, per-principal requests per minute
// allowed on mutating routes.
const DefaultEndpointLimit = 30

// ServiceTokens manages long-lived sbk_ tokens. Nil when no database is
// configured.
type ServiceTokens interface {
	Create(ctx context.Context, uid string, roles []string, isStaff bool, createdBy string) (*store.ServiceToken, string, error)
	List(ctx context.Context) ([]*store.ServiceToken, error)
	Revoke(ctx context.Context, id string) error
}

// AnalyticsReader aggregates the ClickHouse audit mirror. Nil when no
// ClickHouse is configured.
type AnalyticsReader interface {
	GetAnalytics(ctx context.Context, tenantID string, days int) (*chread.Analytics, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Runtime       *orchestrator.Runtime
	Verifier      auth.Verifier
	AdminToken    *auth.AdminToken // nil disables the admin header
	Limiter       ratelimit.Limiter
	EndpointLimit int
	CORSOrigins   []string
	AdminRole     string // role that may manage service tokens
	ServiceTokens ServiceTokens
	Analytics     AnalyticsReader
	Logger        *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.EndpointLimit <= 0 {
		deps.EndpointLimit = DefaultEndpointLimit
	}
	mux := http.NewServeMux()

	// Catalog
	deps.read(mux, "GET /api/capabilities", deps.handleListCapabilities)

	// Proposals
	deps.write(mux, "POST /api/capabilities/proposals", deps.handleCreateProposal)
	deps.read(mux, "GET /api/capabilities/proposals", deps.handleListProposals)
	deps.read(mux, "GET /api/capabilities/proposals/{id}", deps.handleGetProposal)
	deps.write(mux, "POST /api/capabilities/proposals/{id}/approve", deps.handleApprove)
	deps.write(mux, "POST /api/capabilities/proposals/{id}/reject", deps.handleReject)
	deps.write(mux, "POST /api/capabilities/proposals/{id}/reopen", deps.handleReopen)
	deps.write(mux, "POST /api/capabilities/proposals/{id}/execute", deps.handleExecute)
	deps.write(mux, "POST /api/capabilities/proposals/{id}/dry-run", deps.handleDryRun)
	deps.write(mux, "POST /api/capabilities/proposals/{id}/rollback", deps.handleRollback)

	// Quotas and policy (staff)
	deps.read(mux, "GET /api/capabilities/quotas", deps.handleListQuotas)
	deps.write(mux, "POST /api/capabilities/quotas/{bucket}/reset", deps.handleResetQuota)
	deps.read(mux, "GET /api/capabilities/policy", deps.handleGetPolicy)
	deps.write(mux, "POST /api/capabilities/policy/kill-switch", deps.handleKillSwitch)
	deps.write(mux, "POST /api/capabilities/policy/exemptions", deps.handleCreateExemption)
	deps.write(mux, "POST /api/capabilities/policy/exemptions/{id}/revoke", deps.handleRevokeExemption)

	// Audit (staff)
	deps.read(mux, "GET /api/capabilities/audit", deps.handleListAudit)
	deps.write(mux, "GET /api/capabilities/audit/export", deps.handleExportAudit)
	deps.read(mux, "GET /api/capabilities/audit/analytics", deps.handleAuditAnalytics)
	deps.write(mux, "POST /api/capabilities/audit/verify", deps.handleVerifyAudit)

	// Service tokens (admin)
	deps.write(mux, "POST /api/capabilities/service-tokens", deps.handleCreateServiceToken)
	deps.read(mux, "GET /api/capabilities/service-tokens", deps.handleListServiceTokens)
	deps.write(mux, "POST /api/capabilities/service-tokens/{id}/revoke", deps.handleRevokeServiceToken)

	// Intake review (staff)
	deps.read(mux, "GET /api/intake/review-queue", deps.handleReviewQueue)
	deps.write(mux, "POST /api/intake/review-queue/{id}/override", deps.handleOverride)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger), deps.CORSOrigins)
}

// read registers an authenticated route.
func (d *Dependencies) read(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, d.authMiddleware(h))
}

// write registers an authenticated, throttled route. Export is registered
// here too because it is expensive.
func (d *Dependencies) write(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, d.authMiddleware(d.throttle(pattern, h)))
}
