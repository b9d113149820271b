// Package actor turns a raw actor claim into a validated actor context.
//
// Resolution is pure: no I/O, no caching. Delegations are evaluated fresh on
// every call against the supplied clock.
package actor

import (
	"strings"
	"time"
)

// Type is the kind of principal performing an action.
type Type string

const (
	TypeStaff Type = "staff"
	TypeAgent Type = "agent"
)

// WildcardScope grants execution of every capability.
const WildcardScope = "capability:*:execute"

// ScopeFor returns the scope that allows executing one capability.
func ScopeFor(capabilityID string) string {
	return "capability:" + capabilityID + ":execute"
}

// ReasonCode identifies why resolution failed.
type ReasonCode string

const (
	ReasonDelegationMissing       ReasonCode = "DELEGATION_MISSING"
	ReasonDelegationRevoked       ReasonCode = "DELEGATION_REVOKED"
	ReasonDelegationExpired       ReasonCode = "DELEGATION_EXPIRED"
	ReasonDelegationActorMismatch ReasonCode = "DELEGATION_ACTOR_MISMATCH"
	ReasonDelegationOwnerMismatch ReasonCode = "DELEGATION_OWNER_MISMATCH"
	ReasonDelegationScopeMissing  ReasonCode = "DELEGATION_SCOPE_MISSING"
	ReasonTenantMismatch          ReasonCode = "TENANT_MISMATCH"
)

// Delegation is a time-bounded grant letting an agent act for an owner.
// Timestamps are RFC 3339 strings exactly as supplied by the caller.
type Delegation struct {
	DelegationID string   `json:"delegationId"`
	AgentUID     string   `json:"agentUid"`
	OwnerUID     string   `json:"ownerUid"`
	Scopes       []string `json:"scopes"`
	IssuedAt     string   `json:"issuedAt,omitempty"`
	ExpiresAt    string   `json:"expiresAt"`
	RevokedAt    string   `json:"revokedAt,omitempty"`
}

// Context is a resolved, validated actor.
type Context struct {
	ActorType       Type     `json:"actorType"`
	ActorID         string   `json:"actorId"`
	OwnerUID        string   `json:"ownerUid"`
	TenantID        string   `json:"tenantId"`
	EffectiveScopes []string `json:"effectiveScopes"`
	DelegationID    string   `json:"delegationId,omitempty"`
}

// Trace records what resolution saw. It is produced for allows and denials.
type Trace struct {
	ActorType       Type     `json:"actorType"`
	ActorUID        string   `json:"actorUid"`
	OwnerUID        string   `json:"ownerUid"`
	TenantID        string   `json:"tenantId"`
	EffectiveScopes []string `json:"effectiveScopes"`
	DelegationID    string   `json:"delegationId,omitempty"`
}

// AsMap flattens the trace for audit metadata.
func (t Trace) AsMap() map[string]any {
	scopes := make([]any, 0, len(t.EffectiveScopes))
	for _, s := range t.EffectiveScopes {
		scopes = append(scopes, s)
	}
	return map[string]any{
		"actorType":       string(t.ActorType),
		"actorUid":        t.ActorUID,
		"ownerUid":        t.OwnerUID,
		"tenantId":        t.TenantID,
		"effectiveScopes": scopes,
		"delegationId":    t.DelegationID,
	}
}

// Request is the raw claim presented by a caller.
type Request struct {
	ActorType    string
	ActorUID     string
	OwnerUID     string
	CapabilityID string
	PrincipalUID string
	TenantID     string
	Delegation   *Delegation
	Now          time.Time
}

// Result is the outcome of Resolve. Actor is nil when Allowed is false.
type Result struct {
	Allowed    bool
	Actor      *Context
	ReasonCode ReasonCode
	Trace      Trace
}

// claim is the closed set of actor shapes.
type claim interface{ isClaim() }

type staffClaim struct {
	principalUID string
	ownerUID     string
	tenantID     string
}

type agentClaim struct {
	actorUID   string
	ownerUID   string
	tenantID   string
	delegation *Delegation
}

func (staffClaim) isClaim() {}
func (agentClaim) isClaim() {}

func (r Request) claim() claim {
	if Type(r.ActorType) == TypeAgent {
		return agentClaim{
			actorUID:   r.ActorUID,
			ownerUID:   r.OwnerUID,
			tenantID:   r.TenantID,
			delegation: r.Delegation,
		}
	}
	return staffClaim{principalUID: r.PrincipalUID, ownerUID: r.OwnerUID, tenantID: r.TenantID}
}

// Resolve validates a claim. It never performs I/O.
func Resolve(req Request) Result {
	switch c := req.claim().(type) {
	case staffClaim:
		return resolveStaff(c)
	case agentClaim:
		return resolveAgent(c, req.CapabilityID, req.Now)
	default:
		panic("actor: unhandled claim type")
	}
}

// Staff always act as themselves. The tenant is the explicit tenant, else the
// owner named in the request, else the staff member.
func resolveStaff(c staffClaim) Result {
	tenant := firstNonEmpty(c.tenantID, c.ownerUID, c.principalUID)
	ctx := &Context{
		ActorType:       TypeStaff,
		ActorID:         c.principalUID,
		OwnerUID:        c.principalUID,
		TenantID:        tenant,
		EffectiveScopes: []string{WildcardScope},
	}
	return Result{
		Allowed: true,
		Actor:   ctx,
		Trace: Trace{
			ActorType:       TypeStaff,
			ActorUID:        c.principalUID,
			OwnerUID:        c.principalUID,
			TenantID:        tenant,
			EffectiveScopes: []string{WildcardScope},
		},
	}
}

// Agents always act in their delegation owner's tenant. A claimed tenant
// that names anyone else is denied.
func resolveAgent(c agentClaim, capabilityID string, now time.Time) Result {
	trace := Trace{
		ActorType: TypeAgent,
		ActorUID:  c.actorUID,
		OwnerUID:  c.ownerUID,
		TenantID:  firstNonEmpty(c.tenantID, c.ownerUID),
	}
	deny := func(code ReasonCode) Result {
		return Result{ReasonCode: code, Trace: trace}
	}

	d := c.delegation
	if d == nil {
		return deny(ReasonDelegationMissing)
	}
	trace.DelegationID = d.DelegationID
	trace.EffectiveScopes = append([]string(nil), d.Scopes...)

	if strings.TrimSpace(d.RevokedAt) != "" {
		return deny(ReasonDelegationRevoked)
	}
	expiresAt, err := time.Parse(time.RFC3339, d.ExpiresAt)
	if err != nil || !now.Before(expiresAt) {
		return deny(ReasonDelegationExpired)
	}
	if d.AgentUID != c.actorUID {
		return deny(ReasonDelegationActorMismatch)
	}
	if d.OwnerUID != c.ownerUID {
		return deny(ReasonDelegationOwnerMismatch)
	}
	if !scopeCovers(d.Scopes, capabilityID) {
		return deny(ReasonDelegationScopeMissing)
	}
	if c.tenantID != "" && c.tenantID != d.OwnerUID {
		return deny(ReasonTenantMismatch)
	}

	return Result{
		Allowed: true,
		Actor: &Context{
			ActorType:       TypeAgent,
			ActorID:         c.actorUID,
			OwnerUID:        c.ownerUID,
			TenantID:        d.OwnerUID,
			EffectiveScopes: append([]string(nil), d.Scopes...),
			DelegationID:    d.DelegationID,
		},
		Trace: trace,
	}
}

func scopeCovers(scopes []string, capabilityID string) bool {
	want := ScopeFor(capabilityID)
	for _, s := range scopes {
		if s == want || s == WildcardScope {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
