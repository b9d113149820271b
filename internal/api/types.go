package api

import (
	"time"

	"github.com/studio-brain/capabilities/internal/capability"
	"github.com/studio-brain/capabilities/internal/proposal"
)

// ErrorResp is the shared error body.
type ErrorResp struct {
	OK                bool   `json:"ok"`
	Message           string `json:"message"`
	ReasonCode        string `json:"reasonCode,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// RationaleReq is the body for approve and kill-switch style calls.
type RationaleReq struct {
	Rationale string `json:"rationale"`
}

// ReasonReq is the body for reject, reopen, revoke and reset calls.
type ReasonReq struct {
	Reason string `json:"reason"`
}

type CapabilitiesResp struct {
	OK           bool                    `json:"ok"`
	Capabilities []capability.Definition `json:"capabilities"`
}

type ProposalResp struct {
	OK       bool               `json:"ok"`
	Proposal *proposal.Proposal `json:"proposal"`
}

type ProposalListResp struct {
	OK        bool                 `json:"ok"`
	Proposals []*proposal.Proposal `json:"proposals"`
}

// CreateServiceTokenReq is the body for POST /api/capabilities/service-tokens.
type CreateServiceTokenReq struct {
	UID     string   `json:"uid"`
	Roles   []string `json:"roles"`
	IsStaff bool     `json:"isStaff"`
}

// ServiceTokenResp is returned once at creation; Token is never shown again.
type ServiceTokenResp struct {
	OK        bool      `json:"ok"`
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	Prefix    string    `json:"prefix"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}
