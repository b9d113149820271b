// Package storage mirrors audit events into an analytics sink.
package storage

import "time"

// EventWriter is the interface for mirroring audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *AuditRecord)
	Close()
}

// AuditRecord is the analytics projection of one audit event. Metadata is
// already redacted and flattened to strings.
type AuditRecord struct {
	EventID       string
	CreatedAt     time.Time
	ActorType     string
	ActorID       string
	Action        string
	Rationale     string
	Target        string
	ApprovalState string
	InputHash     string
	OutputHash    string
	TenantID      string
	CapabilityID  string
	ReasonCode    string
	Metadata      map[string]string
}

// RationalePreviewLength is the max chars mirrored for a rationale.
const RationalePreviewLength = 500

// Truncate returns the first maxLen runes of s. It never splits a multi-byte
// UTF-8 character.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
