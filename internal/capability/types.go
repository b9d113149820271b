package capability

import "encoding/json"

// RiskTier classifies how much damage a capability can do when misused.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Valid reports whether the tier is one of the known values.
func (t RiskTier) Valid() bool {
	switch t {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Definition describes a single privileged operation. Definitions are part of
// deployment configuration and never change while the process runs.
type Definition struct {
	ID               string          `json:"id"`
	Target           string          `json:"target"`
	RiskTier         RiskTier        `json:"riskTier"`
	ReadOnly         bool            `json:"readOnly"`
	RequiresApproval bool            `json:"requiresApproval"`
	MaxCallsPerHour  int             `json:"maxCallsPerHour"`
	Description      string          `json:"description,omitempty"`
	InputSchema      json.RawMessage `json:"inputSchema,omitempty"`
}

// clone returns a copy that shares no mutable memory with d.
func (d Definition) clone() Definition {
	if d.InputSchema != nil {
		d.InputSchema = append(json.RawMessage(nil), d.InputSchema...)
	}
	return d
}

// catalogFile is the on-disk YAML shape.
type catalogFile struct {
	Capabilities []catalogEntry `yaml:"capabilities"`
}

type catalogEntry struct {
	ID               string         `yaml:"id"`
	Target           string         `yaml:"target"`
	RiskTier         string         `yaml:"riskTier"`
	ReadOnly         bool           `yaml:"readOnly"`
	RequiresApproval bool           `yaml:"requiresApproval"`
	MaxCallsPerHour  int            `yaml:"maxCallsPerHour"`
	Description      string         `yaml:"description"`
	InputSchema      map[string]any `yaml:"inputSchema"`
}
