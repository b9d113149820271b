package pilot

import (
	"errors"
	"fmt"
	"strings"
)

// CapabilityID is the one write capability the pilot executor performs.
const CapabilityID = "firestore.batch.close"

var ErrInvalidPlanInput = errors.New("pilot input requires a non-empty batchId")

// Plan is a human-readable description of what an execution would do.
type Plan struct {
	CapabilityID string   `json:"capabilityId"`
	Summary      string   `json:"summary"`
	Effects      []string `json:"effects"`
	Resource     string   `json:"resource"`
	Reversible   bool     `json:"reversible"`
}

// DryRun maps proposal input to a plan. It performs no I/O.
func DryRun(input map[string]any) (Plan, error) {
	batchID := stringField(input, "batchId")
	if batchID == "" {
		return Plan{}, ErrInvalidPlanInput
	}
	kilnID := stringField(input, "kilnId")
	notes := stringField(input, "notes")

	summary := fmt.Sprintf("Close batch %s", batchID)
	if kilnID != "" {
		summary += fmt.Sprintf(" on kiln %s", kilnID)
	}

	effects := []string{
		fmt.Sprintf("batches/%s.status: open -> closed", batchID),
		fmt.Sprintf("batches/%s.closedAt: set to execution time", batchID),
		fmt.Sprintf("reservations for batch %s are released", batchID),
	}
	if notes != "" {
		effects = append(effects, fmt.Sprintf("batches/%s.closeNotes: %q", batchID, notes))
	}

	return Plan{
		CapabilityID: CapabilityID,
		Summary:      summary,
		Effects:      effects,
		Resource:     "batches/" + batchID,
		Reversible:   true,
	}, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}
