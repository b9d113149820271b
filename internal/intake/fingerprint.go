package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// Fingerprint identifies a request independent of any proposal id. Identical
// requests from the same tenant for the same capability share a fingerprint.
func Fingerprint(in Input) (string, error) {
	doc := map[string]string{
		"capabilityId": in.CapabilityID,
		"tenantId":     in.TenantID,
		"text":         normalize(in.Text()),
		"inputHash":    in.InputHash,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// normalize lowercases and collapses whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
