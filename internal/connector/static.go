package connector

import (
	"context"
	"maps"
	"time"
)

// StaticConnector answers every read with a fixed snapshot. The server uses
// it for targets that have no device endpoint configured so status reads
// still return a well-formed, clearly labelled payload.
type StaticConnector struct {
	name     string
	snapshot map[string]any
	now      func() time.Time
}

func NewStaticConnector(name string, snapshot map[string]any) *StaticConnector {
	return &StaticConnector{name: name, snapshot: snapshot, now: time.Now}
}

func (c *StaticConnector) Name() string {
	return c.name
}

func (c *StaticConnector) Read(_ context.Context, req Request) (map[string]any, error) {
	out := make(map[string]any, len(c.snapshot)+3)
	maps.Copy(out, c.snapshot)
	out["source"] = c.name
	out["capabilityId"] = req.CapabilityID
	out["observedAt"] = c.now().UTC().Format(time.RFC3339)
	return out, nil
}
