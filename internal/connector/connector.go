// Package connector exposes read-only external status sources to read-only
// capabilities. Connectors never mutate anything.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrNoConnector = errors.New("no connector registered for target")

// Request is what a connector receives for one read.
type Request struct {
	CapabilityID string         `json:"capabilityId"`
	TenantID     string         `json:"tenantId"`
	ActorID      string         `json:"actorId"`
	Input        map[string]any `json:"input"`
}

// Connector reads external state.
type Connector interface {
	Name() string
	Read(ctx context.Context, req Request) (map[string]any, error)
}

// Registry maps capability targets to connectors.
type Registry struct {
	mu       sync.RWMutex
	byTarget map[string]Connector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byTarget: make(map[string]Connector)}
}

// Register binds a connector to a target, replacing any previous binding.
func (r *Registry) Register(target string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTarget[target] = c
}

// Get returns the connector for target.
func (r *Registry) Get(target string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTarget[target]
	return c, ok
}

// Targets lists registered targets in sorted order.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTarget))
	for t := range r.byTarget {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Read dispatches to the connector bound to target.
func (r *Registry) Read(ctx context.Context, target string, req Request) (map[string]any, error) {
	c, ok := r.Get(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, target)
	}
	out, err := c.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", c.Name(), err)
	}
	return out, nil
}

// Spec is one parsed connector binding.
type Spec struct {
	Target string
	Scheme string // "http", "https" or "grpc"
	Addr   string // full URL for http(s), host:port for grpc
}

// ParseSpecs parses "target=url" entries such as
// "hubitat=http://hub.local:8080" or "roborock=grpc://roborock:9000".
func ParseSpecs(entries []string) ([]Spec, error) {
	var out []Spec
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		target, addr, ok := strings.Cut(raw, "=")
		if !ok || target == "" || addr == "" {
			return nil, fmt.Errorf("connector spec %q: want target=url", raw)
		}
		scheme, rest, ok := strings.Cut(addr, "://")
		if !ok || rest == "" {
			return nil, fmt.Errorf("connector spec %q: missing scheme", raw)
		}
		switch scheme {
		case "http", "https":
			out = append(out, Spec{Target: target, Scheme: scheme, Addr: addr})
		case "grpc":
			out = append(out, Spec{Target: target, Scheme: scheme, Addr: rest})
		default:
			return nil, fmt.Errorf("connector spec %q: unsupported scheme %q", raw, scheme)
		}
	}
	return out, nil
}
