package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs([]string{
		"hubitat=http://hub.local:8080",
		" ",
		"roborock=grpc://roborock:9000",
	})
	if err != nil {
		t.Fatalf("ParseSpecs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Target != "hubitat" || specs[0].Scheme != "http" || specs[0].Addr != "http://hub.local:8080" {
		t.Errorf("unexpected http spec: %+v", specs[0])
	}
	if specs[1].Target != "roborock" || specs[1].Scheme != "grpc" || specs[1].Addr != "roborock:9000" {
		t.Errorf("unexpected grpc spec: %+v", specs[1])
	}

	for _, bad := range []string{"hubitat", "=http://x", "hubitat=hub.local", "hubitat=ftp://x"} {
		if _, err := ParseSpecs([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestRegistry_Read(t *testing.T) {
	r := NewRegistry()
	r.Register("studio", NewStaticConnector("studio-static", map[string]any{"kilnsOnline": 2}))

	out, err := r.Read(context.Background(), "studio", Request{CapabilityID: "studio.status.read"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out["kilnsOnline"] != 2 || out["source"] != "studio-static" {
		t.Errorf("unexpected snapshot: %v", out)
	}

	if _, err := r.Read(context.Background(), "hubitat", Request{}); !errors.Is(err, ErrNoConnector) {
		t.Errorf("expected ErrNoConnector, got %v", err)
	}
	if got := r.Targets(); len(got) != 1 || got[0] != "studio" {
		t.Errorf("unexpected targets %v", got)
	}
}

func TestHTTPConnector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/read" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"devices": 3, "tenant": req.TenantID}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewHTTPConnector("hubitat", srv.URL+"/", 100, 10)
	out, err := c.Read(context.Background(), Request{CapabilityID: "hubitat.devices.read", TenantID: "studio-a"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out["devices"] != float64(3) || out["tenant"] != "studio-a" {
		t.Errorf("unexpected response %v", out)
	}
}

func TestHTTPConnector_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "hub offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPConnector("hubitat", srv.URL, 100, 10)
	if _, err := c.Read(context.Background(), Request{}); err == nil {
		t.Error("expected error for 502")
	}
}
