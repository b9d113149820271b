package pilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPBackend calls the batch service over HTTP. The idempotency key travels
// in the Idempotency-Key header so the service can deduplicate retries.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPBackend creates a backend paced at rps requests per second.
func NewHTTPBackend(baseURL string, rps float64, burst int) *HTTPBackend {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type applyRequest struct {
	Resource string         `json:"resource"`
	Effects  []string       `json:"effects"`
	Input    map[string]any `json:"input"`
}

type applyResponse struct {
	ResourcePointer string `json:"resourcePointer"`
}

type revertRequest struct {
	ResourcePointer string `json:"resourcePointer"`
	Reason          string `json:"reason"`
}

func (b *HTTPBackend) Apply(ctx context.Context, key string, plan Plan, input map[string]any) (string, error) {
	var resp applyResponse
	err := b.post(ctx, "/v1/batches/close", key, applyRequest{
		Resource: plan.Resource,
		Effects:  plan.Effects,
		Input:    input,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ResourcePointer == "" {
		return plan.Resource, nil
	}
	return resp.ResourcePointer, nil
}

func (b *HTTPBackend) Revert(ctx context.Context, key, resourcePointer, reason string) error {
	return b.post(ctx, "/v1/batches/reopen", key, revertRequest{
		ResourcePointer: resourcePointer,
		Reason:          reason,
	}, nil)
}

func (b *HTTPBackend) post(ctx context.Context, path, key string, body, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pilot backend rate wait: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("pilot backend %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pilot backend %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("pilot backend %s: decode: %w", path, err)
	}
	return nil
}
