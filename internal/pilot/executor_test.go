package pilot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestExecutor() (*Executor, *MemoryBackend, *MemoryLedger) {
	backend := NewMemoryBackend()
	ledger := NewMemoryLedger()
	exec := NewExecutor(backend, ledger, zap.NewNop()).WithClock(func() time.Time { return fixedNow })
	return exec, backend, ledger
}

func TestDryRun(t *testing.T) {
	plan, err := DryRun(map[string]any{"batchId": "b-7", "kilnId": "k-2", "notes": "cone 6"})
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if plan.Resource != "batches/b-7" || plan.Summary != "Close batch b-7 on kiln k-2" {
		t.Errorf("unexpected plan: %+v", plan)
	}
	if len(plan.Effects) != 4 {
		t.Errorf("expected 4 effects with notes, got %d", len(plan.Effects))
	}

	if _, err := DryRun(map[string]any{"kilnId": "k-2"}); !errors.Is(err, ErrInvalidPlanInput) {
		t.Errorf("expected ErrInvalidPlanInput, got %v", err)
	}
	if _, err := DryRun(nil); !errors.Is(err, ErrInvalidPlanInput) {
		t.Errorf("expected ErrInvalidPlanInput for nil input, got %v", err)
	}
}

func TestExecute_ReplaysSameKey(t *testing.T) {
	ctx := context.Background()
	exec, backend, _ := newTestExecutor()
	req := ExecuteRequest{ProposalID: "p1", IdempotencyKey: "proposal:p1", ActorUID: "s1", Input: map[string]any{"batchId": "b1"}}

	first, err := exec.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if first.Replayed || first.ResourcePointer != "batches/b1" {
		t.Errorf("unexpected first result: %+v", first)
	}

	second, err := exec.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Execute replay: %v", err)
	}
	if !second.Replayed || second.ResourcePointer != first.ResourcePointer {
		t.Errorf("expected replayed result, got %+v", second)
	}
	if applies, _ := backend.Counts(); applies != 1 {
		t.Errorf("backend should see one apply, got %d", applies)
	}
}

func TestExecute_KeyReusedForOtherProposal(t *testing.T) {
	ctx := context.Background()
	exec, _, _ := newTestExecutor()
	exec.Execute(ctx, ExecuteRequest{ProposalID: "p1", IdempotencyKey: "k", Input: map[string]any{"batchId": "b1"}}) //nolint:errcheck

	_, err := exec.Execute(ctx, ExecuteRequest{ProposalID: "p2", IdempotencyKey: "k", Input: map[string]any{"batchId": "b2"}})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Errorf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestExecute_RequiresKey(t *testing.T) {
	exec, _, _ := newTestExecutor()
	if _, err := exec.Execute(context.Background(), ExecuteRequest{ProposalID: "p1", Input: map[string]any{"batchId": "b1"}}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}

func TestExecute_ConcurrentRetriesApplyOnce(t *testing.T) {
	ctx := context.Background()
	exec, backend, _ := newTestExecutor()
	req := ExecuteRequest{ProposalID: "p1", IdempotencyKey: "proposal:p1", Input: map[string]any{"batchId": "b1"}}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := exec.Execute(ctx, req); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("expected all retries to succeed, %d failed", failures.Load())
	}
	if applies, _ := backend.Counts(); applies != 1 {
		t.Errorf("backend should apply once, got %d", applies)
	}
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	exec, backend, ledger := newTestExecutor()
	exec.Execute(ctx, ExecuteRequest{ProposalID: "p1", IdempotencyKey: "proposal:p1", Input: map[string]any{"batchId": "b1"}}) //nolint:errcheck
	if !backend.Closed("batches/b1") {
		t.Fatal("expected batch closed after execute")
	}

	res, err := exec.Rollback(ctx, RollbackRequest{ProposalID: "p1", IdempotencyKey: "proposal:p1", Reason: "closed the wrong batch", ActorUID: "s1"})
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if res.ResourcePointer != "batches/b1" || !res.RolledBackAt.Equal(fixedNow) {
		t.Errorf("unexpected rollback result: %+v", res)
	}
	if backend.Closed("batches/b1") {
		t.Error("expected batch reopened after rollback")
	}

	rec, _ := ledger.Get(ctx, "proposal:p1")
	if rec.Status != ExecutionRolledBack || rec.RollbackReason != "closed the wrong batch" || rec.RolledBackBy != "s1" {
		t.Errorf("ledger not updated: %+v", rec)
	}

	if _, err := exec.Rollback(ctx, RollbackRequest{ProposalID: "p1", IdempotencyKey: "proposal:p1", Reason: "again"}); !errors.Is(err, ErrAlreadyRolledBack) {
		t.Errorf("expected ErrAlreadyRolledBack, got %v", err)
	}
	if _, err := exec.Execute(ctx, ExecuteRequest{ProposalID: "p1", IdempotencyKey: "proposal:p1", Input: map[string]any{"batchId": "b1"}}); !errors.Is(err, ErrAlreadyRolledBack) {
		t.Errorf("execute after rollback should not replay, got %v", err)
	}
}

func TestRollback_Errors(t *testing.T) {
	ctx := context.Background()
	exec, _, _ := newTestExecutor()
	if _, err := exec.Rollback(ctx, RollbackRequest{ProposalID: "p1", IdempotencyKey: "unknown"}); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}

	exec.Execute(ctx, ExecuteRequest{ProposalID: "p1", IdempotencyKey: "k1", Input: map[string]any{"batchId": "b1"}}) //nolint:errcheck
	if _, err := exec.Rollback(ctx, RollbackRequest{ProposalID: "p2", IdempotencyKey: "k1"}); !errors.Is(err, ErrIdempotencyConflict) {
		t.Errorf("expected ErrIdempotencyConflict for other proposal, got %v", err)
	}
}

func TestHTTPBackend(t *testing.T) {
	var gotKey atomic.Value
	var reverted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("Idempotency-Key"))
		switch r.URL.Path {
		case "/v1/batches/close":
			var body applyRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(applyResponse{ResourcePointer: "fs://" + body.Resource}) //nolint:errcheck
		case "/v1/batches/reopen":
			reverted.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL+"/", 100, 10)
	plan, _ := DryRun(map[string]any{"batchId": "b9"})

	ptr, err := b.Apply(context.Background(), "key-1", plan, map[string]any{"batchId": "b9"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ptr != "fs://batches/b9" {
		t.Errorf("unexpected pointer %q", ptr)
	}
	if gotKey.Load() != "key-1" {
		t.Errorf("expected idempotency header, got %v", gotKey.Load())
	}

	if err := b.Revert(context.Background(), "key-1", ptr, "wrong batch closed"); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if !reverted.Load() {
		t.Error("expected reopen call")
	}
}

func TestHTTPBackend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "batch locked", http.StatusConflict)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 100, 10)
	plan, _ := DryRun(map[string]any{"batchId": "b9"})
	if _, err := b.Apply(context.Background(), "k", plan, nil); err == nil {
		t.Error("expected error for non-2xx status")
	}
}
