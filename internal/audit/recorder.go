package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/storage"
)

// Recorder stamps, persists and mirrors audit events.
type Recorder struct {
	store  Store
	mirror storage.EventWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. mirror may be nil.
func NewRecorder(store Store, mirror storage.EventWriter, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, mirror: mirror, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Store exposes the underlying event store for reads.
func (r *Recorder) Store() Store {
	return r.store
}

// Record appends ev after assigning an id and timestamp if missing. The
// analytics mirror only sees events that were durably stored.
func (r *Recorder) Record(ctx context.Context, ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now().UTC()
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}

	if err := r.store.Append(ctx, ev); err != nil {
		r.logger.Error("audit append failed",
			zap.String("action", ev.Action),
			zap.String("actor_id", ev.ActorID),
			zap.Error(err),
		)
		return Event{}, fmt.Errorf("Record: %w", err)
	}

	r.logger.Debug("audit event recorded",
		zap.String("event_id", ev.ID),
		zap.String("action", ev.Action),
		zap.String("target", ev.Target),
	)

	if r.mirror != nil {
		r.mirror.Write(toRecord(ev))
	}
	return ev, nil
}

func toRecord(ev Event) *storage.AuditRecord {
	meta := Redact(ev.Metadata)
	flat := make(map[string]string, len(meta))
	for k, v := range meta {
		switch t := v.(type) {
		case string:
			flat[k] = t
		default:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			flat[k] = string(b)
		}
	}
	return &storage.AuditRecord{
		EventID:       ev.ID,
		CreatedAt:     ev.CreatedAt,
		ActorType:     ev.ActorType,
		ActorID:       ev.ActorID,
		Action:        ev.Action,
		Rationale:     ev.Rationale,
		Target:        ev.Target,
		ApprovalState: ev.ApprovalState,
		InputHash:     ev.InputHash,
		OutputHash:    ev.OutputHash,
		TenantID:      flat["tenantId"],
		CapabilityID:  flat["capabilityId"],
		ReasonCode:    flat["reasonCode"],
		Metadata:      flat,
	}
}
