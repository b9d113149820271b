package storage

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter mirrors audit events into ClickHouse for long-range
// analytics. Write() is non-blocking; events are buffered and batch-inserted
// by a background goroutine. The Postgres audit log stays authoritative.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *AuditRecord
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, secure bool, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil && secure {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *AuditRecord, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues an audit record for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *AuditRecord) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("event_id", event.EventID),
			zap.String("action", event.Action),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*AuditRecord, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Drain remaining events from buffer
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO capability_audit_events (
			event_id, created_at, actor_type, actor_id, action,
			rationale, target, approval_state,
			input_hash, output_hash,
			tenant_id, capability_id, reason_code, metadata
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.CreatedAt,
			e.ActorType,
			e.ActorID,
			e.Action,
			Truncate(e.Rationale, RationalePreviewLength),
			e.Target,
			e.ApprovalState,
			e.InputHash,
			e.OutputHash,
			e.TenantID,
			e.CapabilityID,
			e.ReasonCode,
			e.Metadata,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is the fallback EventWriter when no ClickHouse DSN is set.
// It logs each record through zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs records to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *AuditRecord) {
	w.logger.Info("audit_event",
		zap.String("event_id", event.EventID),
		zap.String("action", event.Action),
		zap.String("actor_type", event.ActorType),
		zap.String("actor_id", event.ActorID),
		zap.String("target", event.Target),
		zap.String("approval_state", event.ApprovalState),
		zap.String("tenant_id", event.TenantID),
		zap.String("reason_code", event.ReasonCode),
	)
}

func (w *LogWriter) Close() {}

// MemoryWriter keeps records in memory. Tests use it to observe mirroring.
type MemoryWriter struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (w *MemoryWriter) Write(event *AuditRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, *event)
}

func (w *MemoryWriter) Close() {}

// Records returns a copy of everything written so far.
func (w *MemoryWriter) Records() []AuditRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]AuditRecord(nil), w.records...)
}

const auditTableDDL = `
CREATE TABLE IF NOT EXISTS capability_audit_events (
	event_id       String,
	created_at     DateTime64(3, 'UTC'),
	actor_type     LowCardinality(String),
	actor_id       String,
	action         LowCardinality(String),
	rationale      String,
	target         String,
	approval_state LowCardinality(String),
	input_hash     String,
	output_hash    String,
	tenant_id      String,
	capability_id  LowCardinality(String),
	reason_code    LowCardinality(String),
	metadata       Map(String, String)
) ENGINE = MergeTree
ORDER BY (tenant_id, created_at)`

// EnsureSchema creates the mirror table if it does not exist.
func (w *ClickHouseWriter) EnsureSchema(ctx context.Context) error {
	return w.conn.Exec(ctx, auditTableDDL)
}
