// Package chread answers analytics queries against the ClickHouse audit
// mirror. Postgres stays the system of record; nothing here is used for a
// policy decision.
package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/audit"
)

// MaxDays caps the analytics window.
const MaxDays = 90

// Reader provides read access to the capability_audit_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
	now    func() time.Time
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(ctx context.Context, dsn string, secure bool, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil && secure {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger, now: time.Now}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

type Summary struct {
	TotalEvents  int `json:"totalEvents"`
	Executions   int `json:"executions"`
	Denials      int `json:"denials"`
	RateLimited  int `json:"rateLimited"`
	IntakeRouted int `json:"intakeRouted"`
}

type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Analytics is the aggregate view of the mirror over a window of days.
type Analytics struct {
	TenantID        string             `json:"tenantId,omitempty"`
	Days            int                `json:"days"`
	Summary         Summary            `json:"summary"`
	DenialsOverTime []TimeSeriesBucket `json:"denialsOverTime"`
	TopReasonCodes  []KeyCount         `json:"topReasonCodes"`
	TopCapabilities []KeyCount         `json:"topCapabilities"`
	TopActors       []KeyCount         `json:"topActors"`
}

// ClampDays bounds the requested window to [1, MaxDays], defaulting to 7.
func ClampDays(days int) int {
	switch {
	case days <= 0:
		return 7
	case days > MaxDays:
		return MaxDays
	default:
		return days
	}
}

// GetAnalytics aggregates the mirror for tenantID over the last days. An
// empty tenantID covers every tenant.
func (r *Reader) GetAnalytics(ctx context.Context, tenantID string, days int) (*Analytics, error) {
	days = ClampDays(days)
	rangeStart := r.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	args := []any{
		clickhouse.Named("tenant_id", tenantID),
		clickhouse.Named("range_start", rangeStart),
		clickhouse.Named("executed", audit.ActionExecuted),
		clickhouse.Named("exec_denied", audit.ActionExecuteDenied),
		clickhouse.Named("create_denied", audit.ActionCreateDenied),
		clickhouse.Named("cross_tenant", audit.ActionCrossTenantDenied),
		clickhouse.Named("rate_limited", audit.ActionRateLimitTriggered),
		clickhouse.Named("routed", audit.ActionIntakeRouted),
	}
	const scope = "(@tenant_id = '' OR tenant_id = @tenant_id) AND created_at >= @range_start"
	const denied = "action IN (@exec_denied, @create_denied, @cross_tenant)"

	result := &Analytics{TenantID: tenantID, Days: days}

	// Summary counts
	var total, executions, denials, rateLimited, routed uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), "+
			"countIf(action = @executed), "+
			"countIf("+denied+"), "+
			"countIf(action = @rate_limited), "+
			"countIf(action = @routed) "+
			"FROM capability_audit_events WHERE "+scope,
		args...,
	).Scan(&total, &executions, &denials, &rateLimited, &routed)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = Summary{
		TotalEvents:  int(total),
		Executions:   int(executions),
		Denials:      int(denials),
		RateLimited:  int(rateLimited),
		IntakeRouted: int(routed),
	}

	// Denials over time (hourly)
	rows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(created_at) AS hour, count() AS count "+
			"FROM capability_audit_events WHERE "+scope+" AND "+denied+" "+
			"GROUP BY hour ORDER BY hour",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics denials_over_time: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var hour time.Time
		var count uint64
		if err := rows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics denials_over_time scan: %w", err)
		}
		result.DenialsOverTime = append(result.DenialsOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	if result.TopReasonCodes, err = r.topKeys(ctx, "reason_code", scope+" AND reason_code != ''", args); err != nil {
		return nil, fmt.Errorf("GetAnalytics top_reason_codes: %w", err)
	}
	if result.TopCapabilities, err = r.topKeys(ctx, "capability_id", scope+" AND capability_id != ''", args); err != nil {
		return nil, fmt.Errorf("GetAnalytics top_capabilities: %w", err)
	}
	if result.TopActors, err = r.topKeys(ctx, "actor_id", scope+" AND actor_id != '' AND "+denied, args); err != nil {
		return nil, fmt.Errorf("GetAnalytics top_actors: %w", err)
	}

	return result, nil
}

// topKeys returns the ten most frequent values of column under where.
func (r *Reader) topKeys(ctx context.Context, column, where string, args []any) ([]KeyCount, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT "+column+" AS key, count() AS count "+
			"FROM capability_audit_events WHERE "+where+" "+
			"GROUP BY key ORDER BY count DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []KeyCount
	for rows.Next() {
		var key string
		var count uint64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		out = append(out, KeyCount{Key: key, Count: int(count)})
	}
	return out, rows.Err()
}
