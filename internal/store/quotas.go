package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/studio-brain/capabilities/internal/quota"
)

const (
	defaultBucketLimit = 100
	maxBucketLimit     = 1000
)

// QuotaStore keeps fixed-window counters in capability_quota_buckets.
type QuotaStore struct {
	db *sql.DB
}

var _ quota.Store = (*QuotaStore)(nil)

// Consume runs the read-modify-write under a row lock so concurrent replicas
// consuming the same bucket serialize on the row. The placeholder insert
// guarantees a row exists to lock.
func (s *QuotaStore) Consume(ctx context.Context, bucket string, limit int, window time.Duration, now time.Time) (quota.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Result{}, fmt.Errorf("ConsumeQuota: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO capability_quota_buckets (bucket, window_start, count)
		VALUES ($1, $2, 0)
		ON CONFLICT (bucket) DO NOTHING`, bucket, now,
	); err != nil {
		return quota.Result{}, fmt.Errorf("ConsumeQuota: %w", err)
	}

	var current quota.Bucket
	current.Bucket = bucket
	err = tx.QueryRowContext(ctx, `
		SELECT window_start, count FROM capability_quota_buckets
		WHERE bucket = $1 FOR UPDATE`, bucket,
	).Scan(&current.WindowStart, &current.Count)
	if err != nil {
		return quota.Result{}, fmt.Errorf("ConsumeQuota: %w", err)
	}

	next, res, changed := quota.Decide(&current, bucket, limit, window, now)
	if changed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE capability_quota_buckets SET window_start = $2, count = $3
			WHERE bucket = $1`, bucket, next.WindowStart, next.Count,
		); err != nil {
			return quota.Result{}, fmt.Errorf("ConsumeQuota: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return quota.Result{}, fmt.Errorf("ConsumeQuota: %w", err)
	}
	return res, nil
}

// ListBuckets returns used buckets, most recent window first.
func (s *QuotaStore) ListBuckets(ctx context.Context, limit int) ([]quota.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, window_start, count FROM capability_quota_buckets
		WHERE count > 0
		ORDER BY window_start DESC, bucket ASC
		LIMIT $1`, clampLimit(limit, defaultBucketLimit, maxBucketLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("ListBuckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []quota.Bucket
	for rows.Next() {
		var b quota.Bucket
		if err := rows.Scan(&b.Bucket, &b.WindowStart, &b.Count); err != nil {
			return nil, fmt.Errorf("ListBuckets: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListBuckets: %w", err)
	}
	return out, nil
}

// ResetBucket deletes the bucket row. Resetting an unknown bucket is a no-op.
func (s *QuotaStore) ResetBucket(ctx context.Context, bucket string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM capability_quota_buckets WHERE bucket = $1`, bucket,
	); err != nil {
		return fmt.Errorf("ResetBucket: %w", err)
	}
	return nil
}
