package quota

import (
	"context"
	"time"
)

// DefaultWindow is the window applied to capability quotas.
const DefaultWindow = time.Hour

// Result is the outcome of a single Consume call.
type Result struct {
	Allowed           bool `json:"allowed"`
	RetryAfterSeconds int  `json:"retryAfterSeconds"`
	Remaining         int  `json:"remaining"`
}

// Bucket is the persisted counter for one fixed window.
type Bucket struct {
	Bucket      string    `json:"bucket"`
	WindowStart time.Time `json:"windowStart"`
	Count       int       `json:"count"`
}

// Store is a fixed-window counter keyed by bucket. Consume must be atomic
// for concurrent callers on the same bucket, across processes for durable
// implementations.
type Store interface {
	Consume(ctx context.Context, bucket string, limit int, window time.Duration, now time.Time) (Result, error)
	ListBuckets(ctx context.Context, limit int) ([]Bucket, error)
	ResetBucket(ctx context.Context, bucket string) error
}

// BucketKey scopes a capability quota to a tenant.
func BucketKey(capabilityID, tenantID string) string {
	return capabilityID + ":" + tenantID
}

// Decide applies one consumption to current, which is nil for a bucket that
// has never been used. It returns the bucket state to persist and whether the
// state changed.
//
// An elapsed window resets to count=1 at now; it never decays.
func Decide(current *Bucket, bucket string, limit int, window time.Duration, now time.Time) (next Bucket, res Result, changed bool) {
	if current == nil || current.Count <= 0 || now.Sub(current.WindowStart) >= window {
		next = Bucket{Bucket: bucket, WindowStart: now, Count: 1}
		if limit <= 0 {
			return Bucket{}, Result{Allowed: false, RetryAfterSeconds: ceilSeconds(window)}, false
		}
		return next, Result{Allowed: true, Remaining: limit - 1}, true
	}

	if current.Count >= limit {
		retry := ceilSeconds(current.WindowStart.Add(window).Sub(now))
		if retry < 1 {
			retry = 1
		}
		return *current, Result{Allowed: false, RetryAfterSeconds: retry, Remaining: 0}, false
	}

	next = *current
	next.Count++
	return next, Result{Allowed: true, Remaining: limit - next.Count}, true
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
