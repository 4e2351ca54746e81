package xtopsupport

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// maxBlockedTime caps the escalating lockout at 28 days, no matter how
// dense the burst or how many repeat offenses.
const maxBlockedTime = 28 * 24 * time.Hour

// blockedCountEscalationCap saturates the repeat-offender multiplier.
const blockedCountEscalationCap = 5

// clusterNeighborWindow is the distance within which two hits count as
// part of the same burst when scoring a denial.
const clusterNeighborWindow = time.Second

// RateLimiter is a sliding-window limiter keyed by any identity ID, with an
// escalating lockout on denial. Buckets are pure in-memory process state;
// a restart resets all limiters.
type RateLimiter struct {
	window   time.Duration
	capacity int
	mu       sync.Mutex
	buckets  map[string]*RateLimitBucket
	logger   *slog.Logger

	// nowFunc is swappable for tests
	nowFunc func() time.Time
}

// NewRateLimiter returns a limiter with the given sliding window and
// per-window capacity.
func NewRateLimiter(config RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		window:   config.Window,
		capacity: config.Capacity,
		buckets:  map[string]*RateLimitBucket{},
		logger:   logger.With(loggerNameKey, "rate_limiter"),
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

// RateLimitBucket tracks hits within the sliding window for one identity,
// plus the lockout state. Buckets live for the process lifetime.
type RateLimitBucket struct {
	mu sync.Mutex

	// hits within the sliding window, pruned on every call
	hits []time.Time

	// blockedEndAt is the lockout deadline; zero means not blocked
	blockedEndAt time.Time

	// blockedCount increases on every denial and never decreases
	blockedCount int
}

// BlockedUntil returns the current lockout deadline (zero if none).
func (b *RateLimitBucket) BlockedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockedEndAt
}

// BlockedCount returns how many denials this bucket has accumulated.
func (b *RateLimitBucket) BlockedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockedCount
}

// Get returns the existing or newly created bucket for the identity ID.
// It never fails.
func (r *RateLimiter) Get(id string) *RateLimitBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.buckets[id]
	if !ok {
		bucket = &RateLimitBucket{}
		r.buckets[id] = bucket
	}
	return bucket
}

// Remaining returns the admission capacity left in the identity's window.
func (r *RateLimiter) Remaining(id string) int {
	bucket := r.Get(id)
	now := r.nowFunc()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	bucket.prune(now, r.window)
	remaining := r.capacity - len(bucket.hits)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsAllowed records a hit if capacity remains and returns the admission
// decision. On denial, the lockout escalates: denser bursts and repeat
// offenders are blocked for longer, capped at 28 days. While blocked, every
// call is denied immediately without recording a hit, but still escalates,
// so hammering a blocked limiter only extends the lockout.
func (r *RateLimiter) IsAllowed(id string) bool {
	bucket := r.Get(id)
	now := r.nowFunc()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	bucket.prune(now, r.window)

	if !bucket.blockedEndAt.IsZero() && now.Before(bucket.blockedEndAt) {
		bucket.escalate(now, r.window, r.capacity)
		r.logger.Debug(
			"denied: within lockout",
			"id", id,
			"blocked_until", bucket.blockedEndAt,
			"blocked_count", bucket.blockedCount,
		)
		return false
	}

	if len(bucket.hits) < r.capacity {
		bucket.hits = append(bucket.hits, now)
		return true
	}

	bucket.escalate(now, r.window, r.capacity)
	r.logger.Info(
		"denied: window capacity exhausted",
		"id", id,
		"blocked_until", bucket.blockedEndAt,
		"blocked_count", bucket.blockedCount,
	)
	return false
}

// prune drops hits older than the sliding window. The caller must hold
// the bucket lock.
func (b *RateLimitBucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := b.hits[:0]
	for _, ts := range b.hits {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.hits = kept
}

// escalate computes a new lockout deadline. The clustering score adds 2 for
// every hit with no neighbor within one second and 1 otherwise, so isolated
// probes weigh more per hit while dense bursts still accumulate a large sum.
// The score is scaled by round(window / (capacity/2)) and multiplied by the
// saturating repeat-offense count. The deadline never moves backwards.
// The caller must hold the bucket lock.
func (b *RateLimitBucket) escalate(now time.Time, window time.Duration, capacity int) {
	score := 0
	for i, ts := range b.hits {
		isolated := true
		for j, other := range b.hits {
			if i == j {
				continue
			}
			d := ts.Sub(other)
			if d < 0 {
				d = -d
			}
			if d <= clusterNeighborWindow {
				isolated = false
				break
			}
		}
		if isolated {
			score += 2
		} else {
			score++
		}
	}

	base := time.Duration(
		float64(score) * math.Round(
			float64(window.Milliseconds())/(float64(capacity)/2),
		),
	) * time.Millisecond

	b.blockedCount++
	multiplier := b.blockedCount
	if multiplier > blockedCountEscalationCap {
		multiplier = blockedCountEscalationCap
	}

	blockedTime := base * time.Duration(multiplier)
	if blockedTime > maxBlockedTime {
		blockedTime = maxBlockedTime
	}

	end := now.Add(blockedTime)
	if end.After(b.blockedEndAt) {
		b.blockedEndAt = end
	}
}
