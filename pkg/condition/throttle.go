package condition

import (
	"sync"
	"time"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// HitThrottle is a fixed-window rate limiter owned by a single instrument.
type HitThrottle struct {
	mu          sync.Mutex
	limit       int
	step        time.Duration
	count       int
	windowStart time.Time
	limited     int64
	now         func() time.Time
}

// NewHitThrottle creates a throttle from an instrument's throttle spec.
// now may be nil, in which case time.Now is used.
func NewHitThrottle(spec instrument.Throttle, now func() time.Time) *HitThrottle {
	if now == nil {
		now = time.Now
	}
	return &HitThrottle{
		limit: spec.Limit,
		step:  spec.Step.Duration(),
		now:   now,
	}
}

// IsRateLimited records a candidate hit and reports whether it must be dropped.
func (t *HitThrottle) IsRateLimited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.windowStart) >= t.step {
		t.windowStart = now
		t.count = 0
	}

	t.count++
	if t.count > t.limit {
		t.limited++
		return true
	}
	return false
}

// Limited returns how many hits were dropped over the throttle's lifetime.
func (t *HitThrottle) Limited() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limited
}
