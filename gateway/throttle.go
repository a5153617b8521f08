package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultRetryHint applies when a provider answers 429 without Retry-After.
const DefaultRetryHint = 5 * time.Second

// throttle remembers the back-off a provider asked for so later sends fail
// fast instead of hitting the provider again before the window ends.
type throttle struct {
	mu    sync.Mutex
	until time.Time
	hint  time.Duration
	now   func() time.Time
}

func newThrottle() *throttle {
	return &throttle{hint: DefaultRetryHint, now: time.Now}
}

// remaining is the time left in the current window, or zero.
func (t *throttle) remaining() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if t.until.IsZero() || !now.Before(t.until) {
		return 0
	}
	return t.until.Sub(now)
}

func (t *throttle) observe(res *http.Response) time.Duration {
	if t == nil || res == nil || res.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	delay, ok := parseRetryAfter(res.Header.Get("Retry-After"), now)
	if !ok {
		delay = t.hint
	}
	t.until = now.Add(delay)
	return delay
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}
