package github

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitStatus is the API budget reported by the last response.
type RateLimitStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Used      int       `json:"used"`
}

// exhausted reports whether the budget is spent and still in its window.
func (s RateLimitStatus) exhausted(now time.Time) bool {
	return s.Remaining <= 0 && s.Reset.After(now)
}

// rateBudget records X-RateLimit-* headers. Until a response carries them
// the budget is unknown and never blocks.
type rateBudget struct {
	mu     sync.RWMutex
	status RateLimitStatus
	known  bool
}

func headerInt(h http.Header, name string) (int64, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func (b *rateBudget) observe(h http.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := headerInt(h, "X-RateLimit-Limit"); ok {
		b.status.Limit = int(n)
	}
	if n, ok := headerInt(h, "X-RateLimit-Remaining"); ok {
		b.status.Remaining = int(n)
		b.known = true
	}
	if n, ok := headerInt(h, "X-RateLimit-Reset"); ok {
		b.status.Reset = time.Unix(n, 0)
	}
	if n, ok := headerInt(h, "X-RateLimit-Used"); ok {
		b.status.Used = int(n)
	}
}

func (b *rateBudget) snapshot() (RateLimitStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status, b.known
}

// waitForReset blocks while the budget is exhausted.
func (b *rateBudget) waitForReset(ctx context.Context) error {
	status, known := b.snapshot()
	if !known || !status.exhausted(time.Now()) {
		return nil
	}
	timer := time.NewTimer(time.Until(status.Reset))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rateLimitTransport paces requests and holds them while the budget is spent.
type rateLimitTransport struct {
	base    http.RoundTripper
	budget  *rateBudget
	limiter *rate.Limiter
}

func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := t.budget.waitForReset(ctx); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if resp != nil {
		t.budget.observe(resp.Header)
	}
	return resp, err
}
