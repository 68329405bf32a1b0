package github

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestRateBudget_Observe(t *testing.T) {
	var b rateBudget
	b.observe(http.Header{"X-Ratelimit-Limit": {"5000"}})
	if _, known := b.snapshot(); known {
		t.Fatal("budget known before X-RateLimit-Remaining was seen")
	}

	reset := time.Now().Add(time.Hour).Unix()
	b.observe(http.Header{
		"X-Ratelimit-Remaining": {"42"},
		"X-Ratelimit-Reset":     {strconv.FormatInt(reset, 10)},
		"X-Ratelimit-Used":      {"not-a-number"},
	})
	status, known := b.snapshot()
	if !known {
		t.Fatal("budget unknown after X-RateLimit-Remaining")
	}
	if status.Limit != 5000 || status.Remaining != 42 || status.Reset.Unix() != reset || status.Used != 0 {
		t.Errorf("status = %+v", status)
	}
}

func TestRateBudget_WaitForReset(t *testing.T) {
	spent := func(reset time.Time) *rateBudget {
		b := &rateBudget{}
		b.observe(http.Header{
			"X-Ratelimit-Remaining": {"0"},
			"X-Ratelimit-Reset":     {strconv.FormatInt(reset.Unix(), 10)},
		})
		return b
	}

	t.Run("unknown budget", func(t *testing.T) {
		if err := (&rateBudget{}).waitForReset(context.Background()); err != nil {
			t.Fatalf("waitForReset() error = %v", err)
		}
	})
	t.Run("reset in the past", func(t *testing.T) {
		if err := spent(time.Now().Add(-time.Minute)).waitForReset(context.Background()); err != nil {
			t.Fatalf("waitForReset() error = %v", err)
		}
	})
	t.Run("exhausted until cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := spent(time.Now().Add(time.Hour)).waitForReset(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("waitForReset() error = %v, want deadline exceeded", err)
		}
	})
	t.Run("exhausted until reset", func(t *testing.T) {
		start := time.Now()
		if err := spent(start.Add(1100 * time.Millisecond)).waitForReset(context.Background()); err != nil {
			t.Fatalf("waitForReset() error = %v", err)
		}
		if time.Since(start) < 50*time.Millisecond {
			t.Error("waitForReset() returned before the reset time")
		}
	})
}

func TestClient_RecordsRateLimit(t *testing.T) {
	m := newMockGitHubServer(t)
	reset := time.Now().Add(time.Hour).Unix()
	m.mux.HandleFunc("/repos/octo/widgets/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4990")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		w.Header().Set("X-RateLimit-Used", "10")
		writeJSON(w, http.StatusOK, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": "abc"}})
	})
	c := m.client(t, Options{})

	if _, _, err := c.GitHubClient().Git.GetRef(context.Background(), "octo", "widgets", "heads/main"); err != nil {
		t.Fatalf("GetRef() error = %v", err)
	}
	want := RateLimitStatus{Limit: 5000, Remaining: 4990, Reset: time.Unix(reset, 0), Used: 10}
	if got := c.RateLimit(); !got.Reset.Equal(want.Reset) || got.Limit != want.Limit || got.Remaining != want.Remaining || got.Used != want.Used {
		t.Errorf("RateLimit() = %+v, want %+v", got, want)
	}
}

func TestClient_PacesRequests(t *testing.T) {
	m := newMockGitHubServer(t)
	var calls atomic.Int32
	m.mux.HandleFunc("/repos/octo/widgets/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": "abc"}})
	})
	c := m.client(t, Options{RequestsPerSecond: 10, Burst: 1})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, _, err := c.GitHubClient().Git.GetRef(context.Background(), "octo", "widgets", "heads/main"); err != nil {
			t.Fatalf("GetRef() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("3 requests at 10/s took %v, want at least 150ms", elapsed)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d requests, want 3", calls.Load())
	}
}

func TestRateLimitTransport_HoldsSpentBudget(t *testing.T) {
	m := newMockGitHubServer(t)
	m.mux.HandleFunc("/rate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		w.WriteHeader(http.StatusOK)
	})
	hc := &http.Client{Transport: &rateLimitTransport{base: http.DefaultTransport, budget: &rateBudget{}}}

	get := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.server.URL+"/rate", nil)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
	if err := get(context.Background()); err != nil {
		t.Fatalf("first request error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second request error = %v, want deadline exceeded", err)
	}
	if n := m.count("GET /rate"); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}
