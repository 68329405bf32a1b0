package hosting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in      string
		want    Repo
		wantErr bool
	}{
		{"octo/widgets", Repo{Owner: "octo", Name: "widgets"}, false},
		{" octo/widgets ", Repo{Owner: "octo", Name: "widgets"}, false},
		{"octo", Repo{}, true},
		{"octo/", Repo{}, true},
		{"a/b/c", Repo{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRepo(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRepo(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRepo(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	if s := (Repo{Owner: "octo", Name: "widgets"}).String(); s != "octo/widgets" {
		t.Errorf("String() = %q", s)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		rateLimited bool
		want        ErrorKind
	}{
		{"429", http.StatusTooManyRequests, false, KindTransient},
		{"403 rate limited", http.StatusForbidden, true, KindTransient},
		{"403 forbidden", http.StatusForbidden, false, KindPermanent},
		{"401", http.StatusUnauthorized, false, KindPermanent},
		{"404", http.StatusNotFound, false, KindPermanent},
		{"409", http.StatusConflict, false, KindConflict},
		{"422", http.StatusUnprocessableEntity, false, KindPermanent},
		{"500", http.StatusInternalServerError, false, KindTransient},
		{"503", http.StatusServiceUnavailable, false, KindTransient},
		{"no response", 0, false, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.status, tt.rateLimited); got != tt.want {
				t.Errorf("Classify(%d, %v) = %v, want %v", tt.status, tt.rateLimited, got, tt.want)
			}
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("merge car: %w", Conflict("merge", base))

	if !IsConflict(wrapped) {
		t.Error("IsConflict() = false for wrapped conflict")
	}
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is() should reach the cause")
	}
	if IsTransient(wrapped) || IsPermanent(wrapped) {
		t.Error("conflict is neither transient nor permanent")
	}
	if !IsTransient(Transient("get", base)) {
		t.Error("IsTransient() = false")
	}
	notFound := &Error{Kind: KindPermanent, Op: "get ref", StatusCode: http.StatusNotFound}
	if !IsPermanent(notFound) || !errors.Is(notFound, ErrNotFound) {
		t.Error("404 should be permanent and match ErrNotFound")
	}
	if IsTransient(nil) || IsPermanent(base) {
		t.Error("plain errors are not classified")
	}
	if msg := notFound.Error(); msg != "get ref (status 404)" {
		t.Errorf("Error() = %q", msg)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for attempt, want := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond} {
		d := p.Delay(attempt)
		if d < want*9/10 || d > want*11/10 {
			t.Errorf("Delay(%d) = %v, want %v +/-10%%", attempt, d, want)
		}
	}
	if d := p.Delay(4); d != 300*time.Millisecond {
		t.Errorf("Delay(4) = %v, want capped at 300ms", d)
	}
}

func TestRetryPolicyDo(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("retries transient until success", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return Transient("op", errors.New("503"))
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("Do() = %v after %d calls, want nil after 3", err, calls)
		}
	})

	t.Run("gives up after budget", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return Transient("op", errors.New("503"))
		})
		if !IsTransient(err) || calls != 3 {
			t.Errorf("Do() = %v after %d calls", err, calls)
		}
	})

	t.Run("does not retry permanent", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return Permanent("op", errors.New("403"))
		})
		if !IsPermanent(err) || calls != 1 {
			t.Errorf("Do() = %v after %d calls", err, calls)
		}
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
		err := slow.Do(ctx, func(context.Context) error {
			cancel()
			return Transient("op", errors.New("503"))
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() = %v, want context.Canceled", err)
		}
	})
}
