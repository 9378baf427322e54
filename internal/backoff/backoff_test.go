package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelayGrowth(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 1 * time.Second, Factor: 2, Jitter: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second}, // capped
		{8, 1 * time.Second},
	}
	for _, c := range cases {
		if got := p.delayWithRand(c.attempt, 0); got != c.want {
			t.Errorf("attempt %d: got %v want %v", c.attempt, got, c.want)
		}
	}
}

func TestPolicyJitterBounded(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.5}
	base := 100 * time.Millisecond
	if got := p.delayWithRand(1, 1.0); got != base+base/2 {
		t.Errorf("max jitter: got %v", got)
	}
	if got := p.delayWithRand(1, 0); got != base {
		t.Errorf("zero jitter: got %v", got)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	calls := 0
	got, err := Retry(context.Background(), p, 5, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q err %v", got, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustion(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	sentinel := errors.New("still broken")
	_, err := Retry(context.Background(), p, 2, func(int) (int, error) {
		return 0, sentinel
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Errorf("missing exhaustion marker: %v", err)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("missing last error: %v", err)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	p := Policy{Initial: time.Hour, Max: time.Hour, Factor: 1}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Retry(ctx, p, 3, func(int) (int, error) {
		return 0, errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}
