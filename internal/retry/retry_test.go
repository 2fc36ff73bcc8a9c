package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxRetries: 10}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{20, time.Minute},
	}
	for _, c := range cases {
		if got := p.Delay(c.attempt); got != c.want {
			t.Fatalf("delay(%d): expected %s, got %s", c.attempt, c.want, got)
		}
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 5}

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("gateway timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoDoesNotRetryPermanentFailures(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 5}

	permanent := errors.New("invalid destination")
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", calls)
	}
}

func TestDoSurfacesLastErrorOnExhaustion(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 2}

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return Transient(errors.New("still down"))
	})
	if err == nil || !IsTransient(err) {
		t.Fatalf("expected transient error after exhaustion, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected initial attempt plus two retries, got %d", calls)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxRetries: 3}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, p, func(context.Context) error {
		return Transient(errors.New("down"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestTransientWrappingPreservesCause(t *testing.T) {
	cause := errors.New("rate limited")
	err := Transient(cause)
	if !errors.Is(err, cause) {
		t.Fatal("transient wrapper must preserve the cause")
	}
	if !IsTransient(err) {
		t.Fatal("wrapped error must classify as transient")
	}
	if IsTransient(cause) {
		t.Fatal("unwrapped error must not classify as transient")
	}
}
