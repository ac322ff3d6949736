package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExponential(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt, w := range want {
		if got := Exponential(attempt); got != w {
			t.Errorf("Exponential(%d) = %v, want %v", attempt, got, w)
		}
	}
	if got := Exponential(-1); got != time.Second {
		t.Errorf("Exponential(-1) = %v, want 1s", got)
	}
}

func TestPolicy_Attempts(t *testing.T) {
	cases := map[int]int{-1: 1, 0: 1, 1: 2, 3: 4}
	for retries, want := range cases {
		if got := (Policy{Retries: retries}).Attempts(); got != want {
			t.Errorf("Retries=%d: Attempts() = %d, want %d", retries, got, want)
		}
	}
}

func TestPolicy_DelayDefaultsToExponential(t *testing.T) {
	if got := (Policy{}).Delay(2); got != 4*time.Second {
		t.Errorf("Delay(2) = %v, want 4s", got)
	}
	if got := (Policy{Backoff: None}).Delay(5); got != 0 {
		t.Errorf("Delay with None = %v, want 0", got)
	}
}

func TestDo_FailTwiceThenSucceed(t *testing.T) {
	calls := 0
	var failures []int
	err := Do(context.Background(), Policy{Retries: 2, Backoff: None}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return fmt.Errorf("attempt %d failed", attempt)
		}
		return nil
	}, func(attempt int, err error) {
		failures = append(failures, attempt)
	})
	if err != nil {
		t.Fatalf("Do error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(failures) != 2 || failures[0] != 0 || failures[1] != 1 {
		t.Errorf("failures = %v, want [0 1]", failures)
	}
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	calls := 0
	var last error
	err := Do(context.Background(), Policy{Retries: 1, Backoff: None}, func(ctx context.Context, attempt int) error {
		calls++
		last = fmt.Errorf("attempt %d failed", attempt)
		return last
	}, nil)
	if !errors.Is(err, last) {
		t.Errorf("err = %v, want %v", err, last)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("no such tool")
	calls := 0
	observed := 0
	err := Do(context.Background(), Policy{Retries: 5, Backoff: None}, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(sentinel)
	}, func(int, error) { observed++ })
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if observed != 1 {
		t.Errorf("observed failures = %d, want 1", observed)
	}
	if err != sentinel {
		t.Errorf("err = %v, want unwrapped sentinel", err)
	}
	if IsPermanent(err) {
		t.Error("returned error should not carry the permanent marker")
	}
}

func TestDo_BackoffSchedule(t *testing.T) {
	var delays []int
	p := Policy{Retries: 3, Backoff: func(attempt int) time.Duration {
		delays = append(delays, attempt)
		return 0
	}}
	Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	}, nil)
	if len(delays) != 3 {
		t.Fatalf("backoff consulted %d times, want 3", len(delays))
	}
	for i, a := range delays {
		if a != i {
			t.Errorf("delay[%d] attempt = %d", i, a)
		}
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := Do(ctx, Policy{Retries: 3, Backoff: func(int) time.Duration { return time.Hour }}, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("fail")
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff wait did not observe cancellation")
	}
}

func TestDo_CancelWhileWaitingKeepsBothErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opErr := errors.New("upstream unavailable")
	waiting := make(chan struct{})
	go func() {
		<-waiting
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, Policy{Retries: 3, Backoff: func(int) time.Duration {
		close(waiting)
		return time.Hour
	}}, func(ctx context.Context, attempt int) error {
		return opErr
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !errors.Is(err, opErr) {
		t.Errorf("err = %v, want the attempt error kept", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff wait did not observe cancellation")
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
