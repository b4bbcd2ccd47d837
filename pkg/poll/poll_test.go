package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntil_ReadyOnFirstCheck(t *testing.T) {
	res, err := Until(context.Background(), time.Millisecond, time.Second, func() (int, bool, error) {
		return 42, true, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Outcome != Ready {
		t.Fatalf("expected Ready, got %v", res.Outcome)
	}
	if res.Value != 42 {
		t.Errorf("expected value 42, got %d", res.Value)
	}
}

func TestUntil_ReadyAfterRetries(t *testing.T) {
	calls := 0
	res, err := UntilWithSleeper(context.Background(), time.Millisecond, time.Minute, func(time.Duration) {}, func() (string, bool, error) {
		calls++
		if calls < 3 {
			return "", false, nil
		}
		return "done", true, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Outcome != Ready || res.Value != "done" {
		t.Fatalf("expected Ready/done, got %v/%q", res.Outcome, res.Value)
	}
	if calls != 3 {
		t.Errorf("expected 3 checks, got %d", calls)
	}
}

func TestUntil_TimedOut(t *testing.T) {
	res, err := UntilWithSleeper(context.Background(), time.Millisecond, 0, func(time.Duration) {}, func() (int, bool, error) {
		return 0, false, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Outcome != TimedOut {
		t.Fatalf("expected TimedOut, got %v", res.Outcome)
	}
}

func TestUntil_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Until(ctx, time.Millisecond, time.Second, func() (int, bool, error) {
		t.Fatal("check should not run after cancellation")
		return 0, false, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if res.Outcome != Cancelled {
		t.Fatalf("expected Cancelled, got %v", res.Outcome)
	}
}

func TestUntil_CheckErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	_, err := Until(context.Background(), time.Millisecond, time.Second, func() (int, bool, error) {
		return 0, false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got: %v", err)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{
		Ready:      "ready",
		TimedOut:   "timed_out",
		Cancelled:  "cancelled",
		Outcome(9): "unknown",
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}
