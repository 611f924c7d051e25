package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock records requested sleeps instead of waiting.
type fakeClock struct {
	slept []time.Duration
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return nil
}

func (c *fakeClock) total() time.Duration {
	var sum time.Duration
	for _, d := range c.slept {
		sum += d
	}
	return sum
}

func TestDelay(t *testing.T) {
	base := 2 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(base, tt.attempt); got != tt.want {
			t.Errorf("Delay(%v, %d) = %v, want %v", base, tt.attempt, got, tt.want)
		}
	}
}

func TestDo_SucceedsAfterTwoFailures(t *testing.T) {
	clock := &fakeClock{}
	base := 100 * time.Millisecond
	calls := 0

	err := Do(context.Background(), 3, base, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("push rejected")
		}
		return nil
	}, WithSleep(clock.sleep))

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if got, want := clock.total(), base+2*base; got != want {
		t.Errorf("total delay = %v, want %v", got, want)
	}
}

func TestDo_ExhaustsAfterExactlyNAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		clock := &fakeClock{}
		calls := 0
		cause := errors.New("network down")

		err := Do(context.Background(), n, time.Second, func(ctx context.Context) error {
			calls++
			return cause
		}, WithSleep(clock.sleep))

		if !errors.Is(err, ErrExhausted) {
			t.Errorf("n=%d: error = %v, want ErrExhausted", n, err)
		}
		if !errors.Is(err, cause) {
			t.Errorf("n=%d: error = %v, want wrapped cause", n, err)
		}
		if calls != n {
			t.Errorf("n=%d: calls = %d", n, calls)
		}
		if len(clock.slept) != n-1 {
			t.Errorf("n=%d: sleeps = %d, want %d", n, len(clock.slept), n-1)
		}
	}
}

func TestDo_RealClockElapsed(t *testing.T) {
	base := 20 * time.Millisecond
	calls := 0
	start := time.Now()

	err := Do(context.Background(), 3, base, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("fail")
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	want := base + 2*base
	if elapsed < want || elapsed > want+500*time.Millisecond {
		t.Errorf("elapsed = %v, want about %v", elapsed, want)
	}
}

func TestDo_Notify(t *testing.T) {
	var attempts []int
	_ = Do(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		return errors.New("fail")
	},
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		WithNotify(func(attempt int, err error, next time.Duration) {
			attempts = append(attempts, attempt)
		}),
	)
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("notified attempts = %v, want [1 2]", attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, 5, time.Hour, func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
