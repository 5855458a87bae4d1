package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	if err := c.Sleep(context.Background(), 90*time.Second); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if got := c.Since(start); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}
	if got := c.Sleeps(); len(got) != 1 || got[0] != 90*time.Second {
		t.Errorf("Sleeps() = %v", got)
	}
}

func TestMockClock_SleepCancelled(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
	if !c.Now().Equal(time.Unix(0, 0)) {
		t.Error("cancelled sleep must not advance time")
	}
}

func TestRealClock_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := (RealClock{}).Sleep(ctx, time.Hour); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Sleep() error = %v, want deadline exceeded", err)
	}
}
