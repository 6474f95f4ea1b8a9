package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvanceReleasesSleepers(t *testing.T) {
	clk := NewFake(time.Unix(1000, 0))

	done := make(chan error, 1)
	go func() {
		done <- clk.Sleep(context.Background(), 5*time.Second)
	}()

	// wait for the sleeper to register
	for clk.Sleepers() == 0 {
		time.Sleep(time.Millisecond)
	}

	clk.Advance(4 * time.Second)
	select {
	case <-done:
		t.Fatal("sleeper released before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleeper not released after deadline")
	}
}

func TestFakeClockSleepCancellation(t *testing.T) {
	clk := NewFake(time.Unix(1000, 0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- clk.Sleep(ctx, time.Hour)
	}()
	for clk.Sleepers() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled sleep did not return")
	}
}

func TestBackoffScheduleBounds(t *testing.T) {
	initial := 3 * time.Second
	max := 30 * time.Second
	factor := 1.7

	sched := NewBackoffSchedule(initial, max, factor)

	expected := float64(initial)
	for i := 0; i < 10; i++ {
		d := sched.NextBackOff()
		lo := time.Duration(expected * 0.9)
		hi := time.Duration(expected * 1.1)
		assert.GreaterOrEqual(t, d, lo, "delay %d below jitter floor", i)
		assert.LessOrEqual(t, d, hi, "delay %d above jitter ceiling", i)

		expected *= factor
		if expected > float64(max) {
			expected = float64(max)
		}
	}
}

func TestBackoffScheduleReset(t *testing.T) {
	sched := NewBackoffSchedule(time.Second, 30*time.Second, 2.0)
	for i := 0; i < 5; i++ {
		sched.NextBackOff()
	}
	sched.Reset()
	d := sched.NextBackOff()
	assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*1.1))
}
