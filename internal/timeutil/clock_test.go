package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_SleepAdvancesTime(t *testing.T) {
	start := time.Date(2017, 7, 3, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(250 * time.Millisecond)
	clock.Sleep(750 * time.Millisecond)

	if got := clock.Since(start); got != time.Second {
		t.Errorf("Since(start) = %v, want 1s", got)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 250*time.Millisecond || sleeps[1] != 750*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
}

func TestMockClock_NegativeSleepDoesNotRewind(t *testing.T) {
	start := time.Date(2017, 7, 3, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Sleep(-time.Second)
	if !clock.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", clock.Now(), start)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2017, 7, 3, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Minute)
	if got := clock.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(time.Minute))
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("Advance should not record sleeps")
	}
}

func TestMockClock_TimerFiresImmediatelyByDefault(t *testing.T) {
	start := time.Date(2017, 7, 3, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	timer := clock.NewTimer(2 * time.Second)
	select {
	case got := <-timer.C():
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Errorf("timer fired at %v", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 1 || sleeps[0] != 2*time.Second {
		t.Errorf("Sleeps() = %v", sleeps)
	}
}

func TestMockClock_ManualTimerWaitsForAdvance(t *testing.T) {
	start := time.Date(2017, 7, 3, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.SetManual(true)

	timer := clock.NewTimer(time.Second)
	if clock.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", clock.Pending())
	}
	clock.Advance(500 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}
	clock.Advance(500 * time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at its deadline")
	}
	if clock.Pending() != 0 {
		t.Errorf("Pending() = %d after firing", clock.Pending())
	}
}

func TestMockClock_StoppedTimerNeverFires(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	clock.SetManual(true)
	timer := clock.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("Stop() on an active timer should report true")
	}
	clock.Advance(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}
