package risk

import (
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeadManFiresWithoutRefresh(t *testing.T) {
	var fired atomic.Int32
	d := newDeadMan(func() { fired.Add(1) })

	d.Arm(50 * time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	if got := fired.Load(); got != 1 {
		t.Fatalf("expected exactly one trigger, got %d", got)
	}
	if d.State() != DeadManTriggered {
		t.Errorf("expected TRIGGERED, got %s", d.State())
	}
}

func TestDeadManRefreshKeepsItAlive(t *testing.T) {
	var fired atomic.Int32
	d := newDeadMan(func() { fired.Add(1) })

	d.Arm(80 * time.Millisecond)
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		if !d.Refresh() {
			t.Fatalf("refresh %d rejected, state %s", i, d.State())
		}
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("switch fired despite refreshes: %d", got)
	}

	// Stop refreshing; now it must fire exactly once.
	time.Sleep(250 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected one trigger after refreshes stopped, got %d", got)
	}
}

func TestDeadManDisarmPreventsTrigger(t *testing.T) {
	var fired atomic.Int32
	d := newDeadMan(func() { fired.Add(1) })

	d.Arm(50 * time.Millisecond)
	d.Disarm()
	time.Sleep(150 * time.Millisecond)

	if got := fired.Load(); got != 0 {
		t.Fatalf("disarmed switch fired %d times", got)
	}
	if d.Refresh() {
		t.Error("refresh must be a no-op on a disarmed switch")
	}
}

func TestDeadManRefreshAfterTriggerIsNoop(t *testing.T) {
	var fired atomic.Int32
	d := newDeadMan(func() { fired.Add(1) })

	d.Arm(30 * time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	if d.Refresh() {
		t.Error("refresh must be rejected after trigger")
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected one trigger, got %d", got)
	}
}

func TestDeadManRearmAfterTrigger(t *testing.T) {
	var fired atomic.Int32
	d := newDeadMan(func() { fired.Add(1) })

	d.Arm(30 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	d.Arm(30 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	if got := fired.Load(); got != 2 {
		t.Fatalf("expected one trigger per arm, got %d", got)
	}
}

// TestDeadManRandomRefreshSchedule drives the switch with random heartbeat
// gaps and checks the firing property on each run: exactly one trigger iff
// some gap reached the deadline, zero otherwise. Gaps are drawn well clear of
// the deadline on either side so scheduler jitter cannot flip a run.
func TestDeadManRandomRefreshSchedule(t *testing.T) {
	const deadline = 60 * time.Millisecond
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for run := 0; run < 6; run++ {
		var fired atomic.Int32
		d := newDeadMan(func() { fired.Add(1) })
		d.Arm(deadline)

		var gaps []time.Duration
		breached := false
		for i := 0; i < 5; i++ {
			var gap time.Duration
			// Run 0 stays entirely under the deadline so the quiet case is
			// always exercised.
			if run > 0 && rng.Intn(3) == 0 {
				gap = time.Duration(120+rng.Intn(30)) * time.Millisecond
				breached = true
			} else {
				gap = time.Duration(10+rng.Intn(15)) * time.Millisecond
			}
			gaps = append(gaps, gap)
			time.Sleep(gap)
			d.Refresh()
		}
		d.Disarm()

		want := int32(0)
		if breached {
			want = 1
		}
		if got := fired.Load(); got != want {
			t.Fatalf("run %d: gaps %v fired %d, want %d", run, gaps, got, want)
		}
	}
}

func TestDeadManDeadlineVisibleWhileArmed(t *testing.T) {
	d := newDeadMan(nil)
	d.Arm(time.Hour)
	if d.Deadline().IsZero() {
		t.Error("armed switch must expose its deadline")
	}
	d.Disarm()
	if !d.Deadline().IsZero() {
		t.Error("disarmed switch must not expose a deadline")
	}
}
