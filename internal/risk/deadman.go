package risk

import (
	"sync"
	"time"
)

// DeadManState is the switch's lifecycle state.
type DeadManState string

const (
	DeadManArmed     DeadManState = "ARMED"
	DeadManRefreshed DeadManState = "REFRESHED"
	DeadManTriggered DeadManState = "TRIGGERED"
	DeadManDisarmed  DeadManState = "DISARMED"
)

// DeadMan is a dead-man's switch owned by the safety controller: if not
// refreshed before its deadline, it fires the trigger (cancel all orders)
// exactly once. The timer lives in this process, not on the exchange.
//
// Transitions: ARMED -> REFRESHED on a heartbeat before the deadline, which
// resets the deadline and returns to ARMED; ARMED -> TRIGGERED when the
// deadline elapses with no refresh; DISARMED is terminal until re-armed.
type DeadMan struct {
	onTrigger func()

	mu       sync.Mutex
	state    DeadManState
	deadline time.Time
	ttl      time.Duration
	timer    *time.Timer
}

func newDeadMan(onTrigger func()) *DeadMan {
	return &DeadMan{
		onTrigger: onTrigger,
		state:     DeadManDisarmed,
	}
}

// Arm schedules the switch to fire after ttl unless refreshed. Re-arming a
// triggered or disarmed switch is allowed and starts a fresh deadline.
func (d *DeadMan) Arm(ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopTimerLocked()
	d.ttl = ttl
	d.deadline = time.Now().Add(ttl)
	d.state = DeadManArmed
	d.timer = time.AfterFunc(ttl, d.fire)
}

// Refresh is the heartbeat: it resets the deadline and keeps the switch
// armed. Refreshing a disarmed or already-triggered switch does nothing.
func (d *DeadMan) Refresh() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DeadManArmed && d.state != DeadManRefreshed {
		return false
	}

	d.stopTimerLocked()
	d.state = DeadManRefreshed
	d.deadline = time.Now().Add(d.ttl)
	d.timer = time.AfterFunc(d.ttl, d.fire)
	d.state = DeadManArmed
	return true
}

// Disarm stops the timer. Terminal until Arm is called again.
func (d *DeadMan) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimerLocked()
	d.state = DeadManDisarmed
}

// State returns the current state.
func (d *DeadMan) State() DeadManState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Deadline returns the current deadline, zero when not armed.
func (d *DeadMan) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DeadManArmed {
		return time.Time{}
	}
	return d.deadline
}

func (d *DeadMan) fire() {
	d.mu.Lock()
	if d.state != DeadManArmed || time.Now().Before(d.deadline) {
		d.mu.Unlock()
		return
	}
	d.state = DeadManTriggered
	d.mu.Unlock()

	// The state flip above guarantees the trigger runs at most once per
	// arm; a racing Refresh either lands before (timer stopped) or sees
	// TRIGGERED and becomes a no-op.
	if d.onTrigger != nil {
		d.onTrigger()
	}
}

func (d *DeadMan) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
