package scheduler

import "time"

// DefaultCooldown is the window used when no policy is configured.
const DefaultCooldown = 24 * time.Hour

// Policy decides whether a click should start a new evaluation. It is only
// consulted when no evaluation is pending for the key.
type Policy interface {
	ShouldTrigger(state TriggerState, now time.Time) bool
}

// CooldownPolicy fires at most once per Window.
type CooldownPolicy struct {
	Window time.Duration
}

// ShouldTrigger fires when the key was never evaluated or the last evaluation
// is at least Window old.
func (p CooldownPolicy) ShouldTrigger(state TriggerState, now time.Time) bool {
	window := p.Window
	if window <= 0 {
		window = DefaultCooldown
	}
	if state.LastEvaluated.IsZero() {
		return true
	}
	return now.Sub(state.LastEvaluated) >= window
}

// FirstClickPolicy fires on the first click after the actor for the key is
// created, ignoring any persisted history.
type FirstClickPolicy struct{}

// ShouldTrigger fires once per actor lifetime.
func (FirstClickPolicy) ShouldTrigger(state TriggerState, _ time.Time) bool {
	return !state.TriggeredSinceStart
}
