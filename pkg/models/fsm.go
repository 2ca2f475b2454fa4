package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states.
// Reset is not a transition: it discards the job and starts a new idle one.
var validTransitions = map[JobState]map[JobState]bool{
	JobStateIdle: {
		JobStateSubmitting: true, // Idle → Submitting (file accepted, upload starts)
	},
	JobStateSubmitting: {
		JobStateTracking: true, // Submitting → Tracking (service returned a task id)
		JobStateFailed:   true, // Submitting → Failed (upload rejected or network error)
	},
	JobStateTracking: {
		JobStateCompleted: true, // Tracking → Completed (service reported completed)
		JobStateFailed:    true, // Tracking → Failed (service reported failed, or connection lost)
	},
	// Terminal states (no transitions allowed)
	JobStateCompleted: {},
	JobStateFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobState) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobState) bool {
	return state == JobStateCompleted || state == JobStateFailed
}

// IsActiveState returns true while the controller owns network work for the job
func IsActiveState(state JobState) bool {
	return state == JobStateSubmitting || state == JobStateTracking
}

// ClampProgress bounds a reported progress value to 0-100
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
