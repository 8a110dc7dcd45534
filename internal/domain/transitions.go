package domain

import "fmt"

var transitions = map[Status][]Status{
	StatusPending: {StatusActive},
	StatusActive:  {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusActive, StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both states when from → to is illegal.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
