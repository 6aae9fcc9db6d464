package approval

import "errors"

var (
	// ErrUnauthorized: the actor does not hold the role the action requires.
	// Surfaced to the actor as a rejection; no state change.
	ErrUnauthorized = errors.New("not authorized for this action")

	// ErrAlreadyProcessed: the submission was consumed by a concurrent
	// decide/cancel before this actor's claim ran. An expected, frequent
	// outcome of the race over a shared record, not a fault.
	ErrAlreadyProcessed = errors.New("submission already processed")

	// ErrNotRegistered: first contact from an unknown user. The user has been
	// auto-registered; the caller should ask them to resubmit.
	ErrNotRegistered = errors.New("user was not registered")
)
