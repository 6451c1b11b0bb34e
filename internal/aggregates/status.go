package aggregates

import "github.com/posledger/posledger/internal/shared"

// Status is the lifecycle state of an aggregated transaction.
type Status string

const (
	StatusReady      Status = "READY"
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

// transitions is the full allowed-transition table. COMPLETED and CANCELLED
// are terminal.
var transitions = map[Status][]Status{
	StatusReady:      {StatusPending, StatusCancelled},
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusCancelled},
	StatusFailed:     {StatusReady, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from → to, returning a conflict naming both states
// when the move is not allowed.
func Transition(from, to Status) (Status, error) {
	if !from.Valid() {
		return "", shared.NewValidationError("unknown status %q", string(from))
	}
	if !to.Valid() {
		return "", shared.NewValidationError("unknown status %q", string(to))
	}
	if !CanTransition(from, to) {
		return "", shared.NewConflictError(shared.ErrInvalidTransition,
			"invalid status transition %s -> %s", from, to)
	}
	return to, nil
}
