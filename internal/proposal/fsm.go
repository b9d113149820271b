package proposal

import "fmt"

var transitions = map[Status]map[Status]bool{
	StatusDraft: {
		StatusPendingApproval: true,
		StatusApproved:        true,
		StatusRejected:        true,
	},
	StatusPendingApproval: {
		StatusApproved: true,
		StatusRejected: true,
	},
	StatusApproved: {
		StatusExecuting: true,
		StatusExecuted:  true,
		StatusRejected:  true,
	},
	// executing is held by exactly one execute call while its side effect
	// runs. It ends executed, or approved again if the side effect failed.
	StatusExecuting: {
		StatusExecuted: true,
		StatusApproved: true,
	},
	StatusRejected: {
		StatusPendingApproval: true,
		StatusApproved:        true,
	},
	StatusExecuted: {},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition moves p to the next status or returns ErrInvalidTransition.
func Transition(p *Proposal, to Status) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	return nil
}

// InitialStatus is where a newly created proposal lands.
func InitialStatus(requiresApproval bool) Status {
	if requiresApproval {
		return StatusPendingApproval
	}
	return StatusApproved
}
