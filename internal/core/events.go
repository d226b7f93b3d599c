package core

import "time"

// FillEvent flows from the execution engine through the coordinator.
type FillEvent struct {
	Order *Order
	Fill  *Fill
}

// ResolvedOutcome classifies how a pending order left the queue.
type ResolvedOutcome string

const (
	ResolvedApproved ResolvedOutcome = "APPROVED"
	ResolvedRejected ResolvedOutcome = "REJECTED"
	ResolvedExecuted ResolvedOutcome = "EXECUTED"
)

// PendingResolved is emitted by the approval queue so subscribers (the
// pyramid manager, the dashboard) react without importing queue internals.
type PendingResolved struct {
	Pending    *PendingOrder
	Outcome    ResolvedOutcome
	Reviewer   string
	Note       string
	ResolvedAt time.Time
}
