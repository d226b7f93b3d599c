package core

import (
	"fmt"
	"strconv"
	"strings"
)

// orderTransitions is the monotone status lattice. CANCELLED is reachable
// from every non-terminal state and is handled separately because it also
// requires remaining quantity to be positive.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:             {OrderStatusPending, OrderStatusTriggered, OrderStatusPartiallyFilled, OrderStatusFilled},
	OrderStatusPending:         {OrderStatusTriggered, OrderStatusPartiallyFilled, OrderStatusFilled},
	OrderStatusTriggered:       {OrderStatusPartiallyFilled, OrderStatusFilled},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled},
}

// CanTransition reports whether an order status move is legal. Repeated
// PARTIALLY_FILLED updates are legal; every other same-status move is not.
func CanTransition(from, to OrderStatus) bool {
	if to == OrderStatusCancelled {
		return from != OrderStatusFilled && from != OrderStatusCancelled
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionPending reports whether an approval-queue move is legal.
// PENDING -> APPROVED | REJECTED; APPROVED -> EXECUTED | PENDING (rollback
// after a failed execution hand-off).
func CanTransitionPending(from, to PendingStatus) bool {
	switch from {
	case PendingStatusPending:
		return to == PendingStatusApproved || to == PendingStatusRejected
	case PendingStatusApproved:
		return to == PendingStatusExecuted || to == PendingStatusPending
	}
	return false
}

// PyramidWaveRef builds the source_ref for a wave order.
func PyramidWaveRef(sessionID int64, waveNum int) string {
	return fmt.Sprintf("pyramid:%d:wave:%d", sessionID, waveNum)
}

// PyramidTPRef builds the source_ref for a take-profit order.
func PyramidTPRef(sessionID int64) string {
	return fmt.Sprintf("pyramid:%d:tp", sessionID)
}

// PyramidRef is a parsed pyramid source_ref.
type PyramidRef struct {
	SessionID int64
	WaveNum   int
	IsTP      bool
}

// ParsePyramidRef parses "pyramid:{id}:wave:{n}" and "pyramid:{id}:tp"
// references. Returns false for anything else.
func ParsePyramidRef(ref string) (PyramidRef, bool) {
	parts := strings.Split(ref, ":")
	if len(parts) < 3 || parts[0] != "pyramid" {
		return PyramidRef{}, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return PyramidRef{}, false
	}
	switch {
	case len(parts) == 3 && parts[2] == "tp":
		return PyramidRef{SessionID: id, IsTP: true}, true
	case len(parts) == 4 && parts[2] == "wave":
		n, err := strconv.Atoi(parts[3])
		if err != nil || n < 0 {
			return PyramidRef{}, false
		}
		return PyramidRef{SessionID: id, WaveNum: n}, true
	}
	return PyramidRef{}, false
}
