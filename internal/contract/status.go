package contract

import "strings"

// Status describes the contract lifecycle label used by domain decisions.
type Status string

const (
	StatusUnspecified          Status = ""
	StatusDraft                Status = "draft"
	StatusProcessing           Status = "processing"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusPartiallyConfirmed   Status = "partially_confirmed"
	StatusFullyConfirmed       Status = "fully_confirmed"
	StatusEscrowHeld           Status = "escrow_held"
	StatusDeliveryPending      Status = "delivery_pending"
	StatusReleased             Status = "released"
	StatusDisputed             Status = "disputed"
	StatusCancelled            Status = "cancelled"
	StatusArchived             Status = "archived"
)

// ParseStatus canonicalizes status labels for stable payload hashes.
func ParseStatus(value string) (Status, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	switch Status(trimmed) {
	case StatusDraft, StatusProcessing, StatusAwaitingConfirmation,
		StatusPartiallyConfirmed, StatusFullyConfirmed, StatusEscrowHeld,
		StatusDeliveryPending, StatusReleased, StatusDisputed,
		StatusCancelled, StatusArchived:
		return Status(trimmed), true
	default:
		return StatusUnspecified, false
	}
}

// isStatusTransitionAllowed enforces valid contract lifecycle transitions.
//
// Disputes and cancellations are reachable from every settlement state;
// whether a cancellation additionally needs a refund is decided by the
// state machine, not the table.
func isStatusTransitionAllowed(from, to Status) bool {
	if to == StatusDisputed || to == StatusCancelled {
		return !IsSettled(from)
	}
	switch from {
	case StatusDraft:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusAwaitingConfirmation
	case StatusAwaitingConfirmation:
		return to == StatusPartiallyConfirmed
	case StatusPartiallyConfirmed:
		return to == StatusFullyConfirmed
	case StatusFullyConfirmed:
		return to == StatusEscrowHeld
	case StatusEscrowHeld:
		return to == StatusDeliveryPending
	case StatusDeliveryPending:
		return to == StatusReleased
	case StatusReleased, StatusDisputed, StatusCancelled:
		return to == StatusArchived
	default:
		return false
	}
}

// IsStatusTransitionAllowed reports whether a status transition is permitted.
func IsStatusTransitionAllowed(from, to Status) bool {
	return isStatusTransitionAllowed(from, to)
}

// IsSettled reports whether a status permits no further settlement activity.
// Settled contracts may still be archived.
func IsSettled(status Status) bool {
	switch status {
	case StatusReleased, StatusDisputed, StatusCancelled, StatusArchived:
		return true
	default:
		return false
	}
}

// EscrowFundsHeld reports whether provider funds are held at this status.
func EscrowFundsHeld(status Status) bool {
	return status == StatusEscrowHeld || status == StatusDeliveryPending
}
