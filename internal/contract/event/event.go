// Package event defines the immutable audit journal entries recorded for
// every contract decision, accepted or rejected.
package event

import (
	"strings"
	"time"
)

// Type identifies the type of a contract event.
type Type string

// Contract lifecycle events.
const (
	// TypeContractDrafted records the creation of a contract in Draft.
	TypeContractDrafted Type = "contract.drafted"
	// TypeTermsSubmitted records raw terms entering processing.
	TypeTermsSubmitted Type = "contract.terms_submitted"
	// TypeTermsFinalized records canonicalization of the signable payload.
	TypeTermsFinalized Type = "contract.terms_finalized"
	// TypeStatusChanged records a committed lifecycle transition.
	TypeStatusChanged Type = "contract.status_changed"
	// TypeTransitionRejected records a transition request that was declined.
	TypeTransitionRejected Type = "contract.transition_rejected"
)

// Confirmation events.
const (
	// TypeConfirmationCodeIssued records a code being issued to a party.
	TypeConfirmationCodeIssued Type = "confirmation.code_issued"
	// TypeConfirmationAccepted records an accepted party confirmation.
	TypeConfirmationAccepted Type = "confirmation.accepted"
	// TypeConfirmationRejected records a failed confirmation attempt.
	TypeConfirmationRejected Type = "confirmation.rejected"
	// TypeConfirmationLocked records a party exceeding the attempt threshold.
	TypeConfirmationLocked Type = "confirmation.locked"
)

// Signature events.
const (
	// TypeSignatureVerified records a valid party signature.
	TypeSignatureVerified Type = "signature.verified"
	// TypeSignatureRejected records an invalid signature or hash mismatch.
	TypeSignatureRejected Type = "signature.rejected"
)

// Escrow events.
const (
	// TypeEscrowHoldInitiated records the first hold attempt against the provider.
	TypeEscrowHoldInitiated Type = "escrow.hold_initiated"
	// TypeEscrowHeld records a successful provider hold.
	TypeEscrowHeld Type = "escrow.held"
	// TypeEscrowReleased records a successful provider release.
	TypeEscrowReleased Type = "escrow.released"
	// TypeEscrowRefunded records a successful provider refund.
	TypeEscrowRefunded Type = "escrow.refunded"
	// TypeEscrowFailed records exhausted retries against the provider.
	TypeEscrowFailed Type = "escrow.failed"
)

// Settlement events.
const (
	// TypeDeliveryConfirmed records an inbound delivery confirmation.
	TypeDeliveryConfirmed Type = "delivery.confirmed"
	// TypeDisputeOpened records the contract entering Disputed.
	TypeDisputeOpened Type = "dispute.opened"
)

// ActorType identifies who or what triggered an event.
type ActorType string

const (
	// ActorTypeSystem indicates the event was triggered by the engine itself.
	ActorTypeSystem ActorType = "system"
	// ActorTypeParty indicates the event was triggered by a contract party.
	ActorTypeParty ActorType = "party"
	// ActorTypeOperator indicates the event was triggered by an operator action.
	ActorTypeOperator ActorType = "operator"
)

// Event represents an immutable entry in a contract's audit journal.
type Event struct {
	// ContractID is the contract this event belongs to.
	ContractID string
	// Seq is the event sequence number within the contract (starts at 1).
	// Assigned by storage on append.
	Seq uint64
	// Hash is the content-addressed identity (SHA-256 truncated to 128-bit).
	// Assigned by storage on append.
	Hash string
	// PrevHash is the previous event's chain hash (empty for the first event).
	// Assigned by storage on append.
	PrevHash string
	// ChainHash links this event to the previous event hash (SHA-256).
	// Assigned by storage on append.
	ChainHash string
	// SignatureKeyID identifies the HMAC key used to sign the chain hash.
	// Assigned by storage on append.
	SignatureKeyID string
	// Signature is the HMAC signature of the chain hash.
	// Assigned by storage on append.
	Signature string
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Type identifies the kind of event.
	Type Type
	// ActorType identifies who triggered the event.
	ActorType ActorType
	// ActorID is the party id when ActorType is party, or an operator handle.
	ActorID string
	// Channel records the inbound transport (voice, sms, ussd) when relevant.
	Channel string
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
}

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "contract", "escrow").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}
