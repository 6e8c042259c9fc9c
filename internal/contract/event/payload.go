package event

import (
	"encoding/json"
	"fmt"
)

// StatusChangedPayload captures a committed lifecycle transition.
type StatusChangedPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Version int64  `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// TransitionRejectedPayload captures why a transition request was declined.
type TransitionRejectedPayload struct {
	Kind            string `json:"kind"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
	CurrentStatus   string `json:"current_status"`
	CurrentVersion  int64  `json:"current_version"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

// TermsFinalizedPayload captures the frozen canonical hash.
type TermsFinalizedPayload struct {
	TermsHash string `json:"terms_hash"`
}

// ConfirmationPayload captures a confirmation outcome for one party.
type ConfirmationPayload struct {
	PartyID string `json:"party_id"`
	Channel string `json:"channel,omitempty"`
	// Attempts is the failed-attempt count after this outcome.
	Attempts int `json:"attempts,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SignaturePayload captures a signature verification outcome.
type SignaturePayload struct {
	PartyID   string `json:"party_id"`
	TermsHash string `json:"terms_hash"`
	Reason    string `json:"reason,omitempty"`
}

// EscrowPayload captures an escrow operation outcome.
type EscrowPayload struct {
	EscrowID       string `json:"escrow_id"`
	Operation      string `json:"operation"`
	IdempotencyKey string `json:"idempotency_key"`
	ProviderRef    string `json:"provider_ref,omitempty"`
	Amount         int64  `json:"amount,omitempty"`
	Currency       string `json:"currency,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// DeliveryPayload captures an inbound delivery confirmation.
type DeliveryPayload struct {
	PartyID string `json:"party_id"`
	Channel string `json:"channel,omitempty"`
}

// DisputePayload captures why a contract entered Disputed.
type DisputePayload struct {
	Reason string `json:"reason"`
}

// MarshalPayload renders an event payload as JSON for the journal.
func MarshalPayload(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}
