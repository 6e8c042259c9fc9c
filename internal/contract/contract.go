// Package contract defines the spoken-agreement contract domain: parties,
// lifecycle statuses, canonical term payloads, and drafting rules.
package contract

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/voicepact/voicepact/internal/errors"
)

// Type describes the category of agreement a contract captures.
type Type string

const (
	TypeUnspecified        Type = ""
	TypeAgriculturalSupply Type = "agricultural_supply"
	TypeServiceAgreement   Type = "service_agreement"
	TypeGoodsPurchase      Type = "goods_purchase"
	TypeLogistics          Type = "logistics"
	TypeOther              Type = "other"
)

// PartyRole describes what a party is responsible for under the contract.
type PartyRole string

const (
	RoleUnspecified PartyRole = ""
	RoleBuyer       PartyRole = "buyer"
	RoleSeller      PartyRole = "seller"
	RoleAgent       PartyRole = "agent"
	RoleWitness     PartyRole = "witness"
)

// DefaultCurrency is the settlement currency assumed when none is given.
const DefaultCurrency = "KES"

var (
	// ErrInvalidType indicates a missing or unknown contract type.
	ErrInvalidType = apperrors.New(apperrors.CodeContractInvalidType, "contract type is required")
	// ErrPartiesInsufficient indicates fewer than two declared parties.
	ErrPartiesInsufficient = apperrors.New(apperrors.CodeContractPartiesInsufficient, "a contract needs at least two parties")
	// ErrPartyRoleInvalid indicates a party with a missing or unknown role.
	ErrPartyRoleInvalid = apperrors.New(apperrors.CodeContractPartyRoleInvalid, "party role is invalid")
	// ErrPartyDuplicate indicates the same identity declared twice.
	ErrPartyDuplicate = apperrors.New(apperrors.CodeContractPartyDuplicate, "party is declared more than once")
	// ErrRolesIncomplete indicates a contract missing a buyer or a seller.
	ErrRolesIncomplete = apperrors.New(apperrors.CodeContractRolesIncomplete, "contract needs a buyer and a seller")
	// ErrTranscriptEmpty indicates a contract drafted without a transcript.
	ErrTranscriptEmpty = apperrors.New(apperrors.CodeContractTranscriptEmpty, "spoken transcript is required")
	// ErrAmountInvalid indicates a non-positive settlement amount.
	ErrAmountInvalid = apperrors.New(apperrors.CodeContractAmountInvalid, "settlement amount must be positive")
	// ErrCurrencyInvalid indicates a malformed currency code.
	ErrCurrencyInvalid = apperrors.New(apperrors.CodeContractCurrencyInvalid, "currency must be a three-letter code")
	// ErrTermsEmpty indicates finalization without structured terms.
	ErrTermsEmpty = apperrors.New(apperrors.CodeContractTermsEmpty, "structured terms are required before finalization")
	// ErrTermsFrozen indicates an attempt to change terms after finalization.
	ErrTermsFrozen = apperrors.New(apperrors.CodeContractTermsFrozen, "terms are frozen once finalized")
	// ErrInvalidStatusTransition indicates a disallowed lifecycle change.
	ErrInvalidStatusTransition = apperrors.New(apperrors.CodeContractInvalidTransition, "contract status transition is not allowed")
)

// Party is one identity bound to the contract.
type Party struct {
	// ID is the stable identity handle (typically a phone-number-derived id).
	ID   string
	Role PartyRole
	Name string
	// PublicKey holds the party's registered Ed25519 verification key.
	PublicKey []byte
}

// Contract is the aggregate owned by the state machine. All mutation of
// Status and Version goes through transition application.
type Contract struct {
	ID      string
	Type    Type
	Parties []Party
	// Transcript is the raw spoken-agreement text the terms were read from.
	Transcript string
	// Terms is the structured agreement; mutable until finalization.
	Terms Terms
	// CanonicalPayload is the frozen signable byte form of the terms.
	// Empty until the terms are finalized.
	CanonicalPayload []byte
	// TermsHash is the hex SHA-256 of CanonicalPayload.
	TermsHash string
	Amount    int64
	Currency  string
	Status    Status
	// Version is the optimistic concurrency token, bumped on every
	// committed transition.
	Version int64
	// EscrowID references the active escrow record, if any.
	EscrowID string
	// DisputeReason records why the contract entered Disputed.
	DisputeReason string
	// DeliveredAt is set when delivery is confirmed.
	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DraftInput describes what is needed to open a contract in Draft.
type DraftInput struct {
	Type       Type
	Parties    []Party
	Transcript string
	Amount     int64
	Currency   string
}

// Draft validates the input and opens a new contract in Draft at version 1.
func Draft(input DraftInput, now func() time.Time, idGenerator func() string) (Contract, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}

	switch input.Type {
	case TypeAgriculturalSupply, TypeServiceAgreement, TypeGoodsPurchase, TypeLogistics, TypeOther:
	default:
		return Contract{}, ErrInvalidType
	}

	if len(input.Parties) < 2 {
		return Contract{}, ErrPartiesInsufficient
	}
	seen := make(map[string]bool, len(input.Parties))
	var hasBuyer, hasSeller bool
	parties := make([]Party, 0, len(input.Parties))
	for _, party := range input.Parties {
		party.ID = strings.TrimSpace(party.ID)
		party.Name = strings.TrimSpace(party.Name)
		if party.ID == "" {
			return Contract{}, fmt.Errorf("%w: empty party id", ErrPartyRoleInvalid)
		}
		switch party.Role {
		case RoleBuyer:
			hasBuyer = true
		case RoleSeller:
			hasSeller = true
		case RoleAgent, RoleWitness:
		default:
			return Contract{}, ErrPartyRoleInvalid
		}
		if seen[party.ID] {
			return Contract{}, ErrPartyDuplicate
		}
		seen[party.ID] = true
		parties = append(parties, party)
	}
	if !hasBuyer || !hasSeller {
		return Contract{}, ErrRolesIncomplete
	}

	transcript := strings.TrimSpace(input.Transcript)
	if transcript == "" {
		return Contract{}, ErrTranscriptEmpty
	}

	if input.Amount <= 0 {
		return Contract{}, ErrAmountInvalid
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 {
		return Contract{}, ErrCurrencyInvalid
	}

	createdAt := now().UTC()
	return Contract{
		ID:         idGenerator(),
		Type:       input.Type,
		Parties:    parties,
		Transcript: transcript,
		Amount:     input.Amount,
		Currency:   currency,
		Status:     StatusDraft,
		Version:    1,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}, nil
}

// Party returns the declared party with the given id.
func (c Contract) Party(partyID string) (Party, bool) {
	for _, party := range c.Parties {
		if party.ID == partyID {
			return party, true
		}
	}
	return Party{}, false
}

// PartyIDs returns the declared party ids in declaration order.
func (c Contract) PartyIDs() []string {
	ids := make([]string, 0, len(c.Parties))
	for _, party := range c.Parties {
		ids = append(ids, party.ID)
	}
	return ids
}

// TermsFrozen reports whether the signable payload has been fixed.
func (c Contract) TermsFrozen() bool {
	return len(c.CanonicalPayload) > 0
}
