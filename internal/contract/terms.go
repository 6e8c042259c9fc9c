package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Terms is the structured agreement extracted from the transcript.
// It stays editable while the contract is in Processing and freezes when
// the canonical payload is computed.
type Terms struct {
	// Summary is a one-line restatement of the agreement.
	Summary string `json:"summary"`
	// Items enumerate the goods or services being exchanged.
	Items []TermItem `json:"items,omitempty"`
	// DeliveryBy is the agreed delivery deadline in RFC 3339 form, if any.
	DeliveryBy string `json:"delivery_by,omitempty"`
	// Notes carries free-form qualifications the parties spoke aloud.
	Notes string `json:"notes,omitempty"`
}

// TermItem is a single line item of the agreement.
type TermItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity,omitempty"`
	Unit        string `json:"unit,omitempty"`
	UnitPrice   int64  `json:"unit_price,omitempty"`
}

// IsEmpty reports whether no structured terms have been captured.
func (t Terms) IsEmpty() bool {
	return strings.TrimSpace(t.Summary) == "" && len(t.Items) == 0
}

// canonicalEnvelope is the byte-stable form every party signs. Field order
// is fixed by the struct and parties are sorted by id so the same agreement
// always hashes to the same digest regardless of declaration order.
type canonicalEnvelope struct {
	ContractID string           `json:"contract_id"`
	Type       Type             `json:"type"`
	Parties    []canonicalParty `json:"parties"`
	Amount     int64            `json:"amount"`
	Currency   string           `json:"currency"`
	Terms      Terms            `json:"terms"`
}

type canonicalParty struct {
	ID   string    `json:"id"`
	Role PartyRole `json:"role"`
}

// CanonicalPayload renders the frozen signable byte form of the contract.
func CanonicalPayload(c Contract) ([]byte, error) {
	parties := make([]canonicalParty, 0, len(c.Parties))
	for _, party := range c.Parties {
		parties = append(parties, canonicalParty{ID: party.ID, Role: party.Role})
	}
	sort.Slice(parties, func(i, j int) bool { return parties[i].ID < parties[j].ID })

	payload, err := json.Marshal(canonicalEnvelope{
		ContractID: c.ID,
		Type:       c.Type,
		Parties:    parties,
		Amount:     c.Amount,
		Currency:   c.Currency,
		Terms:      c.Terms,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal canonical payload: %w", err)
	}
	return payload, nil
}

// HashPayload returns the hex SHA-256 digest of a canonical payload.
func HashPayload(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}

// FreezeTerms computes and pins the canonical payload and its hash.
// It fails if the terms are empty or were already frozen.
func FreezeTerms(c Contract) (Contract, error) {
	if c.TermsFrozen() {
		return Contract{}, ErrTermsFrozen
	}
	if c.Terms.IsEmpty() {
		return Contract{}, ErrTermsEmpty
	}
	payload, err := CanonicalPayload(c)
	if err != nil {
		return Contract{}, err
	}
	c.CanonicalPayload = payload
	c.TermsHash = HashPayload(payload)
	return c, nil
}
