// Package signature verifies party approvals of the frozen contract
// terms. A party signs the canonical terms hash with their registered
// Ed25519 key; the verifier recomputes the hash from the frozen payload
// so a signature can never attest to terms other than the stored ones.
package signature

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	"github.com/voicepact/voicepact/internal/contract"
	"github.com/voicepact/voicepact/internal/contract/event"
	apperrors "github.com/voicepact/voicepact/internal/errors"
	"github.com/voicepact/voicepact/internal/storage"
)

var (
	// ErrUnknownParty indicates a signature from a party not on the contract.
	ErrUnknownParty = apperrors.New(apperrors.CodeConfirmationUnknownParty, "party is not declared on this contract")
	// ErrTermsNotFrozen indicates the contract has no canonical payload yet.
	ErrTermsNotFrozen = apperrors.New(apperrors.CodeContractStatusDisallowsOp, "contract terms are not finalized")
	// ErrKeyMissing indicates the party has no registered public key.
	ErrKeyMissing = apperrors.New(apperrors.CodeSignatureKeyMissing, "party has no registered signing key")
	// ErrMismatch indicates the signature does not verify against the
	// frozen terms and the party's registered key.
	ErrMismatch = apperrors.New(apperrors.CodeSignatureMismatch, "signature does not match the frozen terms")
)

// Result is the normalized signature fact handed to the state machine.
type Result struct {
	// Verified is set when the party now holds a verified signature.
	Verified bool
	// Replay is set when the party had already signed; the call was a no-op.
	Replay bool
	// AllVerified is set when every declared party holds a verified
	// signature over the current terms hash.
	AllVerified bool
}

// Store is the persistence the verifier needs: signature state plus the
// audit journal.
type Store interface {
	storage.SignatureStore
	storage.EventStore
}

// Verifier checks Ed25519 signatures over the frozen canonical hash.
type Verifier struct {
	store Store
	now   func() time.Time
}

// NewVerifier constructs a signature verifier.
func NewVerifier(store Store, now func() time.Time) (*Verifier, error) {
	if store == nil {
		return nil, fmt.Errorf("signature store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{store: store, now: now}, nil
}

// SignedMessage is the exact byte sequence a party signs: the hex terms
// hash of the frozen canonical payload.
func SignedMessage(termsHash string) []byte {
	return []byte(termsHash)
}

// Verify validates a party's signature over the claimed terms hash.
//
// The claimed hash must equal the hash recomputed from the stored
// canonical payload; a match against a stale or foreign digest is
// rejected before any key material is consulted. A replayed verification
// for an already-verified party is a no-op that reports success.
func (v *Verifier) Verify(ctx context.Context, c contract.Contract, partyID, claimedHash string, sig []byte) (Result, error) {
	party, ok := c.Party(partyID)
	if !ok {
		return Result{}, ErrUnknownParty
	}
	if !c.TermsFrozen() {
		return Result{}, ErrTermsNotFrozen
	}

	existing, err := v.store.GetSignature(ctx, c.ID, party.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("load signature state: %w", err)
	}
	if existing.Verified && existing.TermsHash == c.TermsHash {
		all, err := v.AllVerified(ctx, c)
		if err != nil {
			return Result{}, err
		}
		return Result{Verified: true, Replay: true, AllVerified: all}, nil
	}

	recomputed := contract.HashPayload(c.CanonicalPayload)
	if !hmac.Equal([]byte(recomputed), []byte(c.TermsHash)) {
		return Result{}, apperrors.WithMetadata(
			apperrors.CodeIntegrity,
			"stored terms hash does not match the canonical payload",
			map[string]string{"contract_id": c.ID},
		)
	}
	if !hmac.Equal([]byte(claimedHash), []byte(recomputed)) {
		return v.recordRejection(ctx, c, party, sig, "hash_mismatch")
	}

	if len(party.PublicKey) != ed25519.PublicKeySize {
		return Result{}, ErrKeyMissing
	}
	if !ed25519.Verify(ed25519.PublicKey(party.PublicKey), SignedMessage(c.TermsHash), sig) {
		return v.recordRejection(ctx, c, party, sig, "signature_invalid")
	}

	if err := v.store.PutSignature(ctx, storage.SignatureRecord{
		ContractID: c.ID,
		PartyID:    party.ID,
		Verified:   true,
		TermsHash:  c.TermsHash,
		Signature:  sig,
		VerifiedAt: v.now().UTC(),
	}); err != nil {
		return Result{}, fmt.Errorf("record signature: %w", err)
	}

	if err := v.appendEvent(ctx, c.ID, event.TypeSignatureVerified, party.ID, event.SignaturePayload{
		PartyID:   party.ID,
		TermsHash: c.TermsHash,
	}); err != nil {
		return Result{}, err
	}

	all, err := v.AllVerified(ctx, c)
	if err != nil {
		return Result{}, err
	}
	return Result{Verified: true, AllVerified: all}, nil
}

// AllVerified reports whether every declared party holds a verified
// signature over the contract's current terms hash.
func (v *Verifier) AllVerified(ctx context.Context, c contract.Contract) (bool, error) {
	records, err := v.store.ListSignatures(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("list signatures: %w", err)
	}
	verified := make(map[string]bool, len(records))
	for _, record := range records {
		if record.Verified && record.TermsHash == c.TermsHash {
			verified[record.PartyID] = true
		}
	}
	if len(verified) != len(c.Parties) {
		return false, nil
	}
	for _, party := range c.Parties {
		if !verified[party.ID] {
			return false, nil
		}
	}
	return true, nil
}

func (v *Verifier) recordRejection(ctx context.Context, c contract.Contract, party contract.Party, sig []byte, reason string) (Result, error) {
	if err := v.store.PutSignature(ctx, storage.SignatureRecord{
		ContractID: c.ID,
		PartyID:    party.ID,
		Verified:   false,
		TermsHash:  c.TermsHash,
		Signature:  sig,
		Reason:     reason,
		VerifiedAt: v.now().UTC(),
	}); err != nil {
		return Result{}, fmt.Errorf("record rejected signature: %w", err)
	}
	if err := v.appendEvent(ctx, c.ID, event.TypeSignatureRejected, party.ID, event.SignaturePayload{
		PartyID:   party.ID,
		TermsHash: c.TermsHash,
		Reason:    reason,
	}); err != nil {
		return Result{}, err
	}
	return Result{}, apperrors.WithMetadata(
		apperrors.CodeSignatureMismatch,
		"signature does not match the frozen terms",
		map[string]string{"party_id": party.ID, "reason": reason},
	)
}

func (v *Verifier) appendEvent(ctx context.Context, contractID string, eventType event.Type, partyID string, payload event.SignaturePayload) error {
	data, err := event.MarshalPayload(payload)
	if err != nil {
		return err
	}
	if _, err := v.store.AppendEvent(ctx, event.Event{
		ContractID:  contractID,
		Type:        eventType,
		ActorType:   event.ActorTypeParty,
		ActorID:     partyID,
		Timestamp:   v.now().UTC(),
		PayloadJSON: data,
	}); err != nil {
		return fmt.Errorf("append signature event: %w", err)
	}
	return nil
}
