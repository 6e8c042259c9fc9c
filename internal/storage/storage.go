// Package storage defines the persistence contracts for the engine.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/voicepact/voicepact/internal/contract"
	"github.com/voicepact/voicepact/internal/contract/event"
	apperrors "github.com/voicepact/voicepact/internal/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such entity" states
// and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConflict indicates a uniqueness or invariant violation on write.
var ErrConflict = apperrors.New(apperrors.CodeConflict, "record conflicts with existing state")

// ErrStaleVersion indicates a write carried an outdated contract version.
var ErrStaleVersion = apperrors.New(apperrors.CodeContractStaleVersion, "contract version is stale")

// CodeRecord captures an issued confirmation code. Only the SHA-256 hash of
// the code is stored; the plaintext leaves the engine once, at issue time.
type CodeRecord struct {
	ContractID string
	PartyID    string
	CodeHash   string
	Channel    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// ConfirmationRecord captures a party's confirmation state for a contract.
type ConfirmationRecord struct {
	ContractID string
	PartyID    string
	// Accepted is set when the party presented a valid code.
	Accepted bool
	// Locked is set when the party exceeded the attempt threshold.
	Locked bool
	// Attempts counts failed code presentations.
	Attempts    int
	Channel     string
	ConfirmedAt *time.Time
	UpdatedAt   time.Time
}

// SignatureRecord captures a signature verification outcome for a party.
type SignatureRecord struct {
	ContractID string
	PartyID    string
	Verified   bool
	TermsHash  string
	Signature  []byte
	Reason     string
	VerifiedAt time.Time
}

// EscrowStatus labels the lifecycle of an escrow record.
type EscrowStatus string

const (
	EscrowStatusPending  EscrowStatus = "pending"
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
	EscrowStatusFailed   EscrowStatus = "failed"
)

// EscrowRecord captures one escrow operation against the payment provider.
// IdempotencyKey is unique: a replayed operation lands on the same record.
type EscrowRecord struct {
	ID             string
	ContractID     string
	Operation      string
	IdempotencyKey string
	Status         EscrowStatus
	Amount         int64
	Currency       string
	// ProviderRef is the provider's reference for reconciliation.
	ProviderRef string
	Attempts    int
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChainDivergenceError reports the first point where the audit chain of a
// contract no longer matches its recomputed hashes.
type ChainDivergenceError struct {
	ContractID string
	Seq        uint64
	Field      string
}

func (e *ChainDivergenceError) Error() string {
	return fmt.Sprintf("audit chain divergence contract_id=%s seq=%d field=%s", e.ContractID, e.Seq, e.Field)
}

// Is lets callers match any divergence via errors.Is against the integrity code.
func (e *ChainDivergenceError) Is(target error) bool {
	return apperrors.GetCode(target) == apperrors.CodeIntegrity
}

// ContractStore persists contract aggregates and their parties.
type ContractStore interface {
	PutContract(ctx context.Context, c contract.Contract) error
	GetContract(ctx context.Context, contractID string) (contract.Contract, error)
	// UpdateContract writes c only if the stored version equals expectedVersion,
	// returning ErrStaleVersion otherwise.
	UpdateContract(ctx context.Context, c contract.Contract, expectedVersion int64) error
	ListContractsByStatus(ctx context.Context, status contract.Status, limit int) ([]contract.Contract, error)
}

// ConfirmationStore persists issued codes and per-party confirmation state.
type ConfirmationStore interface {
	PutCode(ctx context.Context, record CodeRecord) error
	GetCode(ctx context.Context, contractID, partyID string) (CodeRecord, error)
	PutConfirmation(ctx context.Context, record ConfirmationRecord) error
	GetConfirmation(ctx context.Context, contractID, partyID string) (ConfirmationRecord, error)
	ListConfirmations(ctx context.Context, contractID string) ([]ConfirmationRecord, error)
}

// SignatureStore persists signature verification outcomes.
type SignatureStore interface {
	PutSignature(ctx context.Context, record SignatureRecord) error
	GetSignature(ctx context.Context, contractID, partyID string) (SignatureRecord, error)
	ListSignatures(ctx context.Context, contractID string) ([]SignatureRecord, error)
}

// EscrowStore persists escrow operations keyed by idempotency key.
type EscrowStore interface {
	PutEscrow(ctx context.Context, record EscrowRecord) error
	UpdateEscrow(ctx context.Context, record EscrowRecord) error
	GetEscrow(ctx context.Context, escrowID string) (EscrowRecord, error)
	GetEscrowByIdempotencyKey(ctx context.Context, key string) (EscrowRecord, error)
	ListEscrowsByContract(ctx context.Context, contractID string) ([]EscrowRecord, error)
}

// EventStore is the append-only, hash-chained audit journal.
type EventStore interface {
	// AppendEvent atomically assigns the next sequence number, computes the
	// event and chain hashes, signs the chain hash, and persists the event.
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, error)
	GetEventBySeq(ctx context.Context, contractID string, seq uint64) (event.Event, error)
	ListEvents(ctx context.Context, contractID string, afterSeq uint64, limit int) ([]event.Event, error)
	GetLatestEventSeq(ctx context.Context, contractID string) (uint64, error)
	// VerifyChain recomputes every hash from the beginning and returns a
	// ChainDivergenceError at the first mismatch.
	VerifyChain(ctx context.Context, contractID string) error
	// VerifyAllChains runs VerifyChain over every contract with events. A
	// diverged contract does not stop the sweep; every divergence found is
	// returned. A non-nil error means verification itself failed.
	VerifyAllChains(ctx context.Context) ([]ChainDivergenceError, error)
}

// TransitionStore commits a transition atomically: the audit event appends and
// the contract update succeed or fail together in one transaction.
type TransitionStore interface {
	CommitTransition(ctx context.Context, c contract.Contract, expectedVersion int64, evts ...event.Event) ([]event.Event, error)
}

// Store is the full persistence surface the engine runs on.
type Store interface {
	ContractStore
	ConfirmationStore
	SignatureStore
	EscrowStore
	EventStore
	TransitionStore
	Close() error
}
