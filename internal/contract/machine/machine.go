// Package machine is the contract lifecycle orchestrator. It is the sole
// writer of contract status: every inbound fact (terms, confirmations,
// signatures, escrow outcomes, delivery reports, disputes) becomes a
// transition request evaluated under a per-contract exclusive section
// with an optimistic version check, and commits only together with its
// audit events.
package machine

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/voicepact/voicepact/internal/confirmation"
	"github.com/voicepact/voicepact/internal/contract"
	apperrors "github.com/voicepact/voicepact/internal/errors"
	"github.com/voicepact/voicepact/internal/escrow"
	"github.com/voicepact/voicepact/internal/notify"
	"github.com/voicepact/voicepact/internal/signature"
	"github.com/voicepact/voicepact/internal/storage"
)

// Kind labels a transition request.
type Kind string

const (
	KindTermsSubmitted    Kind = "terms_submitted"
	KindTermsFinalized    Kind = "terms_finalized"
	KindPartyConfirmed    Kind = "party_confirmed"
	KindSignatureVerified Kind = "signature_verified"
	KindEscrowHold        Kind = "escrow_hold"
	KindDeliveryConfirmed Kind = "delivery_confirmed"
	KindEscrowReleased    Kind = "escrow_released"
	KindDisputeOpened     Kind = "dispute_opened"
	KindCancelRequested   Kind = "cancel_requested"
	KindArchive           Kind = "archive"
)

// IsValid reports whether the kind is one the machine evaluates.
func (k Kind) IsValid() bool {
	switch k {
	case KindTermsSubmitted, KindTermsFinalized, KindPartyConfirmed,
		KindSignatureVerified, KindEscrowHold, KindDeliveryConfirmed,
		KindEscrowReleased, KindDisputeOpened, KindCancelRequested, KindArchive:
		return true
	default:
		return false
	}
}

// Config controls release-condition composition.
type Config struct {
	// ReleaseRequiresDelivery requires a recorded delivery confirmation
	// before escrow release. Full confirmation is always required.
	ReleaseRequiresDelivery bool `env:"VOICEPACT_RELEASE_REQUIRES_DELIVERY" envDefault:"true"`
}

// Request is one normalized transition request against a contract.
type Request struct {
	ContractID string
	// ExpectedVersion guards against stale writes; zero skips the check
	// for callers that hold no prior snapshot.
	ExpectedVersion int64
	Kind            Kind

	// ActorID and Channel attribute the request in the audit journal.
	ActorID string
	Channel string

	// PartyID, Code, TermsHash, and Signature carry the party-facing
	// facts for confirmation and signature requests.
	PartyID   string
	Code      string
	TermsHash string
	Signature []byte

	// Terms carries the structured terms for a terms submission.
	Terms contract.Terms

	// Reason annotates disputes and cancellations.
	Reason string
}

// Rejection reports why a transition was declined, together with the
// authoritative state the caller needs to construct a retry.
type Rejection struct {
	Code           apperrors.Code
	Message        string
	CurrentStatus  contract.Status
	CurrentVersion int64
}

// Outcome is the result of applying a transition request.
type Outcome struct {
	// Contract is the authoritative contract after the request.
	Contract contract.Contract
	// Committed is set when the request changed contract state.
	Committed bool
	// Rejection is set when a guard or version check declined the request.
	Rejection *Rejection

	// Confirmation, Signature, and Escrow carry the collaborating
	// component's result when the request exercised one.
	Confirmation *confirmation.Result
	Signature    *signature.Result
	Escrow       *storage.EscrowRecord
}

// Machine owns contract state and applies guarded transitions.
type Machine struct {
	store         storage.Store
	confirmations *confirmation.Aggregator
	signatures    *signature.Verifier
	escrow        *escrow.Coordinator
	notifier      *notify.Notifier
	config        Config
	now           func() time.Time
	tracer        trace.Tracer

	locks      *lockTable
	quarantine *quarantineSet
}

// New constructs the state machine over its collaborators.
func New(store storage.Store, confirmations *confirmation.Aggregator, signatures *signature.Verifier, coordinator *escrow.Coordinator, notifier *notify.Notifier, config Config, now func() time.Time) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if confirmations == nil {
		return nil, fmt.Errorf("confirmation aggregator is required")
	}
	if signatures == nil {
		return nil, fmt.Errorf("signature verifier is required")
	}
	if coordinator == nil {
		return nil, fmt.Errorf("escrow coordinator is required")
	}
	if notifier == nil {
		notifier = notify.NewNotifier()
	}
	if now == nil {
		now = time.Now
	}
	return &Machine{
		store:         store,
		confirmations: confirmations,
		signatures:    signatures,
		escrow:        coordinator,
		notifier:      notifier,
		config:        config,
		now:           now,
		tracer:        otel.Tracer("github.com/voicepact/voicepact/internal/contract/machine"),
		locks:         newLockTable(),
		quarantine:    newQuarantineSet(),
	}, nil
}

// Notifier exposes the status-change fan-out for subscribers.
func (m *Machine) Notifier() *notify.Notifier {
	return m.notifier
}

// Quarantine halts further writes to a contract pending manual
// reconciliation. Used when its audit chain diverges.
func (m *Machine) Quarantine(contractID string) {
	m.quarantine.add(contractID)
}

// Quarantined reports whether writes to the contract are halted.
func (m *Machine) Quarantined(contractID string) bool {
	return m.quarantine.has(contractID)
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.ContractID) == "" {
		return fmt.Errorf("contract id is required")
	}
	if !req.Kind.IsValid() {
		return fmt.Errorf("unknown transition kind %q", req.Kind)
	}
	switch req.Kind {
	case KindPartyConfirmed:
		if strings.TrimSpace(req.PartyID) == "" {
			return fmt.Errorf("party id is required for a confirmation")
		}
	case KindSignatureVerified:
		if strings.TrimSpace(req.PartyID) == "" {
			return fmt.Errorf("party id is required for a signature")
		}
		if len(req.Signature) == 0 {
			return fmt.Errorf("signature bytes are required")
		}
	case KindDisputeOpened:
		if strings.TrimSpace(req.Reason) == "" {
			return fmt.Errorf("a dispute requires a reason")
		}
	}
	return nil
}

// errQuarantined is the write-halted error for a diverged contract.
func errQuarantined(contractID string) error {
	return apperrors.WithMetadata(
		apperrors.CodeContractQuarantined,
		"contract is quarantined pending audit chain reconciliation",
		map[string]string{"contract_id": contractID},
	)
}
