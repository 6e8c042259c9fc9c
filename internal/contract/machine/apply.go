package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voicepact/voicepact/internal/confirmation"
	"github.com/voicepact/voicepact/internal/contract"
	"github.com/voicepact/voicepact/internal/contract/event"
	apperrors "github.com/voicepact/voicepact/internal/errors"
	"github.com/voicepact/voicepact/internal/notify"
)

// DraftContract validates the draft input, persists the new contract,
// and journals its creation.
func (m *Machine) DraftContract(ctx context.Context, input contract.DraftInput) (contract.Contract, error) {
	c, err := contract.Draft(input, m.now, uuid.NewString)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := m.store.PutContract(ctx, c); err != nil {
		return contract.Contract{}, fmt.Errorf("persist draft: %w", err)
	}

	payload, err := event.MarshalPayload(event.StatusChangedPayload{
		To:      string(contract.StatusDraft),
		Version: c.Version,
	})
	if err != nil {
		return contract.Contract{}, err
	}
	if _, err := m.store.AppendEvent(ctx, event.Event{
		ContractID:  c.ID,
		Type:        event.TypeContractDrafted,
		ActorType:   event.ActorTypeSystem,
		ActorID:     "state-machine",
		Timestamp:   m.now().UTC(),
		PayloadJSON: payload,
	}); err != nil {
		return contract.Contract{}, fmt.Errorf("journal draft: %w", err)
	}
	return c, nil
}

// Apply evaluates one transition request under the contract's exclusive
// section. Guard and version failures return an Outcome carrying the
// rejection and the authoritative state alongside the error.
func (m *Machine) Apply(ctx context.Context, req Request) (Outcome, error) {
	if err := validateRequest(req); err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.CodeValidation, err.Error(), err)
	}
	if m.Quarantined(req.ContractID) {
		return Outcome{}, errQuarantined(req.ContractID)
	}

	ctx, span := m.tracer.Start(ctx, "machine.apply", trace.WithAttributes(
		attribute.String("contract.id", req.ContractID),
		attribute.String("transition.kind", string(req.Kind)),
	))
	defer span.End()

	release := m.locks.acquire(req.ContractID)
	defer release()

	c, err := m.store.GetContract(ctx, req.ContractID)
	if err != nil {
		return Outcome{}, m.noteIntegrity(req.ContractID, err)
	}

	if req.ExpectedVersion != 0 && req.ExpectedVersion != c.Version {
		return m.reject(ctx, c, req, apperrors.CodeContractStaleVersion,
			fmt.Sprintf("expected version %d, contract is at %d", req.ExpectedVersion, c.Version))
	}

	outcome, err := m.dispatch(ctx, c, req)
	return outcome, m.noteIntegrity(req.ContractID, err)
}

func (m *Machine) dispatch(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	switch req.Kind {
	case KindTermsSubmitted:
		return m.applyTermsSubmitted(ctx, c, req)
	case KindTermsFinalized:
		return m.applyTermsFinalized(ctx, c, req)
	case KindPartyConfirmed:
		return m.applyPartyConfirmed(ctx, c, req)
	case KindSignatureVerified:
		return m.applySignatureVerified(ctx, c, req)
	case KindEscrowHold:
		return m.applyEscrowHold(ctx, c, req)
	case KindDeliveryConfirmed:
		return m.applyDeliveryConfirmed(ctx, c, req)
	case KindEscrowReleased:
		return m.applyEscrowReleased(ctx, c, req)
	case KindDisputeOpened:
		return m.applyDispute(ctx, c, req, req.Reason)
	case KindCancelRequested:
		return m.applyCancel(ctx, c, req)
	case KindArchive:
		return m.applyArchive(ctx, c, req)
	default:
		return Outcome{}, fmt.Errorf("unknown transition kind %q", req.Kind)
	}
}

func (m *Machine) applyTermsSubmitted(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	if c.TermsFrozen() {
		return m.reject(ctx, c, req, apperrors.CodeContractTermsFrozen, "terms are frozen")
	}
	if req.Terms.IsEmpty() {
		return Outcome{Contract: c}, contract.ErrTermsEmpty
	}

	switch c.Status {
	case contract.StatusDraft, contract.StatusProcessing:
	default:
		return m.reject(ctx, c, req, apperrors.CodeContractStatusDisallowsOp,
			fmt.Sprintf("status %s does not accept terms", c.Status))
	}

	updated := c
	updated.Terms = req.Terms
	updated.Status = contract.StatusProcessing

	payload, err := event.MarshalPayload(req.Terms)
	if err != nil {
		return Outcome{Contract: c}, err
	}
	committed, err := m.commit(ctx, c, updated, "terms_submitted",
		m.newJournalEvent(c.ID, event.TypeTermsSubmitted, req, payload))
	if err != nil {
		return Outcome{Contract: c}, err
	}
	return Outcome{Contract: committed, Committed: true}, nil
}

func (m *Machine) applyTermsFinalized(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	if c.Status != contract.StatusProcessing {
		return m.reject(ctx, c, req, apperrors.CodeContractInvalidTransition,
			fmt.Sprintf("cannot finalize terms from %s", c.Status))
	}

	frozen, err := contract.FreezeTerms(c)
	if err != nil {
		if errors.Is(err, contract.ErrTermsFrozen) {
			return m.reject(ctx, c, req, apperrors.CodeContractTermsFrozen, "terms are already frozen")
		}
		return Outcome{Contract: c}, err
	}
	frozen.Status = contract.StatusAwaitingConfirmation

	payload, err := event.MarshalPayload(event.TermsFinalizedPayload{TermsHash: frozen.TermsHash})
	if err != nil {
		return Outcome{Contract: c}, err
	}
	committed, err := m.commit(ctx, c, frozen, "terms_finalized",
		m.newJournalEvent(c.ID, event.TypeTermsFinalized, req, payload))
	if err != nil {
		return Outcome{Contract: c}, err
	}
	return Outcome{Contract: committed, Committed: true}, nil
}

func (m *Machine) applyPartyConfirmed(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	result, err := m.confirmations.Confirm(ctx, c, req.PartyID, req.Code, confirmation.Channel(req.Channel))
	if err != nil {
		return Outcome{Contract: c, Confirmation: &result}, err
	}
	if result.Replay {
		return Outcome{Contract: c, Confirmation: &result}, nil
	}

	target := c.Status
	if c.Status == contract.StatusAwaitingConfirmation {
		target = contract.StatusPartiallyConfirmed
	}
	if result.FullyConfirmed {
		allSigned, err := m.signatures.AllVerified(ctx, c)
		if err != nil {
			return Outcome{Contract: c, Confirmation: &result}, err
		}
		if allSigned {
			target = contract.StatusFullyConfirmed
		}
	}
	if target == c.Status {
		return Outcome{Contract: c, Confirmation: &result}, nil
	}

	updated := c
	updated.Status = target
	committed, err := m.commit(ctx, c, updated, "party_confirmed")
	if err != nil {
		return Outcome{Contract: c, Confirmation: &result}, err
	}
	return Outcome{Contract: committed, Committed: true, Confirmation: &result}, nil
}

func (m *Machine) applySignatureVerified(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	result, err := m.signatures.Verify(ctx, c, req.PartyID, req.TermsHash, req.Signature)
	if err != nil {
		// An invalid signature is not a transient input problem: the
		// party attested to something other than the frozen terms.
		if apperrors.IsCode(err, apperrors.CodeSignatureMismatch) {
			disputed, disputeErr := m.applyDispute(ctx, c, req, "signature_mismatch")
			if disputeErr != nil {
				return disputed, errors.Join(err, disputeErr)
			}
			disputed.Signature = &result
			return disputed, err
		}
		return Outcome{Contract: c, Signature: &result}, err
	}
	if result.Replay {
		return Outcome{Contract: c, Signature: &result}, nil
	}

	if result.AllVerified && c.Status == contract.StatusPartiallyConfirmed {
		full, err := m.confirmations.FullyConfirmed(ctx, c)
		if err != nil {
			return Outcome{Contract: c, Signature: &result}, err
		}
		if full {
			updated := c
			updated.Status = contract.StatusFullyConfirmed
			committed, err := m.commit(ctx, c, updated, "signatures_complete")
			if err != nil {
				return Outcome{Contract: c, Signature: &result}, err
			}
			return Outcome{Contract: committed, Committed: true, Signature: &result}, nil
		}
	}
	return Outcome{Contract: c, Signature: &result}, nil
}

func (m *Machine) applyEscrowHold(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	if c.Status != contract.StatusFullyConfirmed {
		return m.reject(ctx, c, req, apperrors.CodeContractInvalidTransition,
			fmt.Sprintf("cannot hold escrow from %s", c.Status))
	}

	record, err := m.escrow.Hold(ctx, c)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeEscrowFatal) {
			disputed, disputeErr := m.applyDispute(ctx, c, req, "escrow_failure")
			if disputeErr != nil {
				return disputed, errors.Join(err, disputeErr)
			}
			disputed.Escrow = &record
			return disputed, err
		}
		return Outcome{Contract: c, Escrow: &record}, err
	}

	updated := c
	updated.Status = contract.StatusEscrowHeld
	updated.EscrowID = record.ID
	held, err := m.commit(ctx, c, updated, "escrow_held")
	if err != nil {
		return Outcome{Contract: c, Escrow: &record}, err
	}

	// Confirmations and signatures settled before the hold; nothing is
	// left to wait on except the delivery event.
	pending := held
	pending.Status = contract.StatusDeliveryPending
	committed, err := m.commit(ctx, held, pending, "awaiting_delivery")
	if err != nil {
		return Outcome{Contract: held, Committed: true, Escrow: &record}, err
	}
	return Outcome{Contract: committed, Committed: true, Escrow: &record}, nil
}

func (m *Machine) applyDeliveryConfirmed(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	if c.Status != contract.StatusDeliveryPending {
		return m.reject(ctx, c, req, apperrors.CodeContractStatusDisallowsOp,
			fmt.Sprintf("status %s does not accept delivery confirmations", c.Status))
	}
	if c.DeliveredAt != nil {
		// Duplicate delivery reports are no-ops.
		return Outcome{Contract: c}, nil
	}

	deliveredAt := m.now().UTC()
	updated := c
	updated.DeliveredAt = &deliveredAt

	payload, err := event.MarshalPayload(event.DeliveryPayload{PartyID: req.PartyID, Channel: req.Channel})
	if err != nil {
		return Outcome{Contract: c}, err
	}
	committed, err := m.commit(ctx, c, updated, "",
		m.newJournalEvent(c.ID, event.TypeDeliveryConfirmed, req, payload))
	if err != nil {
		return Outcome{Contract: c}, err
	}

	return m.releaseEscrow(ctx, committed, req)
}

func (m *Machine) applyEscrowReleased(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	if c.Status != contract.StatusDeliveryPending {
		return m.reject(ctx, c, req, apperrors.CodeContractInvalidTransition,
			fmt.Sprintf("cannot release escrow from %s", c.Status))
	}
	if m.config.ReleaseRequiresDelivery && c.DeliveredAt == nil {
		return m.reject(ctx, c, req, apperrors.CodeContractStatusDisallowsOp,
			"delivery confirmation is required before release")
	}
	return m.releaseEscrow(ctx, c, req)
}

// releaseEscrow drives the provider release and commits Released.
func (m *Machine) releaseEscrow(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	record, err := m.escrow.Release(ctx, c)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeEscrowFatal) {
			disputed, disputeErr := m.applyDispute(ctx, c, req, "escrow_failure")
			if disputeErr != nil {
				return disputed, errors.Join(err, disputeErr)
			}
			disputed.Escrow = &record
			return disputed, err
		}
		return Outcome{Contract: c, Escrow: &record}, err
	}

	updated := c
	updated.Status = contract.StatusReleased
	committed, err := m.commit(ctx, c, updated, "escrow_released")
	if err != nil {
		return Outcome{Contract: c, Escrow: &record}, err
	}
	return Outcome{Contract: committed, Committed: true, Escrow: &record}, nil
}

func (m *Machine) applyDispute(ctx context.Context, c contract.Contract, req Request, reason string) (Outcome, error) {
	if !contract.IsStatusTransitionAllowed(c.Status, contract.StatusDisputed) {
		return m.reject(ctx, c, req, apperrors.CodeContractInvalidTransition,
			fmt.Sprintf("cannot dispute from %s", c.Status))
	}

	updated := c
	updated.Status = contract.StatusDisputed
	updated.DisputeReason = reason

	payload, err := event.MarshalPayload(event.DisputePayload{Reason: reason})
	if err != nil {
		return Outcome{Contract: c}, err
	}
	committed, err := m.commit(ctx, c, updated, reason,
		m.newJournalEvent(c.ID, event.TypeDisputeOpened, req, payload))
	if err != nil {
		return Outcome{Contract: c}, err
	}
	return Outcome{Contract: committed, Committed: true}, nil
}

func (m *Machine) applyCancel(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	if !contract.IsStatusTransitionAllowed(c.Status, contract.StatusCancelled) {
		return m.reject(ctx, c, req, apperrors.CodeContractInvalidTransition,
			fmt.Sprintf("cannot cancel from %s", c.Status))
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled"
	}

	outcome := Outcome{}
	if contract.EscrowFundsHeld(c.Status) {
		// Held funds must travel back to the buyer before the contract
		// can leave the escrow path.
		refund, err := m.escrow.Refund(ctx, c)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeEscrowFatal) {
				disputed, disputeErr := m.applyDispute(ctx, c, req, "escrow_failure")
				if disputeErr != nil {
					return disputed, errors.Join(err, disputeErr)
				}
				disputed.Escrow = &refund
				return disputed, apperrors.WrapWithMetadata(
					apperrors.CodeContractCancelRequiresRefund,
					"cancellation requires a refund and the refund failed",
					map[string]string{"contract_id": c.ID},
					err,
				)
			}
			return Outcome{Contract: c, Escrow: &refund}, err
		}
		outcome.Escrow = &refund
	}

	updated := c
	updated.Status = contract.StatusCancelled
	committed, err := m.commit(ctx, c, updated, reason)
	if err != nil {
		return Outcome{Contract: c}, err
	}
	outcome.Contract = committed
	outcome.Committed = true
	return outcome, nil
}

func (m *Machine) applyArchive(ctx context.Context, c contract.Contract, req Request) (Outcome, error) {
	if !contract.IsStatusTransitionAllowed(c.Status, contract.StatusArchived) {
		return m.reject(ctx, c, req, apperrors.CodeContractInvalidTransition,
			fmt.Sprintf("cannot archive from %s", c.Status))
	}

	updated := c
	updated.Status = contract.StatusArchived
	committed, err := m.commit(ctx, c, updated, "archived")
	if err != nil {
		return Outcome{Contract: c}, err
	}
	return Outcome{Contract: committed, Committed: true}, nil
}

// commit bumps the version, journals the extra events plus the status
// change, writes the contract under the optimistic version check, and
// publishes the change. reason annotates the status_changed event and
// may be empty for version-only commits.
func (m *Machine) commit(ctx context.Context, prev, updated contract.Contract, reason string, extras ...event.Event) (contract.Contract, error) {
	if updated.Status != prev.Status && !contract.IsStatusTransitionAllowed(prev.Status, updated.Status) {
		return contract.Contract{}, contract.ErrInvalidStatusTransition
	}

	updated.Version = prev.Version + 1
	updated.UpdatedAt = m.now().UTC()

	evts := extras
	if updated.Status != prev.Status {
		payload, err := event.MarshalPayload(event.StatusChangedPayload{
			From:    string(prev.Status),
			To:      string(updated.Status),
			Version: updated.Version,
			Reason:  reason,
		})
		if err != nil {
			return contract.Contract{}, err
		}
		evts = append(evts, event.Event{
			ContractID:  updated.ID,
			Type:        event.TypeStatusChanged,
			ActorType:   event.ActorTypeSystem,
			ActorID:     "state-machine",
			Timestamp:   m.now().UTC(),
			PayloadJSON: payload,
		})
	}

	if _, err := m.store.CommitTransition(ctx, updated, prev.Version, evts...); err != nil {
		return contract.Contract{}, fmt.Errorf("commit transition: %w", err)
	}

	if updated.Status != prev.Status {
		m.notifier.Publish(notify.StatusChange{
			ContractID: updated.ID,
			From:       prev.Status,
			To:         updated.Status,
			Version:    updated.Version,
			Reason:     reason,
			Timestamp:  updated.UpdatedAt,
		})
	}
	return updated, nil
}

// reject journals the declined request and reports the authoritative
// state so the caller can construct a retry.
func (m *Machine) reject(ctx context.Context, c contract.Contract, req Request, code apperrors.Code, message string) (Outcome, error) {
	payload, err := event.MarshalPayload(event.TransitionRejectedPayload{
		Kind:            string(req.Kind),
		Code:            string(code),
		Message:         message,
		CurrentStatus:   string(c.Status),
		CurrentVersion:  c.Version,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return Outcome{Contract: c}, err
	}
	if _, err := m.store.AppendEvent(ctx, m.newJournalEvent(c.ID, event.TypeTransitionRejected, req, payload)); err != nil {
		return Outcome{Contract: c}, fmt.Errorf("journal rejection: %w", err)
	}

	rejection := &Rejection{
		Code:           code,
		Message:        message,
		CurrentStatus:  c.Status,
		CurrentVersion: c.Version,
	}
	return Outcome{Contract: c, Rejection: rejection}, apperrors.WithMetadata(code, message, map[string]string{
		"contract_id":     c.ID,
		"current_status":  string(c.Status),
		"current_version": fmt.Sprintf("%d", c.Version),
	})
}

func (m *Machine) newJournalEvent(contractID string, eventType event.Type, req Request, payload []byte) event.Event {
	actorType, actorID := actorFor(req)
	return event.Event{
		ContractID:  contractID,
		Type:        eventType,
		ActorType:   actorType,
		ActorID:     actorID,
		Channel:     req.Channel,
		Timestamp:   m.now().UTC(),
		PayloadJSON: payload,
	}
}

func actorFor(req Request) (event.ActorType, string) {
	if req.PartyID != "" {
		return event.ActorTypeParty, req.PartyID
	}
	if req.ActorID != "" {
		return event.ActorTypeOperator, req.ActorID
	}
	return event.ActorTypeSystem, "state-machine"
}

// noteIntegrity quarantines the contract when an error reports audit
// chain divergence.
func (m *Machine) noteIntegrity(contractID string, err error) error {
	if err != nil && apperrors.GetCode(err) == apperrors.CodeIntegrity {
		m.Quarantine(contractID)
	}
	return err
}

// ExpireStale cancels contracts that have sat awaiting confirmation past
// the cutoff. Returns the ids it cancelled.
func (m *Machine) ExpireStale(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	cutoff := m.now().UTC().Add(-olderThan)

	var expired []string
	for _, status := range []contract.Status{contract.StatusAwaitingConfirmation, contract.StatusPartiallyConfirmed} {
		contracts, err := m.store.ListContractsByStatus(ctx, status, limit)
		if err != nil {
			return expired, fmt.Errorf("list %s contracts: %w", status, err)
		}
		for _, c := range contracts {
			if !c.UpdatedAt.Before(cutoff) {
				continue
			}
			if _, err := m.Apply(ctx, Request{
				ContractID:      c.ID,
				ExpectedVersion: c.Version,
				Kind:            KindCancelRequested,
				Reason:          "confirmation_expired",
			}); err != nil {
				return expired, err
			}
			expired = append(expired, c.ID)
		}
	}
	return expired, nil
}
