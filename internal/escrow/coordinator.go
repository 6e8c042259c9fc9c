package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/voicepact/voicepact/internal/contract"
	"github.com/voicepact/voicepact/internal/contract/event"
	apperrors "github.com/voicepact/voicepact/internal/errors"
	"github.com/voicepact/voicepact/internal/storage"
)

// Store is the persistence the coordinator needs: escrow records plus
// the audit journal.
type Store interface {
	storage.EscrowStore
	storage.EventStore
}

// Coordinator executes escrow operations with retry and replay safety.
type Coordinator struct {
	store    Store
	provider Provider
	config   Config
	now      func() time.Time
	newID    func() string
}

// NewCoordinator constructs an escrow coordinator.
func NewCoordinator(store Store, provider Provider, config Config, now func() time.Time, newID func() string) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("escrow store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("escrow provider is required")
	}
	if config.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	if config.RetryBackoff <= 0 {
		return nil, fmt.Errorf("retry backoff must be positive")
	}
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &Coordinator{store: store, provider: provider, config: config, now: now, newID: newID}, nil
}

// Hold places the contract amount in escrow.
func (co *Coordinator) Hold(ctx context.Context, c contract.Contract) (storage.EscrowRecord, error) {
	return co.run(ctx, c, OpHold)
}

// Release pays the held amount out to the seller.
func (co *Coordinator) Release(ctx context.Context, c contract.Contract) (storage.EscrowRecord, error) {
	return co.run(ctx, c, OpRelease)
}

// Refund returns the held amount to the buyer.
func (co *Coordinator) Refund(ctx context.Context, c contract.Contract) (storage.EscrowRecord, error) {
	return co.run(ctx, c, OpRefund)
}

// run executes one operation end to end: replay lookup, record
// creation, the retrying provider call, and the journaled outcome.
func (co *Coordinator) run(ctx context.Context, c contract.Contract, op Operation) (storage.EscrowRecord, error) {
	key := IdempotencyKey(c.ID, op, c.Version)

	record, replayed, err := co.findOrCreate(ctx, c, op, key)
	if err != nil {
		return storage.EscrowRecord{}, err
	}
	if replayed {
		return co.replayOutcome(record)
	}

	if op == OpHold {
		if err := co.appendEvent(ctx, c.ID, event.TypeEscrowHoldInitiated, event.EscrowPayload{
			EscrowID:       record.ID,
			Operation:      string(op),
			IdempotencyKey: key,
			Amount:         record.Amount,
			Currency:       record.Currency,
		}); err != nil {
			return storage.EscrowRecord{}, err
		}
	}

	return co.callProvider(ctx, record, op)
}

// findOrCreate returns the existing record for the idempotency key, or
// inserts a fresh pending one. A lost insert race resolves to the
// winner's record.
func (co *Coordinator) findOrCreate(ctx context.Context, c contract.Contract, op Operation, key string) (storage.EscrowRecord, bool, error) {
	existing, err := co.store.GetEscrowByIdempotencyKey(ctx, key)
	if err == nil {
		// A pending record means a previous run stopped mid-flight;
		// resume it instead of treating it as settled.
		return existing, existing.Status != storage.EscrowStatusPending, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.EscrowRecord{}, false, fmt.Errorf("look up escrow replay: %w", err)
	}

	now := co.now().UTC()
	record := storage.EscrowRecord{
		ID:             co.newID(),
		ContractID:     c.ID,
		Operation:      string(op),
		IdempotencyKey: key,
		Status:         storage.EscrowStatusPending,
		Amount:         c.Amount,
		Currency:       c.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := co.store.PutEscrow(ctx, record); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			winner, getErr := co.store.GetEscrowByIdempotencyKey(ctx, key)
			if getErr != nil {
				return storage.EscrowRecord{}, false, fmt.Errorf("resolve escrow insert race: %w", getErr)
			}
			return winner, winner.Status != storage.EscrowStatusPending, nil
		}
		return storage.EscrowRecord{}, false, fmt.Errorf("create escrow record: %w", err)
	}
	return record, false, nil
}

// replayOutcome maps a settled record back to the original call's result.
func (co *Coordinator) replayOutcome(record storage.EscrowRecord) (storage.EscrowRecord, error) {
	if record.Status == storage.EscrowStatusFailed {
		return record, apperrors.WithMetadata(
			apperrors.CodeEscrowFatal,
			"escrow operation previously failed",
			map[string]string{"escrow_id": record.ID, "operation": record.Operation, "reason": record.Reason},
		)
	}
	return record, nil
}

func (co *Coordinator) callProvider(ctx context.Context, record storage.EscrowRecord, op Operation) (storage.EscrowRecord, error) {
	req := Request{
		EscrowID:       record.ID,
		ContractID:     record.ContractID,
		IdempotencyKey: record.IdempotencyKey,
		Amount:         record.Amount,
		Currency:       record.Currency,
	}

	attempts := 0
	operation := func() (string, error) {
		attempts++
		ref, err := co.dispatch(ctx, op, req)
		if err != nil {
			if IsTransient(err) {
				log.Printf("escrow retry contract_id=%s escrow_id=%s operation=%s attempt=%d err=%v",
					record.ContractID, record.ID, op, attempts, err)
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		return ref, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = co.config.RetryBackoff

	ref, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(co.config.MaxAttempts)),
	)
	if err != nil {
		return co.recordFailure(ctx, record, op, attempts, err)
	}
	return co.recordSuccess(ctx, record, op, attempts, ref)
}

func (co *Coordinator) dispatch(ctx context.Context, op Operation, req Request) (string, error) {
	switch op {
	case OpHold:
		return co.provider.Hold(ctx, req)
	case OpRelease:
		return co.provider.Release(ctx, req)
	case OpRefund:
		return co.provider.Refund(ctx, req)
	default:
		return "", fmt.Errorf("unknown escrow operation %q", op)
	}
}

func (co *Coordinator) recordSuccess(ctx context.Context, record storage.EscrowRecord, op Operation, attempts int, ref string) (storage.EscrowRecord, error) {
	record.Status = settledStatus(op)
	record.ProviderRef = ref
	record.Attempts = attempts
	record.UpdatedAt = co.now().UTC()
	if err := co.store.UpdateEscrow(ctx, record); err != nil {
		return storage.EscrowRecord{}, fmt.Errorf("settle escrow record: %w", err)
	}

	if err := co.appendEvent(ctx, record.ContractID, settledEventType(op), event.EscrowPayload{
		EscrowID:       record.ID,
		Operation:      string(op),
		IdempotencyKey: record.IdempotencyKey,
		ProviderRef:    ref,
		Amount:         record.Amount,
		Currency:       record.Currency,
		Attempts:       attempts,
	}); err != nil {
		return storage.EscrowRecord{}, err
	}
	return record, nil
}

func (co *Coordinator) recordFailure(ctx context.Context, record storage.EscrowRecord, op Operation, attempts int, cause error) (storage.EscrowRecord, error) {
	record.Status = storage.EscrowStatusFailed
	record.Attempts = attempts
	record.Reason = cause.Error()
	record.UpdatedAt = co.now().UTC()
	if err := co.store.UpdateEscrow(ctx, record); err != nil {
		return storage.EscrowRecord{}, fmt.Errorf("record escrow failure: %w", err)
	}

	if err := co.appendEvent(ctx, record.ContractID, event.TypeEscrowFailed, event.EscrowPayload{
		EscrowID:       record.ID,
		Operation:      string(op),
		IdempotencyKey: record.IdempotencyKey,
		Amount:         record.Amount,
		Currency:       record.Currency,
		Attempts:       attempts,
		Reason:         record.Reason,
	}); err != nil {
		return storage.EscrowRecord{}, err
	}

	// Retries are exhausted or the provider rejected outright; either
	// way the operation cannot complete without intervention.
	return record, apperrors.WrapWithMetadata(
		apperrors.CodeEscrowFatal,
		fmt.Sprintf("escrow %s failed after %d attempts", op, attempts),
		map[string]string{"escrow_id": record.ID, "operation": string(op)},
		cause,
	)
}

func settledStatus(op Operation) storage.EscrowStatus {
	switch op {
	case OpRelease:
		return storage.EscrowStatusReleased
	case OpRefund:
		return storage.EscrowStatusRefunded
	default:
		return storage.EscrowStatusHeld
	}
}

func settledEventType(op Operation) event.Type {
	switch op {
	case OpRelease:
		return event.TypeEscrowReleased
	case OpRefund:
		return event.TypeEscrowRefunded
	default:
		return event.TypeEscrowHeld
	}
}

func (co *Coordinator) appendEvent(ctx context.Context, contractID string, eventType event.Type, payload event.EscrowPayload) error {
	data, err := event.MarshalPayload(payload)
	if err != nil {
		return err
	}
	if _, err := co.store.AppendEvent(ctx, event.Event{
		ContractID:  contractID,
		Type:        eventType,
		ActorType:   event.ActorTypeSystem,
		ActorID:     "escrow-coordinator",
		Timestamp:   co.now().UTC(),
		PayloadJSON: data,
	}); err != nil {
		return fmt.Errorf("append escrow event: %w", err)
	}
	return nil
}
