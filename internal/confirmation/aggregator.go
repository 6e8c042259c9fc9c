package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voicepact/voicepact/internal/contract"
	"github.com/voicepact/voicepact/internal/contract/event"
	apperrors "github.com/voicepact/voicepact/internal/errors"
	"github.com/voicepact/voicepact/internal/storage"
)

// Result is the normalized confirmation fact handed to the state machine.
type Result struct {
	// Accepted is set when the party now holds an accepted confirmation.
	Accepted bool
	// Replay is set when the party had already confirmed; the call was a no-op.
	Replay bool
	// Locked is set when this attempt tripped the lockout threshold.
	Locked bool
	// FullyConfirmed is set when every declared party has an accepted
	// confirmation (set equality, not a count).
	FullyConfirmed bool
	// Attempts is the party's failed-attempt count after this call.
	Attempts int
}

// Store is the persistence the aggregator needs: confirmation state plus
// the audit journal.
type Store interface {
	storage.ConfirmationStore
	storage.EventStore
}

// Aggregator validates inbound confirmations and maintains per-party state.
type Aggregator struct {
	store  Store
	sender CodeSender
	config Config
	now    func() time.Time
}

// NewAggregator constructs a confirmation aggregator.
func NewAggregator(store Store, sender CodeSender, config Config, now func() time.Time) (*Aggregator, error) {
	if store == nil {
		return nil, fmt.Errorf("confirmation store is required")
	}
	if sender == nil {
		sender = LogSender{}
	}
	if config.CodeTTL <= 0 {
		return nil, fmt.Errorf("code ttl must be positive")
	}
	if config.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{store: store, sender: sender, config: config, now: now}, nil
}

// IssueCode generates, stores, and delivers a confirmation code for one
// party. Reissuing replaces the previous code and restarts the TTL; it does
// not reset the attempt counter.
func (a *Aggregator) IssueCode(ctx context.Context, c contract.Contract, partyID string, channel Channel) (string, error) {
	party, ok := c.Party(partyID)
	if !ok {
		return "", ErrUnknownParty
	}
	if !confirmationOpen(c.Status) {
		return "", ErrNotOpen
	}
	if !channel.IsValid() {
		return "", fmt.Errorf("unknown confirmation channel %q", channel)
	}

	code, err := GenerateCode()
	if err != nil {
		return "", err
	}

	issuedAt := a.now().UTC()
	if err := a.store.PutCode(ctx, storage.CodeRecord{
		ContractID: c.ID,
		PartyID:    party.ID,
		CodeHash:   HashCode(code),
		Channel:    string(channel),
		IssuedAt:   issuedAt,
		ExpiresAt:  issuedAt.Add(a.config.CodeTTL),
	}); err != nil {
		return "", fmt.Errorf("store confirmation code: %w", err)
	}

	if err := a.appendEvent(ctx, c.ID, event.TypeConfirmationCodeIssued, party.ID, channel, event.ConfirmationPayload{
		PartyID: party.ID,
		Channel: string(channel),
	}); err != nil {
		return "", err
	}

	if err := a.sender.SendCode(ctx, c.ID, party, channel, code); err != nil {
		// The code is stored and valid; delivery can be retried by reissuing.
		log.Printf("confirmation code delivery failed contract_id=%s party_id=%s channel=%s err=%v", c.ID, party.ID, channel, err)
	}
	return code, nil
}

// Confirm validates a presented code and records the outcome.
//
// A replayed confirmation for an already-accepted party is a no-op that
// reports success, even after the contract has moved past the
// confirmation window; redelivered webhooks must never surface as
// errors. A mismatch increments the attempt counter and locks the party
// once the threshold is reached.
func (a *Aggregator) Confirm(ctx context.Context, c contract.Contract, partyID, presentedCode string, channel Channel) (Result, error) {
	party, ok := c.Party(partyID)
	if !ok {
		return Result{}, ErrUnknownParty
	}

	state, err := a.store.GetConfirmation(ctx, c.ID, party.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("load confirmation state: %w", err)
	}
	state.ContractID = c.ID
	state.PartyID = party.ID

	if state.Accepted {
		full, err := a.FullyConfirmed(ctx, c)
		if err != nil {
			return Result{}, err
		}
		return Result{Accepted: true, Replay: true, FullyConfirmed: full, Attempts: state.Attempts}, nil
	}
	if !confirmationOpen(c.Status) {
		return Result{}, ErrNotOpen
	}
	if state.Locked {
		return Result{Locked: true, Attempts: state.Attempts}, ErrLocked
	}

	now := a.now().UTC()

	issued, err := a.store.GetCode(ctx, c.ID, party.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return a.recordMismatch(ctx, c, party, state, channel, "no_code_issued")
		}
		return Result{}, fmt.Errorf("load issued code: %w", err)
	}
	if now.After(issued.ExpiresAt) {
		if err := a.appendEvent(ctx, c.ID, event.TypeConfirmationRejected, party.ID, channel, event.ConfirmationPayload{
			PartyID:  party.ID,
			Channel:  string(channel),
			Attempts: state.Attempts,
			Reason:   "code_expired",
		}); err != nil {
			return Result{}, err
		}
		return Result{Attempts: state.Attempts}, ErrCodeExpired
	}

	if !codeMatches(presentedCode, issued.CodeHash) {
		return a.recordMismatch(ctx, c, party, state, channel, "code_mismatch")
	}

	confirmedAt := now
	state.Accepted = true
	state.Channel = string(channel)
	state.ConfirmedAt = &confirmedAt
	state.UpdatedAt = now
	if err := a.store.PutConfirmation(ctx, state); err != nil {
		return Result{}, fmt.Errorf("record confirmation: %w", err)
	}

	if err := a.appendEvent(ctx, c.ID, event.TypeConfirmationAccepted, party.ID, channel, event.ConfirmationPayload{
		PartyID: party.ID,
		Channel: string(channel),
	}); err != nil {
		return Result{}, err
	}

	full, err := a.FullyConfirmed(ctx, c)
	if err != nil {
		return Result{}, err
	}
	return Result{Accepted: true, FullyConfirmed: full, Attempts: state.Attempts}, nil
}

// FullyConfirmed reports whether the accepted-party set equals the declared
// party set.
func (a *Aggregator) FullyConfirmed(ctx context.Context, c contract.Contract) (bool, error) {
	records, err := a.store.ListConfirmations(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("list confirmations: %w", err)
	}
	accepted := make(map[string]bool, len(records))
	for _, record := range records {
		if record.Accepted {
			accepted[record.PartyID] = true
		}
	}
	if len(accepted) != len(c.Parties) {
		return false, nil
	}
	for _, party := range c.Parties {
		if !accepted[party.ID] {
			return false, nil
		}
	}
	return true, nil
}

// ResetLock clears a party's lockout and attempt counter. Operator-only.
func (a *Aggregator) ResetLock(ctx context.Context, c contract.Contract, partyID string) error {
	party, ok := c.Party(partyID)
	if !ok {
		return ErrUnknownParty
	}
	state, err := a.store.GetConfirmation(ctx, c.ID, party.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load confirmation state: %w", err)
	}
	if !state.Locked {
		return nil
	}
	state.Locked = false
	state.Attempts = 0
	state.UpdatedAt = a.now().UTC()
	if err := a.store.PutConfirmation(ctx, state); err != nil {
		return fmt.Errorf("reset confirmation lock: %w", err)
	}
	return nil
}

func (a *Aggregator) recordMismatch(ctx context.Context, c contract.Contract, party contract.Party, state storage.ConfirmationRecord, channel Channel, reason string) (Result, error) {
	state.Attempts++
	state.Channel = string(channel)
	state.UpdatedAt = a.now().UTC()

	locked := state.Attempts >= a.config.MaxAttempts
	state.Locked = locked
	if err := a.store.PutConfirmation(ctx, state); err != nil {
		return Result{}, fmt.Errorf("record failed attempt: %w", err)
	}

	if locked {
		if err := a.appendEvent(ctx, c.ID, event.TypeConfirmationLocked, party.ID, channel, event.ConfirmationPayload{
			PartyID:  party.ID,
			Channel:  string(channel),
			Attempts: state.Attempts,
			Reason:   reason,
		}); err != nil {
			return Result{}, err
		}
		return Result{Locked: true, Attempts: state.Attempts}, apperrors.WithMetadata(
			apperrors.CodeConfirmationLocked,
			"party exceeded confirmation attempt threshold",
			map[string]string{"party_id": party.ID, "contract_id": c.ID},
		)
	}

	if err := a.appendEvent(ctx, c.ID, event.TypeConfirmationRejected, party.ID, channel, event.ConfirmationPayload{
		PartyID:  party.ID,
		Channel:  string(channel),
		Attempts: state.Attempts,
		Reason:   reason,
	}); err != nil {
		return Result{}, err
	}
	return Result{Attempts: state.Attempts}, ErrCodeMismatch
}

func (a *Aggregator) appendEvent(ctx context.Context, contractID string, eventType event.Type, partyID string, channel Channel, payload event.ConfirmationPayload) error {
	data, err := event.MarshalPayload(payload)
	if err != nil {
		return err
	}
	if _, err := a.store.AppendEvent(ctx, event.Event{
		ContractID:  contractID,
		Type:        eventType,
		ActorType:   event.ActorTypeParty,
		ActorID:     partyID,
		Channel:     string(channel),
		Timestamp:   a.now().UTC(),
		PayloadJSON: data,
	}); err != nil {
		return fmt.Errorf("append confirmation event: %w", err)
	}
	return nil
}
