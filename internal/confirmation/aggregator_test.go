package confirmation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicepact/voicepact/internal/contract"
	"github.com/voicepact/voicepact/internal/contract/event"
	"github.com/voicepact/voicepact/internal/storage/integrity"
	"github.com/voicepact/voicepact/internal/storage/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	keyring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("test-root-key")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"), keyring)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func awaitingContract(t *testing.T) contract.Contract {
	t.Helper()
	c, err := contract.Draft(contract.DraftInput{
		Type: contract.TypeAgriculturalSupply,
		Parties: []contract.Party{
			{ID: "party-buyer", Role: contract.RoleBuyer},
			{ID: "party-seller", Role: contract.RoleSeller},
		},
		Transcript: "40 bags of maize at 1200 per bag",
		Amount:     48000,
	}, nil, func() string { return "contract-conf" })
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	c.Status = contract.StatusAwaitingConfirmation
	return c
}

type stuckClock struct {
	at time.Time
}

func (c *stuckClock) now() time.Time { return c.at }

func newTestAggregator(t *testing.T, clock *stuckClock) (*Aggregator, *sqlite.Store) {
	t.Helper()
	store := openTestStore(t)
	agg, err := NewAggregator(store, LogSender{}, Config{CodeTTL: 24 * time.Hour, MaxAttempts: 3}, clock.now)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return agg, store
}

func TestIssueAndConfirm(t *testing.T) {
	clock := &stuckClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	agg, store := newTestAggregator(t, clock)
	ctx := context.Background()
	c := awaitingContract(t)

	code, err := agg.IssueCode(ctx, c, "party-buyer", ChannelSMS)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("code = %q, want six digits", code)
	}

	result, err := agg.Confirm(ctx, c, "party-buyer", code, ChannelSMS)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !result.Accepted || result.Replay {
		t.Fatalf("result = %+v, want accepted first-time", result)
	}
	if result.FullyConfirmed {
		t.Fatal("one of two parties must not be fully confirmed")
	}

	events, err := store.ListEvents(ctx, c.ID, 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawIssued, sawAccepted bool
	for _, evt := range events {
		switch evt.Type {
		case event.TypeConfirmationCodeIssued:
			sawIssued = true
		case event.TypeConfirmationAccepted:
			sawAccepted = true
		}
	}
	if !sawIssued || !sawAccepted {
		t.Fatalf("journal missing confirmation events: %+v", events)
	}
}

func TestConfirmReplayIsNoOp(t *testing.T) {
	clock := &stuckClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	agg, store := newTestAggregator(t, clock)
	ctx := context.Background()
	c := awaitingContract(t)

	code, err := agg.IssueCode(ctx, c, "party-buyer", ChannelVoice)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	if _, err := agg.Confirm(ctx, c, "party-buyer", code, ChannelVoice); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	before, err := store.GetLatestEventSeq(ctx, c.ID)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}

	result, err := agg.Confirm(ctx, c, "party-buyer", code, ChannelVoice)
	if err != nil {
		t.Fatalf("replay confirm: %v", err)
	}
	if !result.Accepted || !result.Replay {
		t.Fatalf("result = %+v, want accepted replay", result)
	}

	after, err := store.GetLatestEventSeq(ctx, c.ID)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if after != before {
		t.Fatalf("replay appended %d events", after-before)
	}
}

func TestConfirmReplayAfterWindowCloses(t *testing.T) {
	clock := &stuckClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	agg, store := newTestAggregator(t, clock)
	ctx := context.Background()
	c := awaitingContract(t)

	code, err := agg.IssueCode(ctx, c, "party-buyer", ChannelSMS)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	if _, err := agg.Confirm(ctx, c, "party-buyer", code, ChannelSMS); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	before, err := store.GetLatestEventSeq(ctx, c.ID)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}

	// A redelivered webhook can arrive long after the contract has moved
	// past the confirmation window; it must stay a no-op, not an error.
	for _, status := range []contract.Status{
		contract.StatusFullyConfirmed,
		contract.StatusEscrowHeld,
		contract.StatusReleased,
	} {
		closed := c
		closed.Status = status
		result, err := agg.Confirm(ctx, closed, "party-buyer", code, ChannelSMS)
		if err != nil {
			t.Fatalf("replay in %s: %v", status, err)
		}
		if !result.Accepted || !result.Replay {
			t.Fatalf("replay in %s = %+v, want accepted replay", status, result)
		}
	}

	after, err := store.GetLatestEventSeq(ctx, c.ID)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if after != before {
		t.Fatalf("replays appended %d events", after-before)
	}
}

func TestConfirmFullSetEquality(t *testing.T) {
	clock := &stuckClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	agg, _ := newTestAggregator(t, clock)
	ctx := context.Background()
	c := awaitingContract(t)

	buyerCode, err := agg.IssueCode(ctx, c, "party-buyer", ChannelSMS)
	if err != nil {
		t.Fatalf("issue buyer code: %v", err)
	}
	sellerCode, err := agg.IssueCode(ctx, c, "party-seller", ChannelUSSD)
	if err != nil {
		t.Fatalf("issue seller code: %v", err)
	}

	if _, err := agg.Confirm(ctx, c, "party-buyer", buyerCode, ChannelSMS); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	result, err := agg.Confirm(ctx, c, "party-seller", sellerCode, ChannelUSSD)
	if err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if !result.FullyConfirmed {
		t.Fatal("expected full confirmation after the last party")
	}
}

func TestConfirmMismatchLocksAfterThreshold(t *testing.T) {
	clock := &stuckClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	agg, store := newTestAggregator(t, clock)
	ctx := context.Background()
	c := awaitingContract(t)

	if _, err := agg.IssueCode(ctx, c, "party-buyer", ChannelSMS); err != nil {
		t.Fatalf("issue code: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		result, err := agg.Confirm(ctx, c, "party-buyer", "000000", ChannelSMS)
		if !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("attempt %d error = %v, want %v", attempt, err, ErrCodeMismatch)
		}
		if result.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", result.Attempts, attempt)
		}
	}

	result, err := agg.Confirm(ctx, c, "party-buyer", "000000", ChannelSMS)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("error = %v, want lockout", err)
	}
	if !result.Locked || result.Attempts != 3 {
		t.Fatalf("result = %+v, want locked after 3", result)
	}

	// Even the right code is refused while locked.
	if _, err := agg.Confirm(ctx, c, "party-buyer", "123456", ChannelSMS); !errors.Is(err, ErrLocked) {
		t.Fatalf("error = %v, want lockout to persist", err)
	}

	events, err := store.ListEvents(ctx, c.ID, 0, 20)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var locked bool
	for _, evt := range events {
		if evt.Type == event.TypeConfirmationLocked {
			locked = true
		}
	}
	if !locked {
		t.Fatal("journal missing lockout event")
	}
}

func TestResetLockRestoresConfirmation(t *testing.T) {
	clock := &stuckClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	agg, _ := newTestAggregator(t, clock)
	ctx := context.Background()
	c := awaitingContract(t)

	code, err := agg.IssueCode(ctx, c, "party-buyer", ChannelSMS)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = agg.Confirm(ctx, c, "party-buyer", "000000", ChannelSMS)
	}

	if err := agg.ResetLock(ctx, c, "party-buyer"); err != nil {
		t.Fatalf("reset lock: %v", err)
	}
	result, err := agg.Confirm(ctx, c, "party-buyer", code, ChannelSMS)
	if err != nil {
		t.Fatalf("confirm after reset: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("result = %+v, want accepted", result)
	}
}

func TestConfirmExpiredCode(t *testing.T) {
	clock := &stuckClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	agg, _ := newTestAggregator(t, clock)
	ctx := context.Background()
	c := awaitingContract(t)

	code, err := agg.IssueCode(ctx, c, "party-buyer", ChannelSMS)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}

	clock.at = clock.at.Add(25 * time.Hour)
	if _, err := agg.Confirm(ctx, c, "party-buyer", code, ChannelSMS); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("error = %v, want %v", err, ErrCodeExpired)
	}

	// Reissue restarts the TTL.
	fresh, err := agg.IssueCode(ctx, c, "party-buyer", ChannelSMS)
	if err != nil {
		t.Fatalf("reissue code: %v", err)
	}
	result, err := agg.Confirm(ctx, c, "party-buyer", fresh, ChannelSMS)
	if err != nil {
		t.Fatalf("confirm fresh code: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("result = %+v, want accepted", result)
	}
}

func TestConfirmGuards(t *testing.T) {
	clock := &stuckClock{at: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	agg, _ := newTestAggregator(t, clock)
	ctx := context.Background()
	c := awaitingContract(t)

	if _, err := agg.Confirm(ctx, c, "party-stranger", "123456", ChannelSMS); !errors.Is(err, ErrUnknownParty) {
		t.Fatalf("error = %v, want %v", err, ErrUnknownParty)
	}

	closed := c
	closed.Status = contract.StatusReleased
	if _, err := agg.Confirm(ctx, closed, "party-buyer", "123456", ChannelSMS); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("error = %v, want %v", err, ErrNotOpen)
	}
	if _, err := agg.IssueCode(ctx, closed, "party-buyer", ChannelSMS); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("error = %v, want %v", err, ErrNotOpen)
	}
}

func TestGenerateCodeFormat(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code = %q, want 6 digits", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("code = %q contains non-digit", code)
			}
		}
	}
}
