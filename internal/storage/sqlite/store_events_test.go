package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicepact/voicepact/internal/contract"
	"github.com/voicepact/voicepact/internal/contract/event"
	"github.com/voicepact/voicepact/internal/storage"
)

func auditEvent(contractID string, eventType event.Type, payload string) event.Event {
	return event.Event{
		ContractID:  contractID,
		Type:        eventType,
		ActorType:   event.ActorTypeSystem,
		Timestamp:   time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		PayloadJSON: []byte(payload),
	}
}

func TestAppendEventAssignsChain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.AppendEvent(ctx, auditEvent("contract-1", event.TypeContractDrafted, `{"v":1}`))
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("seq = %d, want 1", first.Seq)
	}
	if first.PrevHash != "" {
		t.Fatalf("first prev hash = %q, want empty", first.PrevHash)
	}
	if first.Hash == "" || first.ChainHash == "" || first.Signature == "" || first.SignatureKeyID != "v1" {
		t.Fatalf("integrity fields not set: %+v", first)
	}

	second, err := store.AppendEvent(ctx, auditEvent("contract-1", event.TypeStatusChanged, `{"v":2}`))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("seq = %d, want 2", second.Seq)
	}
	if second.PrevHash != first.ChainHash {
		t.Fatalf("prev hash = %q, want %q", second.PrevHash, first.ChainHash)
	}
}

func TestAppendEventSeparateContractsSeparateChains(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, err := store.AppendEvent(ctx, auditEvent("contract-a", event.TypeContractDrafted, `{}`))
	if err != nil {
		t.Fatalf("append a: %v", err)
	}
	b, err := store.AppendEvent(ctx, auditEvent("contract-b", event.TypeContractDrafted, `{}`))
	if err != nil {
		t.Fatalf("append b: %v", err)
	}
	if a.Seq != 1 || b.Seq != 1 {
		t.Fatalf("seqs = %d/%d, want 1/1", a.Seq, b.Seq)
	}
	if b.PrevHash != "" {
		t.Fatal("chains must not cross contracts")
	}
}

func TestListEventsPaged(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.AppendEvent(ctx, auditEvent("contract-1", event.TypeStatusChanged, `{"i":`+string(rune('0'+i))+`}`)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	page, err := store.ListEvents(ctx, "contract-1", 2, 2)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
		t.Fatalf("page = %+v", page)
	}

	latest, err := store.GetLatestEventSeq(ctx, "contract-1")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 5 {
		t.Fatalf("latest = %d, want 5", latest)
	}
}

func TestGetLatestEventSeqEmpty(t *testing.T) {
	store := openTestStore(t)
	latest, err := store.GetLatestEventSeq(context.Background(), "contract-none")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 0 {
		t.Fatalf("latest = %d, want 0", latest)
	}
}

func TestVerifyChainClean(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.AppendEvent(ctx, auditEvent("contract-1", event.TypeStatusChanged, `{}`)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := store.VerifyChain(ctx, "contract-1"); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	diverged, err := store.VerifyAllChains(ctx)
	if err != nil {
		t.Fatalf("verify all chains: %v", err)
	}
	if len(diverged) != 0 {
		t.Fatalf("diverged = %+v, want none", diverged)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.AppendEvent(ctx, auditEvent("contract-1", event.TypeStatusChanged, `{}`)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if _, err := store.sqlDB.Exec(
		"UPDATE events SET payload_json = ? WHERE contract_id = ? AND seq = ?",
		[]byte(`{"tampered":true}`), "contract-1", 2,
	); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	err := store.VerifyChain(ctx, "contract-1")
	var divergence *storage.ChainDivergenceError
	if !errors.As(err, &divergence) {
		t.Fatalf("error = %v, want chain divergence", err)
	}
	if divergence.Seq != 2 || divergence.Field != "event_hash" {
		t.Fatalf("divergence = %+v", divergence)
	}
}

func TestVerifyAllChainsReportsEveryDivergence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"contract-a", "contract-b", "contract-c"} {
		for i := 0; i < 2; i++ {
			if _, err := store.AppendEvent(ctx, auditEvent(id, event.TypeStatusChanged, `{}`)); err != nil {
				t.Fatalf("append %s %d: %v", id, i, err)
			}
		}
	}

	// Tamper two journals; the sweep must not stop at the first.
	for _, id := range []string{"contract-a", "contract-c"} {
		if _, err := store.sqlDB.Exec(
			"UPDATE events SET payload_json = ? WHERE contract_id = ? AND seq = ?",
			[]byte(`{"tampered":true}`), id, 1,
		); err != nil {
			t.Fatalf("tamper %s: %v", id, err)
		}
	}

	diverged, err := store.VerifyAllChains(ctx)
	if err != nil {
		t.Fatalf("verify all chains: %v", err)
	}
	if len(diverged) != 2 {
		t.Fatalf("diverged = %+v, want both tampered contracts", diverged)
	}
	if diverged[0].ContractID != "contract-a" || diverged[1].ContractID != "contract-c" {
		t.Fatalf("diverged contracts = %s, %s", diverged[0].ContractID, diverged[1].ContractID)
	}
	if diverged[0].Seq != 1 || diverged[0].Field != "event_hash" {
		t.Fatalf("divergence = %+v", diverged[0])
	}
}

func TestCommitTransitionAtomic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	c := testContract(t, "contract-ct")
	if err := store.PutContract(ctx, c); err != nil {
		t.Fatalf("put contract: %v", err)
	}

	next := c
	next.Status = contract.StatusProcessing
	next.Version = 2
	finalized := auditEvent("contract-ct", event.TypeTermsFinalized, `{"terms_hash":"abc"}`)
	changed := auditEvent("contract-ct", event.TypeStatusChanged, `{"from":"draft","to":"processing","version":2}`)

	stored, err := store.CommitTransition(ctx, next, 1, finalized, changed)
	if err != nil {
		t.Fatalf("commit transition: %v", err)
	}
	if len(stored) != 2 || stored[0].Seq != 1 || stored[1].Seq != 2 {
		t.Fatalf("stored events = %+v, want seq 1 and 2", stored)
	}
	if stored[1].PrevHash != stored[0].ChainHash {
		t.Fatalf("chain broken across one commit: %q vs %q", stored[1].PrevHash, stored[0].ChainHash)
	}

	got, err := store.GetContract(ctx, "contract-ct")
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if got.Status != contract.StatusProcessing || got.Version != 2 {
		t.Fatalf("contract = %s v%d", got.Status, got.Version)
	}
}

func TestCommitTransitionStaleLeavesNoEvent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	c := testContract(t, "contract-stale")
	if err := store.PutContract(ctx, c); err != nil {
		t.Fatalf("put contract: %v", err)
	}

	next := c
	next.Status = contract.StatusProcessing
	next.Version = 2
	evt := auditEvent("contract-stale", event.TypeStatusChanged, `{}`)

	if _, err := store.CommitTransition(ctx, next, 7, evt); !errors.Is(err, storage.ErrStaleVersion) {
		t.Fatalf("error = %v, want %v", err, storage.ErrStaleVersion)
	}

	latest, err := store.GetLatestEventSeq(ctx, "contract-stale")
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != 0 {
		t.Fatalf("journal gained %d events on failed commit", latest)
	}

	got, err := store.GetContract(ctx, "contract-stale")
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if got.Status != contract.StatusDraft || got.Version != 1 {
		t.Fatalf("contract mutated: %s v%d", got.Status, got.Version)
	}
}

func TestCommitTransitionContractMismatch(t *testing.T) {
	store := openTestStore(t)
	c := testContract(t, "contract-x")
	evt := auditEvent("contract-y", event.TypeStatusChanged, `{}`)
	if _, err := store.CommitTransition(context.Background(), c, 1, evt); err == nil {
		t.Fatal("expected error for mismatched event contract id")
	}
}
