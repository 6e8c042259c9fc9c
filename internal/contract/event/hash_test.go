package event

import (
	"testing"
	"time"
)

func journalEvent() Event {
	return Event{
		ContractID:  "contract-1",
		Seq:         1,
		Timestamp:   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Type:        TypeStatusChanged,
		ActorType:   ActorTypeSystem,
		PayloadJSON: []byte(`{"from":"draft","to":"processing","version":2}`),
	}
}

func TestEventHashDeterministic(t *testing.T) {
	first, err := EventHash(journalEvent())
	if err != nil {
		t.Fatalf("event hash: %v", err)
	}
	second, err := EventHash(journalEvent())
	if err != nil {
		t.Fatalf("event hash: %v", err)
	}
	if first != second {
		t.Fatalf("hash not deterministic: %s vs %s", first, second)
	}
	if len(first) != 32 {
		t.Fatalf("hash length = %d, want 32 hex chars", len(first))
	}
}

func TestEventHashChangesWithContent(t *testing.T) {
	base, err := EventHash(journalEvent())
	if err != nil {
		t.Fatalf("event hash: %v", err)
	}

	mutated := journalEvent()
	mutated.PayloadJSON = []byte(`{"from":"draft","to":"cancelled","version":2}`)
	changed, err := EventHash(mutated)
	if err != nil {
		t.Fatalf("event hash: %v", err)
	}
	if base == changed {
		t.Fatal("different payloads must not collide")
	}
}

func TestEventHashValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing contract id", func(e *Event) { e.ContractID = " " }},
		{"zero seq", func(e *Event) { e.Seq = 0 }},
		{"missing type", func(e *Event) { e.Type = "" }},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt := journalEvent()
			tc.mutate(&evt)
			if _, err := EventHash(evt); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestChainHashLinksPredecessor(t *testing.T) {
	evt := journalEvent()
	hash, err := EventHash(evt)
	if err != nil {
		t.Fatalf("event hash: %v", err)
	}
	evt.Hash = hash

	genesis, err := ChainHash(evt, "")
	if err != nil {
		t.Fatalf("chain hash: %v", err)
	}
	linked, err := ChainHash(evt, genesis)
	if err != nil {
		t.Fatalf("chain hash: %v", err)
	}
	if genesis == linked {
		t.Fatal("chain hash must depend on prev hash")
	}
	if len(genesis) != 64 {
		t.Fatalf("chain hash length = %d, want 64 hex chars", len(genesis))
	}
}

func TestChainHashRequiresEventHash(t *testing.T) {
	evt := journalEvent()
	if _, err := ChainHash(evt, ""); err == nil {
		t.Fatal("expected error for missing event hash")
	}
}

func TestTypeDomain(t *testing.T) {
	if got := TypeEscrowHeld.Domain(); got != "escrow" {
		t.Fatalf("domain = %q, want escrow", got)
	}
	if got := Type("bare").Domain(); got != "bare" {
		t.Fatalf("domain = %q, want bare", got)
	}
}
