package contract

import (
	"bytes"
	"errors"
	"testing"
)

func draftedWithTerms(t *testing.T) Contract {
	t.Helper()
	c, err := Draft(draftInput(), fixedNow, func() string { return "contract-terms" })
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	c.Terms = Terms{
		Summary: "40 bags of maize at 1200 KES per bag",
		Items: []TermItem{
			{Description: "maize", Quantity: 40, Unit: "bag", UnitPrice: 1200},
		},
		DeliveryBy: "2026-04-01T00:00:00Z",
	}
	return c
}

func TestFreezeTermsPinsPayload(t *testing.T) {
	c := draftedWithTerms(t)

	frozen, err := FreezeTerms(c)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if !frozen.TermsFrozen() {
		t.Fatal("expected frozen payload")
	}
	if frozen.TermsHash == "" || len(frozen.TermsHash) != 64 {
		t.Fatalf("terms hash = %q", frozen.TermsHash)
	}
	if frozen.TermsHash != HashPayload(frozen.CanonicalPayload) {
		t.Fatal("hash must match payload digest")
	}
}

func TestFreezeTermsRejectsEmptyTerms(t *testing.T) {
	c, err := Draft(draftInput(), fixedNow, nil)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := FreezeTerms(c); !errors.Is(err, ErrTermsEmpty) {
		t.Fatalf("error = %v, want %v", err, ErrTermsEmpty)
	}
}

func TestFreezeTermsRejectsDoubleFreeze(t *testing.T) {
	frozen, err := FreezeTerms(draftedWithTerms(t))
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := FreezeTerms(frozen); !errors.Is(err, ErrTermsFrozen) {
		t.Fatalf("error = %v, want %v", err, ErrTermsFrozen)
	}
}

func TestCanonicalPayloadIgnoresPartyOrder(t *testing.T) {
	a := draftedWithTerms(t)
	b := a
	b.Parties = []Party{a.Parties[1], a.Parties[0]}

	payloadA, err := CanonicalPayload(a)
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}
	payloadB, err := CanonicalPayload(b)
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}
	if !bytes.Equal(payloadA, payloadB) {
		t.Fatalf("payloads differ:\n%s\n%s", payloadA, payloadB)
	}
}

func TestCanonicalPayloadChangesWithTerms(t *testing.T) {
	a := draftedWithTerms(t)
	b := a
	b.Terms.Summary = "50 bags of maize at 1100 KES per bag"

	payloadA, _ := CanonicalPayload(a)
	payloadB, _ := CanonicalPayload(b)
	if bytes.Equal(payloadA, payloadB) {
		t.Fatal("different terms must not produce the same payload")
	}
	if HashPayload(payloadA) == HashPayload(payloadB) {
		t.Fatal("different payloads must not collide")
	}
}
