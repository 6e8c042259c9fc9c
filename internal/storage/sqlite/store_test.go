package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicepact/voicepact/internal/contract"
	"github.com/voicepact/voicepact/internal/storage"
	"github.com/voicepact/voicepact/internal/storage/integrity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	keyring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("test-root-key")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	store, err := Open(filepath.Join(t.TempDir(), "engine.db"), keyring)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testContract(t *testing.T, id string) contract.Contract {
	t.Helper()
	c, err := contract.Draft(contract.DraftInput{
		Type: contract.TypeGoodsPurchase,
		Parties: []contract.Party{
			{ID: "party-buyer", Role: contract.RoleBuyer, Name: "Amina"},
			{ID: "party-seller", Role: contract.RoleSeller, Name: "Okoth"},
		},
		Transcript: "Amina agrees to buy 40 bags of maize from Okoth.",
		Amount:     48000,
	}, func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }, func() string { return id })
	if err != nil {
		t.Fatalf("draft contract: %v", err)
	}
	return c
}

func TestOpenValidation(t *testing.T) {
	keyring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("k")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	if _, err := Open("  ", keyring); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Open(filepath.Join(t.TempDir(), "engine.db"), nil); err == nil {
		t.Fatal("expected error for nil keyring")
	}
}

func TestPutGetContract(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	c := testContract(t, "contract-1")

	if err := store.PutContract(ctx, c); err != nil {
		t.Fatalf("put contract: %v", err)
	}

	got, err := store.GetContract(ctx, "contract-1")
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if got.Status != contract.StatusDraft {
		t.Fatalf("status = %s, want %s", got.Status, contract.StatusDraft)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
	if len(got.Parties) != 2 || got.Parties[0].ID != "party-buyer" || got.Parties[1].Role != contract.RoleSeller {
		t.Fatalf("parties = %+v", got.Parties)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Fatalf("created at = %v, want %v", got.CreatedAt, c.CreatedAt)
	}
}

func TestPutContractDuplicate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	c := testContract(t, "contract-dup")

	if err := store.PutContract(ctx, c); err != nil {
		t.Fatalf("put contract: %v", err)
	}
	if err := store.PutContract(ctx, c); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("error = %v, want %v", err, storage.ErrConflict)
	}
}

func TestGetContractNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetContract(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestUpdateContractVersionCheck(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	c := testContract(t, "contract-vc")
	if err := store.PutContract(ctx, c); err != nil {
		t.Fatalf("put contract: %v", err)
	}

	updated := c
	updated.Status = contract.StatusProcessing
	updated.Version = 2
	if err := store.UpdateContract(ctx, updated, 1); err != nil {
		t.Fatalf("update contract: %v", err)
	}

	// A second writer holding version 1 loses.
	stale := c
	stale.Status = contract.StatusCancelled
	stale.Version = 2
	if err := store.UpdateContract(ctx, stale, 1); !errors.Is(err, storage.ErrStaleVersion) {
		t.Fatalf("error = %v, want %v", err, storage.ErrStaleVersion)
	}

	got, err := store.GetContract(ctx, "contract-vc")
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if got.Status != contract.StatusProcessing || got.Version != 2 {
		t.Fatalf("contract = %s v%d, want %s v2", got.Status, got.Version, contract.StatusProcessing)
	}
}

func TestUpdateContractNotFound(t *testing.T) {
	store := openTestStore(t)
	c := testContract(t, "contract-missing")
	if err := store.UpdateContract(context.Background(), c, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestListContractsByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"contract-a", "contract-b"} {
		if err := store.PutContract(ctx, testContract(t, id)); err != nil {
			t.Fatalf("put contract %s: %v", id, err)
		}
	}

	drafts, err := store.ListContractsByStatus(ctx, contract.StatusDraft, 10)
	if err != nil {
		t.Fatalf("list contracts: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("drafts = %d, want 2", len(drafts))
	}
	if len(drafts[0].Parties) != 2 {
		t.Fatalf("parties not loaded: %+v", drafts[0])
	}

	released, err := store.ListContractsByStatus(ctx, contract.StatusReleased, 10)
	if err != nil {
		t.Fatalf("list contracts: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("released = %d, want 0", len(released))
	}
}
