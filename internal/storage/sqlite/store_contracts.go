package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/voicepact/voicepact/internal/contract"
	"github.com/voicepact/voicepact/internal/contract/event"
	"github.com/voicepact/voicepact/internal/storage"
)

// PutContract inserts a new contract and its declared parties atomically.
func (s *Store) PutContract(ctx context.Context, c contract.Contract) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("contract id is required")
	}

	termsJSON, err := json.Marshal(c.Terms)
	if err != nil {
		return fmt.Errorf("marshal terms: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO contracts (
    id, contract_type, transcript, terms_json, canonical_payload, terms_hash,
    amount, currency, status, version, escrow_id, dispute_reason,
    delivered_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Type), c.Transcript, termsJSON, c.CanonicalPayload, c.TermsHash,
		c.Amount, c.Currency, string(c.Status), c.Version, c.EscrowID, c.DisputeReason,
		toNullMillis(c.DeliveredAt), toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	); err != nil {
		if isConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert contract: %w", err)
	}

	for position, party := range c.Parties {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO parties (contract_id, party_id, role, name, public_key, position)
VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, party.ID, string(party.Role), party.Name, party.PublicKey, position,
		); err != nil {
			if isConstraintError(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert party: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetContract loads a contract with its parties in declaration order.
func (s *Store) GetContract(ctx context.Context, contractID string) (contract.Contract, error) {
	if err := ctx.Err(); err != nil {
		return contract.Contract{}, err
	}
	if s == nil || s.sqlDB == nil {
		return contract.Contract{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(contractID) == "" {
		return contract.Contract{}, fmt.Errorf("contract id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, contract_type, transcript, terms_json, canonical_payload, terms_hash,
       amount, currency, status, version, escrow_id, dispute_reason,
       delivered_at, created_at, updated_at
FROM contracts WHERE id = ?`, contractID)

	c, err := scanContract(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contract.Contract{}, storage.ErrNotFound
		}
		return contract.Contract{}, fmt.Errorf("get contract: %w", err)
	}

	parties, err := s.listParties(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	c.Parties = parties
	return c, nil
}

// UpdateContract writes the contract row only if the stored version matches
// expectedVersion. Parties are immutable after drafting and are not touched.
func (s *Store) UpdateContract(ctx context.Context, c contract.Contract, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	res, err := s.updateContractExec(ctx, s.sqlDB, c, expectedVersion)
	if err != nil {
		return err
	}
	return s.checkContractUpdate(ctx, res, c.ID)
}

// ListContractsByStatus returns contracts in a given status, oldest first.
func (s *Store) ListContractsByStatus(ctx context.Context, status contract.Status, limit int) ([]contract.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, contract_type, transcript, terms_json, canonical_payload, terms_hash,
       amount, currency, status, version, escrow_id, dispute_reason,
       delivered_at, created_at, updated_at
FROM contracts WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var contracts []contract.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}

	for i := range contracts {
		parties, err := s.listParties(ctx, contracts[i].ID)
		if err != nil {
			return nil, err
		}
		contracts[i].Parties = parties
	}
	return contracts, nil
}

// CommitTransition appends the audit events and updates the contract in one
// transaction: the transition is committed only if the journal appends are
// durable, and the journal gains no entry if the version check fails.
func (s *Store) CommitTransition(ctx context.Context, c contract.Contract, expectedVersion int64, evts ...event.Event) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(evts) == 0 {
		return nil, fmt.Errorf("a transition requires at least one audit event")
	}
	for _, evt := range evts {
		if evt.ContractID != c.ID {
			return nil, fmt.Errorf("event contract id %q does not match contract %q", evt.ContractID, c.ID)
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := s.updateContractExec(ctx, tx, c, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.checkContractUpdateTx(ctx, tx, res, c.ID); err != nil {
		return nil, err
	}

	stored := make([]event.Event, 0, len(evts))
	for _, evt := range evts {
		committed, err := s.appendEventTx(ctx, tx, evt)
		if err != nil {
			return nil, err
		}
		stored = append(stored, committed)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) updateContractExec(ctx context.Context, db execer, c contract.Contract, expectedVersion int64) (sql.Result, error) {
	termsJSON, err := json.Marshal(c.Terms)
	if err != nil {
		return nil, fmt.Errorf("marshal terms: %w", err)
	}
	res, err := db.ExecContext(ctx, `
UPDATE contracts SET
    terms_json = ?, canonical_payload = ?, terms_hash = ?, status = ?,
    version = ?, escrow_id = ?, dispute_reason = ?, delivered_at = ?, updated_at = ?
WHERE id = ? AND version = ?`,
		termsJSON, c.CanonicalPayload, c.TermsHash, string(c.Status),
		c.Version, c.EscrowID, c.DisputeReason, toNullMillis(c.DeliveredAt), toMillis(c.UpdatedAt),
		c.ID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update contract: %w", err)
	}
	return res, nil
}

func (s *Store) checkContractUpdate(ctx context.Context, res sql.Result, contractID string) error {
	return checkUpdateOutcome(ctx, s.sqlDB, res, contractID)
}

func (s *Store) checkContractUpdateTx(ctx context.Context, tx *sql.Tx, res sql.Result, contractID string) error {
	return checkUpdateOutcome(ctx, tx, res, contractID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func checkUpdateOutcome(ctx context.Context, db querier, res sql.Result, contractID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists int
	if err := db.QueryRowContext(ctx, "SELECT 1 FROM contracts WHERE id = ?", contractID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check contract: %w", err)
	}
	return storage.ErrStaleVersion
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (contract.Contract, error) {
	var (
		c             contract.Contract
		contractType  string
		termsJSON     []byte
		status        string
		deliveredAt   sql.NullInt64
		createdMillis int64
		updatedMillis int64
	)
	if err := row.Scan(
		&c.ID, &contractType, &c.Transcript, &termsJSON, &c.CanonicalPayload, &c.TermsHash,
		&c.Amount, &c.Currency, &status, &c.Version, &c.EscrowID, &c.DisputeReason,
		&deliveredAt, &createdMillis, &updatedMillis,
	); err != nil {
		return contract.Contract{}, err
	}
	if err := json.Unmarshal(termsJSON, &c.Terms); err != nil {
		return contract.Contract{}, fmt.Errorf("unmarshal terms: %w", err)
	}
	c.Type = contract.Type(contractType)
	c.Status = contract.Status(status)
	c.DeliveredAt = fromNullMillis(deliveredAt)
	c.CreatedAt = fromMillis(createdMillis)
	c.UpdatedAt = fromMillis(updatedMillis)
	return c, nil
}

func (s *Store) listParties(ctx context.Context, contractID string) ([]contract.Party, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT party_id, role, name, public_key
FROM parties WHERE contract_id = ? ORDER BY position ASC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list parties: %w", err)
	}
	defer rows.Close()

	var parties []contract.Party
	for rows.Next() {
		var party contract.Party
		var role string
		if err := rows.Scan(&party.ID, &role, &party.Name, &party.PublicKey); err != nil {
			return nil, fmt.Errorf("scan party: %w", err)
		}
		party.Role = contract.PartyRole(role)
		parties = append(parties, party)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parties: %w", err)
	}
	return parties, nil
}
