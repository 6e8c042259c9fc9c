package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/voicepact/voicepact/internal/storage"
)

// ConfirmationStore methods

// PutCode stores (or replaces) the issued confirmation code for a party.
// Only the hash of the code is persisted.
func (s *Store) PutCode(ctx context.Context, record storage.CodeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ContractID) == "" || strings.TrimSpace(record.PartyID) == "" {
		return fmt.Errorf("contract id and party id are required")
	}
	if strings.TrimSpace(record.CodeHash) == "" {
		return fmt.Errorf("code hash is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO confirmation_codes (contract_id, party_id, code_hash, channel, issued_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (contract_id, party_id) DO UPDATE SET
    code_hash = excluded.code_hash,
    channel = excluded.channel,
    issued_at = excluded.issued_at,
    expires_at = excluded.expires_at`,
		record.ContractID, record.PartyID, record.CodeHash, record.Channel,
		toMillis(record.IssuedAt), toMillis(record.ExpiresAt),
	); err != nil {
		return fmt.Errorf("put code: %w", err)
	}
	return nil
}

// GetCode loads the issued code record for a party.
func (s *Store) GetCode(ctx context.Context, contractID, partyID string) (storage.CodeRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.CodeRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CodeRecord{}, fmt.Errorf("storage is not configured")
	}

	var (
		record        storage.CodeRecord
		issuedMillis  int64
		expiresMillis int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT contract_id, party_id, code_hash, channel, issued_at, expires_at
FROM confirmation_codes WHERE contract_id = ? AND party_id = ?`,
		contractID, partyID,
	).Scan(&record.ContractID, &record.PartyID, &record.CodeHash, &record.Channel, &issuedMillis, &expiresMillis)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CodeRecord{}, storage.ErrNotFound
		}
		return storage.CodeRecord{}, fmt.Errorf("get code: %w", err)
	}
	record.IssuedAt = fromMillis(issuedMillis)
	record.ExpiresAt = fromMillis(expiresMillis)
	return record, nil
}

// PutConfirmation upserts a party's confirmation state.
func (s *Store) PutConfirmation(ctx context.Context, record storage.ConfirmationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ContractID) == "" || strings.TrimSpace(record.PartyID) == "" {
		return fmt.Errorf("contract id and party id are required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO confirmations (contract_id, party_id, accepted, locked, attempts, channel, confirmed_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (contract_id, party_id) DO UPDATE SET
    accepted = excluded.accepted,
    locked = excluded.locked,
    attempts = excluded.attempts,
    channel = excluded.channel,
    confirmed_at = excluded.confirmed_at,
    updated_at = excluded.updated_at`,
		record.ContractID, record.PartyID, boolToInt(record.Accepted), boolToInt(record.Locked),
		record.Attempts, record.Channel, toNullMillis(record.ConfirmedAt), toMillis(record.UpdatedAt),
	); err != nil {
		return fmt.Errorf("put confirmation: %w", err)
	}
	return nil
}

// GetConfirmation loads a party's confirmation state.
func (s *Store) GetConfirmation(ctx context.Context, contractID, partyID string) (storage.ConfirmationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConfirmationRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ConfirmationRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, confirmationSelect+" WHERE contract_id = ? AND party_id = ?", contractID, partyID)
	record, err := scanConfirmation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ConfirmationRecord{}, storage.ErrNotFound
		}
		return storage.ConfirmationRecord{}, fmt.Errorf("get confirmation: %w", err)
	}
	return record, nil
}

// ListConfirmations returns all confirmation records for a contract.
func (s *Store) ListConfirmations(ctx context.Context, contractID string) ([]storage.ConfirmationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(contractID) == "" {
		return nil, fmt.Errorf("contract id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, confirmationSelect+" WHERE contract_id = ? ORDER BY party_id ASC", contractID)
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	defer rows.Close()

	var records []storage.ConfirmationRecord
	for rows.Next() {
		record, err := scanConfirmation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate confirmations: %w", err)
	}
	return records, nil
}

const confirmationSelect = `
SELECT contract_id, party_id, accepted, locked, attempts, channel, confirmed_at, updated_at
FROM confirmations`

func scanConfirmation(row rowScanner) (storage.ConfirmationRecord, error) {
	var (
		record        storage.ConfirmationRecord
		accepted      int
		locked        int
		confirmedAt   sql.NullInt64
		updatedMillis int64
	)
	if err := row.Scan(
		&record.ContractID, &record.PartyID, &accepted, &locked,
		&record.Attempts, &record.Channel, &confirmedAt, &updatedMillis,
	); err != nil {
		return storage.ConfirmationRecord{}, err
	}
	record.Accepted = accepted != 0
	record.Locked = locked != 0
	record.ConfirmedAt = fromNullMillis(confirmedAt)
	record.UpdatedAt = fromMillis(updatedMillis)
	return record, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
