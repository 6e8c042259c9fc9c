package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/voicepact/voicepact/internal/storage"
)

// EscrowStore methods

// PutEscrow inserts a new escrow operation record. A duplicate idempotency
// key returns ErrConflict so callers can fall back to the stored record.
func (s *Store) PutEscrow(ctx context.Context, record storage.EscrowRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("escrow id is required")
	}
	if strings.TrimSpace(record.IdempotencyKey) == "" {
		return fmt.Errorf("idempotency key is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO escrow_records (
    id, contract_id, operation, idempotency_key, status, amount, currency,
    provider_ref, attempts, reason, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ContractID, record.Operation, record.IdempotencyKey,
		string(record.Status), record.Amount, record.Currency,
		record.ProviderRef, record.Attempts, record.Reason,
		toMillis(record.CreatedAt), toMillis(record.UpdatedAt),
	); err != nil {
		if isConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put escrow: %w", err)
	}
	return nil
}

// UpdateEscrow rewrites the mutable fields of an escrow record.
func (s *Store) UpdateEscrow(ctx context.Context, record storage.EscrowRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE escrow_records SET
    status = ?, provider_ref = ?, attempts = ?, reason = ?, updated_at = ?
WHERE id = ?`,
		string(record.Status), record.ProviderRef, record.Attempts, record.Reason,
		toMillis(record.UpdatedAt), record.ID,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetEscrow loads an escrow record by id.
func (s *Store) GetEscrow(ctx context.Context, escrowID string) (storage.EscrowRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EscrowRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EscrowRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, escrowSelect+" WHERE id = ?", escrowID)
	record, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.EscrowRecord{}, storage.ErrNotFound
		}
		return storage.EscrowRecord{}, fmt.Errorf("get escrow: %w", err)
	}
	return record, nil
}

// GetEscrowByIdempotencyKey loads the escrow record a replayed operation maps to.
func (s *Store) GetEscrowByIdempotencyKey(ctx context.Context, key string) (storage.EscrowRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EscrowRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EscrowRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return storage.EscrowRecord{}, fmt.Errorf("idempotency key is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, escrowSelect+" WHERE idempotency_key = ?", key)
	record, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.EscrowRecord{}, storage.ErrNotFound
		}
		return storage.EscrowRecord{}, fmt.Errorf("get escrow by idempotency key: %w", err)
	}
	return record, nil
}

// ListEscrowsByContract returns escrow records for a contract, oldest first.
func (s *Store) ListEscrowsByContract(ctx context.Context, contractID string) ([]storage.EscrowRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(contractID) == "" {
		return nil, fmt.Errorf("contract id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, escrowSelect+" WHERE contract_id = ? ORDER BY created_at ASC, id ASC", contractID)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var records []storage.EscrowRecord
	for rows.Next() {
		record, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrows: %w", err)
	}
	return records, nil
}

const escrowSelect = `
SELECT id, contract_id, operation, idempotency_key, status, amount, currency,
       provider_ref, attempts, reason, created_at, updated_at
FROM escrow_records`

func scanEscrow(row rowScanner) (storage.EscrowRecord, error) {
	var (
		record        storage.EscrowRecord
		status        string
		createdMillis int64
		updatedMillis int64
	)
	if err := row.Scan(
		&record.ID, &record.ContractID, &record.Operation, &record.IdempotencyKey,
		&status, &record.Amount, &record.Currency,
		&record.ProviderRef, &record.Attempts, &record.Reason,
		&createdMillis, &updatedMillis,
	); err != nil {
		return storage.EscrowRecord{}, err
	}
	record.Status = storage.EscrowStatus(status)
	record.CreatedAt = fromMillis(createdMillis)
	record.UpdatedAt = fromMillis(updatedMillis)
	return record, nil
}
