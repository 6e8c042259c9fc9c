package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/voicepact/voicepact/internal/storage"
)

// SignatureStore methods

// PutSignature upserts a party's signature verification outcome.
func (s *Store) PutSignature(ctx context.Context, record storage.SignatureRecord) error {
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
INSERT INTO signatures (contract_id, party_id, verified, terms_hash, signature, reason, verified_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (contract_id, party_id) DO UPDATE SET
    verified = excluded.verified,
    terms_hash = excluded.terms_hash,
    signature = excluded.signature,
    reason = excluded.reason,
    verified_at = excluded.verified_at`,
		record.ContractID, record.PartyID, boolToInt(record.Verified),
		record.TermsHash, record.Signature, record.Reason, toMillis(record.VerifiedAt),
	); err != nil {
		return fmt.Errorf("put signature: %w", err)
	}
	return nil
}

// GetSignature loads a party's signature verification outcome.
func (s *Store) GetSignature(ctx context.Context, contractID, partyID string) (storage.SignatureRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SignatureRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SignatureRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, signatureSelect+" WHERE contract_id = ? AND party_id = ?", contractID, partyID)
	record, err := scanSignature(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SignatureRecord{}, storage.ErrNotFound
		}
		return storage.SignatureRecord{}, fmt.Errorf("get signature: %w", err)
	}
	return record, nil
}

// ListSignatures returns all signature records for a contract.
func (s *Store) ListSignatures(ctx context.Context, contractID string) ([]storage.SignatureRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(contractID) == "" {
		return nil, fmt.Errorf("contract id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, signatureSelect+" WHERE contract_id = ? ORDER BY party_id ASC", contractID)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	defer rows.Close()

	var records []storage.SignatureRecord
	for rows.Next() {
		record, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signatures: %w", err)
	}
	return records, nil
}

const signatureSelect = `
SELECT contract_id, party_id, verified, terms_hash, signature, reason, verified_at
FROM signatures`

func scanSignature(row rowScanner) (storage.SignatureRecord, error) {
	var (
		record         storage.SignatureRecord
		verified       int
		verifiedMillis int64
	)
	if err := row.Scan(
		&record.ContractID, &record.PartyID, &verified,
		&record.TermsHash, &record.Signature, &record.Reason, &verifiedMillis,
	); err != nil {
		return storage.SignatureRecord{}, err
	}
	record.Verified = verified != 0
	record.VerifiedAt = fromMillis(verifiedMillis)
	return record, nil
}
