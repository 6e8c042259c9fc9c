package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voicepact/voicepact/internal/contract/event"
	"github.com/voicepact/voicepact/internal/storage"
	"github.com/voicepact/voicepact/internal/storage/integrity"
)

// EventStore methods (hash-chained audit journal)

// AppendEvent atomically appends an event and returns it with sequence,
// hashes, and signature set. Deduplication of redelivered facts happens
// in the domain layers before anything reaches the journal; every
// accepted append is a new row.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stored, err := s.appendEventTx(ctx, tx, evt)
	if err != nil {
		return event.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// appendEventTx assigns the next sequence, computes the event and chain
// hashes, signs the chain hash, and inserts the row inside tx.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, evt event.Event) (event.Event, error) {
	if s.keyring == nil {
		return event.Event{}, fmt.Errorf("event integrity keyring is required")
	}
	if !evt.Type.IsValid() {
		return event.Event{}, fmt.Errorf("event type is required")
	}
	if strings.TrimSpace(evt.ContractID) == "" {
		return event.Event{}, fmt.Errorf("contract id is required")
	}

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO event_seq (contract_id, next_seq) VALUES (?, 1)",
		evt.ContractID,
	); err != nil {
		return event.Event{}, fmt.Errorf("init event seq: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT next_seq FROM event_seq WHERE contract_id = ?",
		evt.ContractID,
	).Scan(&seq); err != nil {
		return event.Event{}, fmt.Errorf("get event seq: %w", err)
	}
	evt.Seq = uint64(seq)

	if _, err := tx.ExecContext(ctx,
		"UPDATE event_seq SET next_seq = next_seq + 1 WHERE contract_id = ?",
		evt.ContractID,
	); err != nil {
		return event.Event{}, fmt.Errorf("increment event seq: %w", err)
	}

	hash, err := integrity.EventHash(evt)
	if err != nil {
		return event.Event{}, fmt.Errorf("compute event hash: %w", err)
	}
	evt.Hash = hash

	prevHash := ""
	if evt.Seq > 1 {
		if err := tx.QueryRowContext(ctx,
			"SELECT chain_hash FROM events WHERE contract_id = ? AND seq = ?",
			evt.ContractID, seq-1,
		).Scan(&prevHash); err != nil {
			return event.Event{}, fmt.Errorf("load previous event: %w", err)
		}
	}

	chainHash, err := integrity.ChainHash(evt, prevHash)
	if err != nil {
		return event.Event{}, fmt.Errorf("compute chain hash: %w", err)
	}

	signature, keyID, err := s.keyring.SignChainHash(evt.ContractID, chainHash)
	if err != nil {
		return event.Event{}, fmt.Errorf("sign chain hash: %w", err)
	}

	evt.PrevHash = prevHash
	evt.ChainHash = chainHash
	evt.Signature = signature
	evt.SignatureKeyID = keyID

	if _, err := tx.ExecContext(ctx, `
INSERT INTO events (
    contract_id, seq, event_hash, prev_event_hash, chain_hash,
    signature_key_id, event_signature, timestamp, event_type,
    actor_type, actor_id, channel, payload_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ContractID, int64(evt.Seq), evt.Hash, prevHash, chainHash,
		keyID, signature, toMillis(evt.Timestamp), string(evt.Type),
		string(evt.ActorType), evt.ActorID, evt.Channel, evt.PayloadJSON,
	); err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	return evt, nil
}

// GetEventBySeq retrieves a specific event by sequence number.
func (s *Store) GetEventBySeq(ctx context.Context, contractID string, seq uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(contractID) == "" {
		return event.Event{}, fmt.Errorf("contract id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, eventSelect+" WHERE contract_id = ? AND seq = ?", contractID, int64(seq))
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("get event by seq: %w", err)
	}
	return evt, nil
}

// ListEvents returns events ordered by sequence ascending.
func (s *Store) ListEvents(ctx context.Context, contractID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(contractID) == "" {
		return nil, fmt.Errorf("contract id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		eventSelect+" WHERE contract_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?",
		contractID, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetLatestEventSeq returns the latest event sequence number for a contract.
func (s *Store) GetLatestEventSeq(ctx context.Context, contractID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(contractID) == "" {
		return 0, fmt.Errorf("contract id is required")
	}

	var seq sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM events WHERE contract_id = ?", contractID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get latest event seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// VerifyChain recomputes every hash for a contract's journal from the
// beginning and reports the first point of divergence.
func (s *Store) VerifyChain(ctx context.Context, contractID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if s.keyring == nil {
		return fmt.Errorf("event integrity keyring is required")
	}

	var lastSeq uint64
	prevChainHash := ""
	for {
		events, err := s.ListEvents(ctx, contractID, lastSeq, 200)
		if err != nil {
			return fmt.Errorf("list events contract_id=%s: %w", contractID, err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, evt := range events {
			if evt.Seq != lastSeq+1 {
				return &storage.ChainDivergenceError{ContractID: contractID, Seq: lastSeq + 1, Field: "seq_gap"}
			}
			if evt.Seq == 1 && evt.PrevHash != "" {
				return &storage.ChainDivergenceError{ContractID: contractID, Seq: evt.Seq, Field: "prev_hash"}
			}
			if evt.Seq > 1 && evt.PrevHash != prevChainHash {
				return &storage.ChainDivergenceError{ContractID: contractID, Seq: evt.Seq, Field: "prev_hash"}
			}

			hash, err := integrity.EventHash(evt)
			if err != nil {
				return fmt.Errorf("compute event hash contract_id=%s seq=%d: %w", contractID, evt.Seq, err)
			}
			if hash != evt.Hash {
				return &storage.ChainDivergenceError{ContractID: contractID, Seq: evt.Seq, Field: "event_hash"}
			}

			chainHash, err := integrity.ChainHash(evt, prevChainHash)
			if err != nil {
				return fmt.Errorf("compute chain hash contract_id=%s seq=%d: %w", contractID, evt.Seq, err)
			}
			if chainHash != evt.ChainHash {
				return &storage.ChainDivergenceError{ContractID: contractID, Seq: evt.Seq, Field: "chain_hash"}
			}

			if err := s.keyring.VerifyChainHash(contractID, chainHash, evt.Signature, evt.SignatureKeyID); err != nil {
				return &storage.ChainDivergenceError{ContractID: contractID, Seq: evt.Seq, Field: "signature"}
			}

			prevChainHash = evt.ChainHash
			lastSeq = evt.Seq
		}
	}
}

// VerifyAllChains verifies every contract journal, for startup integrity
// checks. A diverged contract does not stop the sweep; the caller gets
// every divergence found.
func (s *Store) VerifyAllChains(ctx context.Context) ([]storage.ChainDivergenceError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT DISTINCT contract_id FROM events ORDER BY contract_id")
	if err != nil {
		return nil, fmt.Errorf("list contract ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contract id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contract ids: %w", err)
	}

	var diverged []storage.ChainDivergenceError
	for _, id := range ids {
		err := s.VerifyChain(ctx, id)
		if err == nil {
			continue
		}
		var divergence *storage.ChainDivergenceError
		if !errors.As(err, &divergence) {
			return nil, err
		}
		diverged = append(diverged, *divergence)
	}
	return diverged, nil
}

const eventSelect = `
SELECT contract_id, seq, event_hash, prev_event_hash, chain_hash,
       signature_key_id, event_signature, timestamp, event_type,
       actor_type, actor_id, channel, payload_json
FROM events`

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt       event.Event
		seq       int64
		timestamp int64
		eventType string
		actorType string
	)
	if err := row.Scan(
		&evt.ContractID, &seq, &evt.Hash, &evt.PrevHash, &evt.ChainHash,
		&evt.SignatureKeyID, &evt.Signature, &timestamp, &eventType,
		&actorType, &evt.ActorID, &evt.Channel, &evt.PayloadJSON,
	); err != nil {
		return event.Event{}, err
	}
	evt.Seq = uint64(seq)
	evt.Timestamp = fromMillis(timestamp)
	evt.Type = event.Type(eventType)
	evt.ActorType = event.ActorType(actorType)
	return evt, nil
}
