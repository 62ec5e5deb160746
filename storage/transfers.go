package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"keysign/fingerprint"
)

// RecordTransfer appends one key transfer outcome to the transfer log.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if err := validateTransferDirection(record.Direction); err != nil {
		return err
	}
	if record.Outcome == "" {
		record.Outcome = TransferOutcomeSuccess
	}
	if err := validateTransferOutcome(record.Outcome); err != nil {
		return err
	}
	record.Fingerprint = fingerprint.Normalize(record.Fingerprint)
	if record.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if record.Bytes < 0 {
		return errors.New("bytes must be >= 0")
	}
	if record.Timestamp == 0 {
		record.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO key_transfers (
			direction,
			outcome,
			fingerprint,
			peer_name,
			peer_address,
			bytes,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.Direction,
		record.Outcome,
		record.Fingerprint,
		nullString(trimmedPtr(record.PeerName)),
		nullString(trimmedPtr(record.PeerAddress)),
		record.Bytes,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert key transfer for %q: %w", record.Fingerprint, err)
	}
	return nil
}

// ListTransfers returns transfer log rows newest first. An empty fpr lists all.
func (s *Store) ListTransfers(fpr string, limit, offset int) ([]TransferRecord, error) {
	q := newListQuery("key_transfers",
		"id", "direction", "outcome", "fingerprint", "peer_name", "peer_address", "bytes", "timestamp")
	if fpr != "" {
		q.filter("fingerprint = ?", fingerprint.Normalize(fpr))
	}
	query, args := q.page(limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list key transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		var (
			record      TransferRecord
			peerName    sql.NullString
			peerAddress sql.NullString
		)
		if err := rows.Scan(
			&record.ID,
			&record.Direction,
			&record.Outcome,
			&record.Fingerprint,
			&peerName,
			&peerAddress,
			&record.Bytes,
			&record.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan key transfer row: %w", err)
		}
		record.PeerName = stringPtr(peerName)
		record.PeerAddress = stringPtr(peerAddress)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key transfer rows: %w", err)
	}

	return records, nil
}
