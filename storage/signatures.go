package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"keysign/fingerprint"
)

// RecordSignature stores one certified user identity.
func (s *Store) RecordSignature(record SignatureRecord) error {
	record.Fingerprint = fingerprint.Normalize(record.Fingerprint)
	record.SignerFingerprint = fingerprint.Normalize(record.SignerFingerprint)
	if record.Fingerprint == "" || record.SignerFingerprint == "" {
		return errors.New("fingerprint and signer fingerprint are required")
	}
	if strings.TrimSpace(record.UID) == "" {
		return errors.New("uid is required")
	}
	if record.Timestamp == 0 {
		record.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO signatures (
			fingerprint,
			uid,
			signer_fingerprint,
			export_path,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		record.Fingerprint,
		record.UID,
		record.SignerFingerprint,
		nullString(trimmedPtr(record.ExportPath)),
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert signature for %q: %w", record.Fingerprint, err)
	}
	return nil
}

// ListSignatures returns signature history newest first. An empty fpr lists all.
func (s *Store) ListSignatures(fpr string, limit, offset int) ([]SignatureRecord, error) {
	q := newListQuery("signatures", "id", "fingerprint", "uid", "signer_fingerprint", "export_path", "timestamp")
	if fpr != "" {
		q.filter("fingerprint = ?", fingerprint.Normalize(fpr))
	}
	query, args := q.page(limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	defer rows.Close()

	records := make([]SignatureRecord, 0)
	for rows.Next() {
		record, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signature row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signature rows: %w", err)
	}
	return records, nil
}

func scanSignature(row scanner) (*SignatureRecord, error) {
	var (
		record     SignatureRecord
		exportPath sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&record.Fingerprint,
		&record.UID,
		&record.SignerFingerprint,
		&exportPath,
		&record.Timestamp,
	); err != nil {
		return nil, err
	}
	record.ExportPath = stringPtr(exportPath)
	return &record, nil
}
