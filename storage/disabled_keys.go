package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"keysign/fingerprint"
)

// DisableKey hides a key from the usable key directory.
func (s *Store) DisableKey(fpr, reason string) error {
	fpr = fingerprint.Normalize(fpr)
	if fpr == "" {
		return errors.New("fingerprint is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO disabled_keys (fingerprint, reason, timestamp) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET reason = excluded.reason, timestamp = excluded.timestamp`,
		fpr,
		reason,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("disable key %q: %w", fpr, err)
	}
	return nil
}

// EnableKey removes a disable marker. ErrNotFound is returned when none existed.
func (s *Store) EnableKey(fpr string) error {
	fpr = fingerprint.Normalize(fpr)
	res, err := s.db.Exec(`DELETE FROM disabled_keys WHERE fingerprint = ?`, fpr)
	if err != nil {
		return fmt.Errorf("enable key %q: %w", fpr, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for enable key: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// IsKeyDisabled reports whether fpr carries a disable marker.
func (s *Store) IsKeyDisabled(fpr string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM disabled_keys WHERE fingerprint = ?`,
		fingerprint.Normalize(fpr),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check disabled key: %w", err)
	}
	return true, nil
}

// ListDisabledKeys returns every disabled key, most recent first.
func (s *Store) ListDisabledKeys() ([]DisabledKey, error) {
	rows, err := s.db.Query(`SELECT fingerprint, reason, timestamp FROM disabled_keys ORDER BY timestamp DESC, fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("list disabled keys: %w", err)
	}
	defer rows.Close()

	keys := make([]DisabledKey, 0)
	for rows.Next() {
		var key DisabledKey
		if err := rows.Scan(&key.Fingerprint, &key.Reason, &key.Timestamp); err != nil {
			return nil, fmt.Errorf("scan disabled key row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disabled key rows: %w", err)
	}
	return keys, nil
}
