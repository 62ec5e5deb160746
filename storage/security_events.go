package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"keysign/fingerprint"
)

// EventDetails encodes key/value context as the JSON text stored in
// SecurityEvent.Details.
func EventDetails(fields map[string]string) string {
	if len(fields) == 0 {
		return "{}"
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// SetSecurityEventRetention configures automatic security-event pruning horizon.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent inserts a structured security event and applies retention pruning.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	peerName := trimmedPtr(event.PeerName)
	var fpr *string
	if event.Fingerprint != nil {
		normalized := fingerprint.Normalize(*event.Fingerprint)
		fpr = trimmedPtr(&normalized)
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (
			event_type,
			peer_name,
			fingerprint,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(peerName),
		nullString(fpr),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}

	return nil
}

// GetSecurityEvents returns recent security events with optional filtering.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	q := newListQuery("security_events",
		"id", "event_type", "peer_name", "fingerprint", "details", "severity", "timestamp")
	if filter.EventType != "" {
		q.filter("event_type = ?", filter.EventType)
	}
	if filter.Fingerprint != "" {
		q.filter("fingerprint = ?", fingerprint.Normalize(filter.Fingerprint))
	}
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
		q.filter("severity = ?", filter.Severity)
	}
	if filter.FromTimestamp != nil {
		q.filter("timestamp >= ?", *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		q.filter("timestamp <= ?", *filter.ToTimestamp)
	}

	query, args := q.page(filter.Limit, filter.Offset)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// PruneSecurityEvents removes security events older than cutoffTimestamp.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for security event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanSecurityEvent(row scanner) (*SecurityEvent, error) {
	var (
		event    SecurityEvent
		peerName sql.NullString
		fpr      sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerName,
		&fpr,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.PeerName = stringPtr(peerName)
	event.Fingerprint = stringPtr(fpr)
	return &event, nil
}
