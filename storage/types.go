package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	// SecurityEventFingerprintMismatch records a peer serving a key that does
	// not hash to the advertised fingerprint.
	SecurityEventFingerprintMismatch = "fingerprint_mismatch"
	// SecurityEventServerStartFailed records a key server bind failure.
	SecurityEventServerStartFailed = "server_start_failed"
)

const (
	TransferDirectionServed   = "served"
	TransferDirectionReceived = "received"
)

const (
	TransferOutcomeSuccess   = "success"
	TransferOutcomeNotFound  = "not_found"
	TransferOutcomeTimeout   = "timeout"
	TransferOutcomeCancelled = "cancelled"
	TransferOutcomeFailed    = "failed"
)

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID          int64
	EventType   string
	PeerName    *string
	Fingerprint *string
	Details     string
	Severity    string
	Timestamp   int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	Fingerprint   string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// TransferRecord is one served or received key transfer.
type TransferRecord struct {
	ID          int64
	Direction   string
	Outcome     string
	Fingerprint string
	PeerName    *string
	PeerAddress *string
	Bytes       int64
	Timestamp   int64
}

// SignatureRecord is one user identity certified by a local secret key.
type SignatureRecord struct {
	ID                int64
	Fingerprint       string
	UID               string
	SignerFingerprint string
	ExportPath        *string
	Timestamp         int64
}

// DisabledKey marks a key the user excluded from presenting and signing.
type DisabledKey struct {
	Fingerprint string
	Reason      string
	Timestamp   int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionServed, TransferDirectionReceived:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferOutcome(outcome string) error {
	switch outcome {
	case TransferOutcomeSuccess, TransferOutcomeNotFound, TransferOutcomeTimeout, TransferOutcomeCancelled, TransferOutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer outcome %q", outcome)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func trimmedPtr(ptr *string) *string {
	if ptr == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func clampLimit(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
