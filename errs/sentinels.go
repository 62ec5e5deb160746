// Package errs contains sentinel errors shared by the key transfer and signing layers.
package errs

import "errors"

var (
	// ErrKeyring indicates the local keyring could not be read or written.
	ErrKeyring = errors.New("keyring unavailable")

	// ErrNoUsableKey indicates no valid, unexpired, unrevoked key matched a lookup.
	ErrNoUsableKey = errors.New("no usable key")

	// ErrServerStart indicates the key server could not bind its listener.
	ErrServerStart = errors.New("key server start failed")

	// ErrNotFound indicates no discovered peer served a content-verified key.
	ErrNotFound = errors.New("key not found")

	// ErrTimeout indicates a bounded network wait expired before any candidate was tried.
	ErrTimeout = errors.New("timed out")

	// ErrFingerprintMismatch indicates transferred key material does not hash to the requested fingerprint.
	ErrFingerprintMismatch = errors.New("fingerprint mismatch")

	// ErrInvalidFingerprint indicates input that does not normalize to a 40 character fingerprint.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)
