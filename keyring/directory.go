package keyring

import (
	"fmt"

	"keysign/errs"
	"keysign/fingerprint"
	"keysign/models"
)

// Directory lists keys from a Keyring that are fit to present or sign.
// It never writes to the keyring.
type Directory struct {
	keyring Keyring
}

// NewDirectory wraps keyring.
func NewDirectory(keyring Keyring) *Directory {
	return &Directory{keyring: keyring}
}

// ListUsableSecretKeys returns own secret keys that are not invalid, disabled,
// expired or revoked.
func (d *Directory) ListUsableSecretKeys(pattern string) ([]models.Key, error) {
	entries, err := d.keyring.ListKeys(pattern, true)
	if err != nil {
		return nil, fmt.Errorf("list secret keys: %w: %w", errs.ErrKeyring, err)
	}
	return usable(entries), nil
}

// ListUsableKeys applies the same filter to every key in the keyring.
func (d *Directory) ListUsableKeys(pattern string) ([]models.Key, error) {
	entries, err := d.keyring.ListKeys(pattern, false)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w: %w", errs.ErrKeyring, err)
	}
	return usable(entries), nil
}

// RequireSecretKeys is ListUsableSecretKeys for flows that cannot proceed
// without at least one signing key.
func (d *Directory) RequireSecretKeys(pattern string) ([]models.Key, error) {
	keys, err := d.ListUsableSecretKeys(pattern)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no secret key matches %q: %w", pattern, errs.ErrNoUsableKey)
	}
	return keys, nil
}

// LookupUsableKey finds the usable key with exactly fpr.
func (d *Directory) LookupUsableKey(fpr string) (models.Key, error) {
	if !fingerprint.IsValid(fpr) {
		return models.Key{}, fmt.Errorf("lookup %q: %w", fpr, errs.ErrInvalidFingerprint)
	}
	fpr = fingerprint.Normalize(fpr)

	keys, err := d.ListUsableKeys(fpr)
	if err != nil {
		return models.Key{}, err
	}
	for _, key := range keys {
		if fingerprint.Equal(key.Fingerprint, fpr) {
			return key, nil
		}
	}
	return models.Key{}, fmt.Errorf("lookup %s: %w", fpr, errs.ErrNoUsableKey)
}

// ExportKeyData returns the armored public key for fpr.
func (d *Directory) ExportKeyData(fpr string) ([]byte, error) {
	data, err := d.keyring.ExportKeyData(fpr)
	if err != nil {
		return nil, fmt.Errorf("export key: %w", err)
	}
	return data, nil
}

func usable(entries []Entry) []models.Key {
	keys := make([]models.Key, 0, len(entries))
	for _, entry := range entries {
		if entry.Usable() {
			keys = append(keys, entry.Key)
		}
	}
	return keys
}
