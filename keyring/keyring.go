// Package keyring exposes the local OpenPGP keyring and the usable-key directory built on it.
package keyring

import "keysign/models"

// Entry is a key as listed by a keyring, with its usability flags.
type Entry struct {
	Key      models.Key
	Secret   bool
	Invalid  bool
	Disabled bool
	Expired  bool
	Revoked  bool
}

// Usable reports whether the key may be offered or signed.
func (e Entry) Usable() bool {
	return !e.Invalid && !e.Disabled && !e.Expired && !e.Revoked
}

// Keyring is the keyring collaborator used by the directory, the session and the signer.
type Keyring interface {
	// ListKeys returns keys matching pattern; an empty pattern lists everything.
	ListKeys(pattern string, secretOnly bool) ([]Entry, error)
	// ExportKeyData returns the armored public key for fpr.
	ExportKeyData(fpr string) ([]byte, error)
	// ImportPublicKeyData imports exactly one public key and returns its
	// fingerprint. Secret key material is refused.
	ImportPublicKeyData(data []byte) (string, error)
	// SignUID certifies uid on key fpr with the secret key signerFpr and
	// returns an export containing only that identity.
	SignUID(fpr, uid, signerFpr string) ([]byte, error)
}
