package models

import (
	"strings"
	"time"

	"keysign/fingerprint"
)

// UnknownEmail is used when a user identity carries no angle-bracket address.
const UnknownEmail = "unknown"

// UID is one user identity bound to a key.
type UID struct {
	Name    string     `json:"name"`
	Comment string     `json:"comment,omitempty"`
	Email   string     `json:"email"`
	Expiry  *time.Time `json:"expiry,omitempty"`
	// Raw is the identity string exactly as stored in the keyring.
	Raw string `json:"raw"`
}

// ParseUID splits a "Name (Comment) <email>" identity string.
func ParseUID(raw string) UID {
	uid := UID{Raw: raw, Email: UnknownEmail}

	nameEnd := len(raw)
	if open := strings.IndexByte(raw, '('); open >= 0 {
		if closeIdx := strings.IndexByte(raw[open+1:], ')'); closeIdx >= 0 {
			uid.Comment = strings.TrimSpace(raw[open+1 : open+1+closeIdx])
			nameEnd = open
		}
	}
	if open := strings.IndexByte(raw, '<'); open >= 0 {
		rest := raw[open+1:]
		if closeIdx := strings.IndexByte(rest, '>'); closeIdx >= 0 {
			rest = rest[:closeIdx]
		}
		uid.Email = strings.TrimSpace(rest)
		if open < nameEnd {
			nameEnd = open
		}
	}
	uid.Name = strings.TrimSpace(raw[:nameEnd])

	return uid
}

// String formats the identity as "Name (Comment) <email>" or "Name <email>".
func (u UID) String() string {
	if u.Comment != "" {
		return u.Name + " (" + u.Comment + ") <" + u.Email + ">"
	}
	return u.Name + " <" + u.Email + ">"
}

// Key identifies an OpenPGP key and the identities bound to it.
type Key struct {
	Fingerprint string     `json:"fingerprint"`
	Created     time.Time  `json:"created"`
	Expiry      *time.Time `json:"expiry,omitempty"`
	UIDs        []UID      `json:"uids"`
}

// Same reports whether both keys carry the same fingerprint.
func (k Key) Same(other Key) bool {
	return fingerprint.Equal(k.Fingerprint, other.Fingerprint)
}

// KeyID returns the long key ID, the last 16 fingerprint characters.
func (k Key) KeyID() string {
	fpr := fingerprint.Normalize(k.Fingerprint)
	if len(fpr) < 16 {
		return fpr
	}
	return fpr[len(fpr)-16:]
}

// Header returns the short key ID followed by the creation date.
func (k Key) Header() string {
	fpr := fingerprint.Normalize(k.Fingerprint)
	if len(fpr) > 8 {
		fpr = fpr[len(fpr)-8:]
	}
	if k.Created.IsZero() {
		return fpr
	}
	return fpr + " " + k.Created.UTC().Format("2006-01-02")
}

// ExpiryText returns a human readable expiry line.
func (k Key) ExpiryText() string {
	if k.Expiry == nil {
		return "No expiration date"
	}
	return "Expires " + k.Expiry.UTC().Format("2006-01-02")
}
