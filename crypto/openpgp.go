package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
	_ "golang.org/x/crypto/ripemd160" // registers RIPEMD160, the OpenPGP fallback hash for keys without preferences

	"keysign/models"
)

// DefaultConfig is used for signatures created by this module.
var DefaultConfig = &packet.Config{DefaultHash: stdcrypto.SHA256}

var (
	// ErrNoKeyMaterial indicates data parsed cleanly but contained no keys.
	ErrNoKeyMaterial = errors.New("crypto: no OpenPGP key material")
	// ErrSecretKeyMaterial rejects secret keys where only public keys are accepted.
	ErrSecretKeyMaterial = errors.New("crypto: unexpected secret key material")
)

// MessageType is the armor block type of encrypted messages.
const MessageType = "PGP MESSAGE"

// ReadEntities parses armored or binary OpenPGP key material.
func ReadEntities(data []byte) (openpgp.EntityList, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNoKeyMaterial
	}

	if block, err := armor.Decode(bytes.NewReader(data)); err == nil {
		if block.Type != openpgp.PublicKeyType && block.Type != openpgp.PrivateKeyType {
			return nil, fmt.Errorf("unsupported armored block type %q", block.Type)
		}
		entities, err := openpgp.ReadKeyRing(block.Body)
		if err != nil {
			return nil, fmt.Errorf("parse armored key: %w", err)
		}
		return nonEmpty(entities)
	}

	entities, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return nonEmpty(entities)
}

// ReadSingleEntity parses key material that must contain exactly one key.
func ReadSingleEntity(data []byte) (*openpgp.Entity, error) {
	entities, err := ReadEntities(data)
	if err != nil {
		return nil, err
	}
	if len(entities) != 1 {
		return nil, fmt.Errorf("expected exactly one key, got %d", len(entities))
	}
	return entities[0], nil
}

// Fingerprint returns the uppercase hex fingerprint of an entity's primary key.
func Fingerprint(entity *openpgp.Entity) string {
	if entity == nil || entity.PrimaryKey == nil {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint[:]))
}

// ReadPublicEntity parses a single key that must not carry any secret key
// packets, on the primary key or on a subkey.
func ReadPublicEntity(data []byte) (*openpgp.Entity, error) {
	entity, err := ReadSingleEntity(data)
	if err != nil {
		return nil, err
	}
	if entity.PrivateKey != nil {
		return nil, fmt.Errorf("key %s: %w", Fingerprint(entity), ErrSecretKeyMaterial)
	}
	for _, subkey := range entity.Subkeys {
		if subkey.PrivateKey != nil {
			return nil, fmt.Errorf("subkey of %s: %w", Fingerprint(entity), ErrSecretKeyMaterial)
		}
	}
	return entity, nil
}

// EncryptArmored encrypts data to recipient and returns an armored message.
func EncryptArmored(data []byte, recipient *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := armor.Encode(&buf, MessageType, nil)
	if err != nil {
		return nil, fmt.Errorf("armor message: %w", err)
	}
	plaintext, err := openpgp.Encrypt(writer, []*openpgp.Entity{recipient}, nil, &openpgp.FileHints{IsBinary: true}, DefaultConfig)
	if err != nil {
		return nil, fmt.Errorf("encrypt to %s: %w", Fingerprint(recipient), err)
	}
	if _, err := plaintext.Write(data); err != nil {
		return nil, fmt.Errorf("encrypt to %s: %w", Fingerprint(recipient), err)
	}
	if err := plaintext.Close(); err != nil {
		return nil, fmt.Errorf("finish encryption: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close message armor: %w", err)
	}
	return buf.Bytes(), nil
}

// ArmorPublic serializes the public parts of entities into one armored block.
func ArmorPublic(entities ...*openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, fmt.Errorf("armor public key: %w", err)
	}
	for _, entity := range entities {
		if err := serializePublic(writer, entity); err != nil {
			return nil, fmt.Errorf("serialize public key: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close public armor: %w", err)
	}
	return buf.Bytes(), nil
}

// SerializePublic writes entities in binary keyring format.
func SerializePublic(entities openpgp.EntityList) ([]byte, error) {
	var buf bytes.Buffer
	for _, entity := range entities {
		if err := serializePublic(&buf, entity); err != nil {
			return nil, fmt.Errorf("serialize public key %s: %w", Fingerprint(entity), err)
		}
	}
	return buf.Bytes(), nil
}

// SerializePrivate writes secret entities in binary keyring format.
//
// Private keys must be decrypted; identities are re-self-signed on the way out.
func SerializePrivate(entities openpgp.EntityList) ([]byte, error) {
	var buf bytes.Buffer
	for _, entity := range entities {
		if entity.PrivateKey == nil {
			return nil, fmt.Errorf("serialize private key %s: no private key", Fingerprint(entity))
		}
		if err := entity.SerializePrivate(&buf, DefaultConfig); err != nil {
			return nil, fmt.Errorf("serialize private key %s: %w", Fingerprint(entity), err)
		}
	}
	return buf.Bytes(), nil
}

// serializePublic mirrors Entity.Serialize but keeps key revocations, which
// must follow the primary key packet.
func serializePublic(w io.Writer, entity *openpgp.Entity) error {
	if err := entity.PrimaryKey.Serialize(w); err != nil {
		return err
	}
	for _, revocation := range entity.Revocations {
		if err := revocation.Serialize(w); err != nil {
			return err
		}
	}
	for _, name := range identityNames(entity) {
		ident := entity.Identities[name]
		if err := ident.UserId.Serialize(w); err != nil {
			return err
		}
		if err := ident.SelfSignature.Serialize(w); err != nil {
			return err
		}
		for _, sig := range ident.Signatures {
			if err := sig.Serialize(w); err != nil {
				return err
			}
		}
	}
	for _, subkey := range entity.Subkeys {
		if err := subkey.PublicKey.Serialize(w); err != nil {
			return err
		}
		if err := subkey.Sig.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteFileAtomic replaces path with data through a temporary sibling file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file for %q: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file for %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %q: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %q: %w", path, err)
	}
	return nil
}

// KeyFromEntity converts an entity into the structured key model.
func KeyFromEntity(entity *openpgp.Entity) models.Key {
	key := models.Key{
		Fingerprint: Fingerprint(entity),
		Created:     entity.PrimaryKey.CreationTime,
		Expiry:      KeyExpiry(entity),
	}

	for _, name := range identityNames(entity) {
		ident := entity.Identities[name]
		uid := models.ParseUID(name)
		uid.Expiry = key.Expiry
		if sig := ident.SelfSignature; sig != nil && sig.SigLifetimeSecs != nil && *sig.SigLifetimeSecs > 0 {
			expiry := sig.CreationTime.Add(time.Duration(*sig.SigLifetimeSecs) * time.Second)
			uid.Expiry = &expiry
		}
		key.UIDs = append(key.UIDs, uid)
	}

	return key
}

// KeyExpiry returns the primary key expiry, or nil when the key never expires.
func KeyExpiry(entity *openpgp.Entity) *time.Time {
	ident := PrimaryIdentity(entity)
	if ident == nil || ident.SelfSignature == nil {
		return nil
	}
	lifetime := ident.SelfSignature.KeyLifetimeSecs
	if lifetime == nil || *lifetime == 0 {
		return nil
	}
	expiry := entity.PrimaryKey.CreationTime.Add(time.Duration(*lifetime) * time.Second)
	return &expiry
}

// PrimaryIdentity returns the identity flagged primary, else the first by name.
func PrimaryIdentity(entity *openpgp.Entity) *openpgp.Identity {
	names := identityNames(entity)
	if len(names) == 0 {
		return nil
	}
	return entity.Identities[names[0]]
}

// identityNames orders identities primary first, then alphabetically.
func identityNames(entity *openpgp.Entity) []string {
	names := make([]string, 0, len(entity.Identities))
	for name := range entity.Identities {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi := isPrimary(entity.Identities[names[i]])
		pj := isPrimary(entity.Identities[names[j]])
		if pi != pj {
			return pi
		}
		return names[i] < names[j]
	})
	return names
}

func isPrimary(ident *openpgp.Identity) bool {
	return ident != nil && ident.SelfSignature != nil &&
		ident.SelfSignature.IsPrimaryId != nil && *ident.SelfSignature.IsPrimaryId
}

func nonEmpty(entities openpgp.EntityList) (openpgp.EntityList, error) {
	if len(entities) == 0 {
		return nil, ErrNoKeyMaterial
	}
	return entities, nil
}
