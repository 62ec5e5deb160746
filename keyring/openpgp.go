package keyring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"

	"keysign/crypto"
	"keysign/errs"
	"keysign/fingerprint"
	"keysign/models"
)

const (
	// PublicRingName is the binary public keyring file inside the keyring directory.
	PublicRingName = "pubring.gpg"
	// SecretRingName is the binary secret keyring file inside the keyring directory.
	SecretRingName = "secring.gpg"
)

// ErrEncryptedSecretKey is returned when importing passphrase-protected secret keys.
var ErrEncryptedSecretKey = errors.New("encrypted secret keys are not supported")

// Options configures an OpenPGPKeyring.
type Options struct {
	// IsDisabled reports keys the user disabled locally.
	IsDisabled func(fpr string) bool
	// Trace receives one call per keyring operation.
	Trace  func(op string, fields ...zap.Field)
	Logger *zap.Logger
	Config *packet.Config
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IsDisabled == nil {
		o.IsDisabled = func(string) bool { return false }
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Trace == nil {
		logger := o.Logger
		o.Trace = func(op string, fields ...zap.Field) {
			logger.Debug("keyring "+op, fields...)
		}
	}
	if o.Config == nil {
		o.Config = crypto.DefaultConfig
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// OpenPGPKeyring is a file-backed keyring stored as pubring.gpg and secring.gpg.
type OpenPGPKeyring struct {
	dir  string
	opts Options

	mu     sync.RWMutex
	public openpgp.EntityList
	secret openpgp.EntityList
}

// Open loads the keyring in dir, creating the directory when missing.
func Open(dir string, opts Options) (*OpenPGPKeyring, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keyring directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keyring directory: %w", err)
	}

	k := &OpenPGPKeyring{dir: dir, opts: opts.withDefaults()}

	public, err := readRing(filepath.Join(dir, PublicRingName))
	if err != nil {
		return nil, fmt.Errorf("load public keyring: %w", err)
	}
	secret, err := readRing(filepath.Join(dir, SecretRingName))
	if err != nil {
		return nil, fmt.Errorf("load secret keyring: %w", err)
	}
	k.public = public
	k.secret = secret

	// A secret key always has a public half in pubring.
	for _, entity := range secret {
		if findEntity(k.public, crypto.Fingerprint(entity)) == nil {
			k.public = append(k.public, entity)
		}
	}

	k.opts.Trace("open", zap.String("dir", dir), zap.Int("public", len(k.public)), zap.Int("secret", len(k.secret)))
	return k, nil
}

// Dir returns the keyring directory.
func (k *OpenPGPKeyring) Dir() string {
	return k.dir
}

// ListKeys implements Keyring.
func (k *OpenPGPKeyring) ListKeys(pattern string, secretOnly bool) ([]Entry, error) {
	k.opts.Trace("list", zap.String("pattern", pattern), zap.Bool("secret_only", secretOnly))

	k.mu.RLock()
	defer k.mu.RUnlock()

	now := k.opts.Now()
	entries := make([]Entry, 0, len(k.public))
	for _, entity := range k.public {
		fpr := crypto.Fingerprint(entity)
		secret := findEntity(k.secret, fpr) != nil
		if secretOnly && !secret {
			continue
		}
		key := crypto.KeyFromEntity(entity)
		if !matches(key, pattern) {
			continue
		}
		entries = append(entries, Entry{
			Key:      key,
			Secret:   secret,
			Invalid:  isInvalid(entity),
			Disabled: k.opts.IsDisabled(fpr),
			Expired:  key.Expiry != nil && !now.Before(*key.Expiry),
			Revoked:  len(entity.Revocations) > 0,
		})
	}
	return entries, nil
}

// ExportKeyData implements Keyring.
func (k *OpenPGPKeyring) ExportKeyData(fpr string) ([]byte, error) {
	fpr = fingerprint.Normalize(fpr)
	k.opts.Trace("export", zap.String("fingerprint", fpr))

	k.mu.RLock()
	defer k.mu.RUnlock()

	entity := findEntity(k.public, fpr)
	if entity == nil {
		return nil, fmt.Errorf("export %s: %w", fpr, errs.ErrNoUsableKey)
	}
	return crypto.ArmorPublic(entity)
}

// KeyFromData parses transferred data holding exactly one key.
func (k *OpenPGPKeyring) KeyFromData(data []byte) (models.Key, error) {
	k.opts.Trace("parse", zap.Int("bytes", len(data)))
	return KeyFromData(data)
}

// KeyFromData parses data holding exactly one public key and recomputes its
// fingerprint. Data carrying secret key packets is refused.
func KeyFromData(data []byte) (models.Key, error) {
	entity, err := crypto.ReadPublicEntity(data)
	if err != nil {
		return models.Key{}, err
	}
	return crypto.KeyFromEntity(entity), nil
}

// ImportKeyData imports one key from a trusted local source. An unencrypted
// secret key becomes one of the user's own keys. Signatures and identities on
// an already known key are merged in.
func (k *OpenPGPKeyring) ImportKeyData(data []byte) (string, error) {
	imported, err := crypto.ReadSingleEntity(data)
	if err != nil {
		return "", fmt.Errorf("import key: %w", err)
	}
	k.opts.Trace("import", zap.String("fingerprint", crypto.Fingerprint(imported)), zap.Bool("secret", imported.PrivateKey != nil))
	return k.importEntity(imported)
}

// ImportPublicKeyData implements Keyring. It is the import path for data
// received from peers and never touches the secret keyring.
func (k *OpenPGPKeyring) ImportPublicKeyData(data []byte) (string, error) {
	imported, err := crypto.ReadPublicEntity(data)
	if err != nil {
		return "", fmt.Errorf("import key: %w", err)
	}
	k.opts.Trace("import public", zap.String("fingerprint", crypto.Fingerprint(imported)))
	return k.importEntity(imported)
}

func (k *OpenPGPKeyring) importEntity(imported *openpgp.Entity) (string, error) {
	fpr := crypto.Fingerprint(imported)

	k.mu.Lock()
	defer k.mu.Unlock()

	writeSecret := false
	if imported.PrivateKey != nil {
		if imported.PrivateKey.Encrypted {
			return "", fmt.Errorf("import key %s: %w", fpr, ErrEncryptedSecretKey)
		}
		if findEntity(k.secret, fpr) == nil {
			k.secret = append(k.secret, imported)
			writeSecret = true
		}
	}

	if existing := findEntity(k.public, fpr); existing != nil {
		mergeEntity(existing, imported)
	} else {
		k.public = append(k.public, imported)
	}

	if err := k.persistLocked(writeSecret); err != nil {
		return "", err
	}
	return fpr, nil
}

// SignUID implements Keyring.
func (k *OpenPGPKeyring) SignUID(fpr, uid, signerFpr string) ([]byte, error) {
	fpr = fingerprint.Normalize(fpr)
	signerFpr = fingerprint.Normalize(signerFpr)
	k.opts.Trace("sign", zap.String("fingerprint", fpr), zap.String("uid", uid), zap.String("signer", signerFpr))

	k.mu.Lock()
	defer k.mu.Unlock()

	target := findEntity(k.public, fpr)
	if target == nil {
		return nil, fmt.Errorf("sign %s: %w", fpr, errs.ErrNoUsableKey)
	}
	signer := findEntity(k.secret, signerFpr)
	if signer == nil || signer.PrivateKey == nil {
		return nil, fmt.Errorf("sign with %s: %w", signerFpr, errs.ErrNoUsableKey)
	}
	ident, ok := target.Identities[uid]
	if !ok {
		return nil, fmt.Errorf("sign %s: unknown user id %q", fpr, uid)
	}

	if err := target.SignIdentity(uid, signer, k.opts.Config); err != nil {
		return nil, fmt.Errorf("sign user id %q: %w", uid, err)
	}
	if err := k.persistLocked(false); err != nil {
		return nil, err
	}

	single := *target
	single.PrivateKey = nil
	single.Identities = map[string]*openpgp.Identity{uid: ident}
	return crypto.ArmorPublic(&single)
}

// GenerateKey creates a new secret key and stores it in the keyring.
func (k *OpenPGPKeyring) GenerateKey(name, comment, email string) (models.Key, error) {
	k.opts.Trace("generate", zap.String("name", name), zap.String("email", email))

	entity, err := openpgp.NewEntity(name, comment, email, k.opts.Config)
	if err != nil {
		return models.Key{}, fmt.Errorf("generate key: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.public = append(k.public, entity)
	k.secret = append(k.secret, entity)
	if err := k.persistLocked(true); err != nil {
		return models.Key{}, err
	}

	key := crypto.KeyFromEntity(entity)
	k.opts.Logger.Info("generated key", zap.String("fingerprint", key.Fingerprint))
	return key, nil
}

func (k *OpenPGPKeyring) persistLocked(includeSecret bool) error {
	public, err := crypto.SerializePublic(k.public)
	if err != nil {
		return err
	}
	if err := crypto.WriteFileAtomic(filepath.Join(k.dir, PublicRingName), public, 0o600); err != nil {
		return fmt.Errorf("write public keyring: %w", err)
	}
	if !includeSecret {
		return nil
	}

	secret, err := crypto.SerializePrivate(k.secret)
	if err != nil {
		return err
	}
	if err := crypto.WriteFileAtomic(filepath.Join(k.dir, SecretRingName), secret, 0o600); err != nil {
		return fmt.Errorf("write secret keyring: %w", err)
	}
	return nil
}

func readRing(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	entities, err := crypto.ReadEntities(data)
	if errors.Is(err, crypto.ErrNoKeyMaterial) {
		return nil, nil
	}
	return entities, err
}

func findEntity(entities openpgp.EntityList, fpr string) *openpgp.Entity {
	for _, entity := range entities {
		if crypto.Fingerprint(entity) == fpr {
			return entity
		}
	}
	return nil
}

func isInvalid(entity *openpgp.Entity) bool {
	if entity.PrimaryKey == nil || len(entity.Identities) == 0 || !entity.PrimaryKey.CanSign() {
		return true
	}
	for _, ident := range entity.Identities {
		if ident.SelfSignature == nil {
			return true
		}
	}
	return false
}

// matches accepts a fingerprint or key ID suffix, or a case-insensitive UID substring.
func matches(key models.Key, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return true
	}

	normalized := strings.TrimPrefix(fingerprint.Normalize(pattern), "0X")
	if len(normalized) >= 8 && strings.HasSuffix(key.Fingerprint, normalized) {
		return true
	}

	needle := strings.ToLower(pattern)
	for _, uid := range key.UIDs {
		if strings.Contains(strings.ToLower(uid.Raw), needle) {
			return true
		}
	}
	return false
}

func mergeEntity(dst, src *openpgp.Entity) {
	for _, revocation := range src.Revocations {
		if !containsSignature(dst.Revocations, revocation) {
			dst.Revocations = append(dst.Revocations, revocation)
		}
	}

	for name, ident := range src.Identities {
		existing, ok := dst.Identities[name]
		if !ok {
			dst.Identities[name] = ident
			continue
		}
		for _, sig := range ident.Signatures {
			if !containsSignature(existing.Signatures, sig) {
				existing.Signatures = append(existing.Signatures, sig)
			}
		}
	}

	for _, subkey := range src.Subkeys {
		known := false
		for _, have := range dst.Subkeys {
			if have.PublicKey.Fingerprint == subkey.PublicKey.Fingerprint {
				known = true
				break
			}
		}
		if !known {
			dst.Subkeys = append(dst.Subkeys, subkey)
		}
	}
}

func containsSignature(list []*packet.Signature, sig *packet.Signature) bool {
	for _, have := range list {
		if have.SigType != sig.SigType || !have.CreationTime.Equal(sig.CreationTime) {
			continue
		}
		if have.IssuerKeyId == nil || sig.IssuerKeyId == nil {
			if have.IssuerKeyId == sig.IssuerKeyId {
				return true
			}
			continue
		}
		if *have.IssuerKeyId == *sig.IssuerKeyId {
			return true
		}
	}
	return false
}
