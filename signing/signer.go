// Package signing certifies the user identities of a downloaded key with
// every usable local secret key and hands the results, encrypted to the key
// being certified, to a Deliverer.
package signing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"

	"keysign/crypto"
	"keysign/errs"
	"keysign/fingerprint"
	"keysign/models"
	"keysign/storage"
)

// Directory is the read side of the keyring the signer needs.
type Directory interface {
	LookupUsableKey(fpr string) (models.Key, error)
	RequireSecretKeys(pattern string) ([]models.Key, error)
}

// Keyring is the write side of the keyring the signer needs.
type Keyring interface {
	ImportPublicKeyData(data []byte) (string, error)
	SignUID(fpr, uid, signerFpr string) ([]byte, error)
}

// Recorder persists signature history.
type Recorder interface {
	RecordSignature(record storage.SignatureRecord) error
}

// Deliverer hands one signed identity, encrypted to its owner's key, on and
// returns where it went.
type Deliverer interface {
	Deliver(ctx context.Context, key models.Key, uid models.UID, data []byte) (string, error)
}

// Request asks for the identities of Key to be certified. An empty UIDs
// slice means every identity on the key.
type Request struct {
	Key     models.Key
	KeyData []byte
	UIDs    []models.UID
}

// Result is one certified identity. Data is the armored export carrying the
// new certifications; Encrypted is what was handed to the Deliverer.
type Result struct {
	UID       models.UID
	Signers   []string
	Data      []byte
	Encrypted []byte
	Location  string
}

// Options configures a Signer.
type Options struct {
	Recorder  Recorder
	Deliverer Deliverer
	Logger    *zap.Logger
	// OnSigned runs once per certified identity.
	OnSigned func(uid models.UID)
}

// Signer runs one signing request at a time.
type Signer struct {
	dir     Directory
	keyring Keyring
	opts    Options

	mu sync.Mutex
}

// NewSigner builds a Signer.
func NewSigner(dir Directory, keyring Keyring, options Options) *Signer {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return &Signer{dir: dir, keyring: keyring, opts: options}
}

// Sign imports the downloaded key and certifies the requested identities.
// Results for identities finished before an error or cancellation are returned
// alongside it.
func (s *Signer) Sign(ctx context.Context, req Request) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(req.KeyData) == 0 {
		return nil, errors.New("key data is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	imported, err := s.keyring.ImportPublicKeyData(req.KeyData)
	if err != nil {
		return nil, fmt.Errorf("import key: %w: %w", errs.ErrKeyring, err)
	}
	if !fingerprint.Equal(imported, req.Key.Fingerprint) {
		return nil, fmt.Errorf("imported %s, expected %s: %w", imported, req.Key.Fingerprint, errs.ErrFingerprintMismatch)
	}

	var recipient *openpgp.Entity
	if s.opts.Deliverer != nil {
		recipient, err = crypto.ReadPublicEntity(req.KeyData)
		if err != nil {
			return nil, fmt.Errorf("read recipient key: %w", err)
		}
	}

	key, err := s.dir.LookupUsableKey(imported)
	if err != nil {
		return nil, err
	}
	secretKeys, err := s.dir.RequireSecretKeys("")
	if err != nil {
		return nil, err
	}

	signers := make([]models.Key, 0, len(secretKeys))
	for _, secret := range secretKeys {
		if !secret.Same(key) {
			signers = append(signers, secret)
		}
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("no secret key other than %s: %w", key.Fingerprint, errs.ErrNoUsableKey)
	}

	uids := req.UIDs
	if len(uids) == 0 {
		uids = key.UIDs
	}

	results := make([]Result, 0, len(uids))
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result, err := s.signUID(ctx, key, uid, signers, recipient)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}

	s.opts.Logger.Info("signing complete",
		zap.String("fingerprint", key.Fingerprint),
		zap.Int("uids", len(results)),
	)
	return results, nil
}

func (s *Signer) signUID(ctx context.Context, key models.Key, uid models.UID, signers []models.Key, recipient *openpgp.Entity) (Result, error) {
	raw := uid.Raw
	if raw == "" {
		raw = uid.String()
	}

	result := Result{UID: uid}
	for _, signer := range signers {
		data, err := s.keyring.SignUID(key.Fingerprint, raw, signer.Fingerprint)
		if err != nil {
			return Result{}, fmt.Errorf("sign %q with %s: %w", raw, signer.KeyID(), err)
		}
		// Later exports carry every certification made so far.
		result.Data = data
		result.Signers = append(result.Signers, signer.Fingerprint)
	}

	if s.opts.Deliverer != nil {
		// Only the holder of the certified key can read its new certification.
		encrypted, err := crypto.EncryptArmored(result.Data, recipient)
		if err != nil {
			return Result{}, fmt.Errorf("encrypt %q: %w", raw, err)
		}
		result.Encrypted = encrypted

		location, err := s.opts.Deliverer.Deliver(ctx, key, uid, encrypted)
		if err != nil {
			return Result{}, fmt.Errorf("deliver %q: %w", raw, err)
		}
		result.Location = location
	}

	if s.opts.Recorder != nil {
		for _, signer := range result.Signers {
			record := storage.SignatureRecord{
				Fingerprint:       key.Fingerprint,
				UID:               raw,
				SignerFingerprint: signer,
			}
			if result.Location != "" {
				location := result.Location
				record.ExportPath = &location
			}
			if err := s.opts.Recorder.RecordSignature(record); err != nil {
				s.opts.Logger.Warn("record signature failed", zap.String("uid", raw), zap.Error(err))
			}
		}
	}

	if s.opts.OnSigned != nil {
		s.opts.OnSigned(uid)
	}
	s.opts.Logger.Debug("signed uid", zap.String("uid", raw), zap.Strings("signers", result.Signers))
	return result, nil
}
