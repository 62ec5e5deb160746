package crypto

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

func newTestEntity(t *testing.T, name, comment, email string) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity(name, comment, email, &packet.Config{RSABits: 1024})
	require.NoError(t, err)
	return entity
}

func TestReadEntitiesArmoredAndBinary(t *testing.T) {
	entity := newTestEntity(t, "Alice", "", "alice@example.org")
	fpr := Fingerprint(entity)
	require.Len(t, fpr, 40)

	armored, err := ArmorPublic(entity)
	require.NoError(t, err)
	fromArmor, err := ReadEntities(armored)
	require.NoError(t, err)
	require.Len(t, fromArmor, 1)
	assert.Equal(t, fpr, Fingerprint(fromArmor[0]))

	binary, err := SerializePublic(openpgp.EntityList{entity})
	require.NoError(t, err)
	fromBinary, err := ReadEntities(binary)
	require.NoError(t, err)
	require.Len(t, fromBinary, 1)
	assert.Equal(t, fpr, Fingerprint(fromBinary[0]))
}

func TestReadEntitiesRejectsGarbage(t *testing.T) {
	_, err := ReadEntities(nil)
	assert.ErrorIs(t, err, ErrNoKeyMaterial)

	_, err = ReadEntities([]byte("definitely not a key"))
	assert.Error(t, err)
}

func TestReadSingleEntityRejectsMultipleKeys(t *testing.T) {
	first := newTestEntity(t, "Alice", "", "alice@example.org")
	second := newTestEntity(t, "Bob", "", "bob@example.org")

	data, err := ArmorPublic(first, second)
	require.NoError(t, err)

	_, err = ReadSingleEntity(data)
	require.Error(t, err)
}

func TestReadPublicEntityRejectsSecretKeys(t *testing.T) {
	entity := newTestEntity(t, "Carol", "work", "carol@example.org")

	public, err := ArmorPublic(entity)
	require.NoError(t, err)
	parsed, err := ReadPublicEntity(public)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(entity), Fingerprint(parsed))

	var buf bytes.Buffer
	writer, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(writer, nil))
	require.NoError(t, writer.Close())

	_, err = ReadPublicEntity(buf.Bytes())
	assert.ErrorIs(t, err, ErrSecretKeyMaterial)

	// A secret subkey alone is enough to refuse the key.
	var mixed bytes.Buffer
	require.NoError(t, entity.PrimaryKey.Serialize(&mixed))
	for _, ident := range entity.Identities {
		require.NoError(t, ident.UserId.Serialize(&mixed))
		require.NoError(t, ident.SelfSignature.Serialize(&mixed))
	}
	require.NotEmpty(t, entity.Subkeys)
	require.NoError(t, entity.Subkeys[0].PrivateKey.Serialize(&mixed))
	require.NoError(t, entity.Subkeys[0].Sig.Serialize(&mixed))

	_, err = ReadPublicEntity(mixed.Bytes())
	assert.ErrorIs(t, err, ErrSecretKeyMaterial)
}

func TestEncryptArmoredDecryptsWithRecipientKey(t *testing.T) {
	recipient := newTestEntity(t, "Dave", "", "dave@example.org")
	public, err := ArmorPublic(recipient)
	require.NoError(t, err)
	publicOnly, err := ReadPublicEntity(public)
	require.NoError(t, err)

	message, err := EncryptArmored([]byte("signed key"), publicOnly)
	require.NoError(t, err)
	assert.NotContains(t, string(message), "signed key")

	block, err := armor.Decode(bytes.NewReader(message))
	require.NoError(t, err)
	assert.Equal(t, MessageType, block.Type)
	md, err := openpgp.ReadMessage(block.Body, openpgp.EntityList{recipient}, nil, nil)
	require.NoError(t, err)
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	require.NoError(t, err)
	assert.Equal(t, "signed key", string(plaintext))
}

func TestKeyFromEntity(t *testing.T) {
	entity := newTestEntity(t, "Carol", "work", "carol@example.org")

	key := KeyFromEntity(entity)
	assert.Equal(t, Fingerprint(entity), key.Fingerprint)
	assert.Nil(t, key.Expiry)
	assert.WithinDuration(t, time.Now(), key.Created, time.Minute)
	require.Len(t, key.UIDs, 1)
	assert.Equal(t, "Carol", key.UIDs[0].Name)
	assert.Equal(t, "work", key.UIDs[0].Comment)
	assert.Equal(t, "carol@example.org", key.UIDs[0].Email)
	assert.Equal(t, "Carol (work) <carol@example.org>", key.UIDs[0].Raw)
}

func TestKeyExpiryFromSelfSignature(t *testing.T) {
	entity := newTestEntity(t, "Dave", "", "dave@example.org")
	lifetime := uint32(3600)
	for _, ident := range entity.Identities {
		ident.SelfSignature.KeyLifetimeSecs = &lifetime
	}

	expiry := KeyExpiry(entity)
	require.NotNil(t, expiry)
	assert.Equal(t, entity.PrimaryKey.CreationTime.Add(time.Hour), *expiry)
}

func TestSerializePrivateRoundTrip(t *testing.T) {
	entity := newTestEntity(t, "Erin", "", "erin@example.org")

	data, err := SerializePrivate(openpgp.EntityList{entity})
	require.NoError(t, err)

	entities, err := ReadEntities(data)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.NotNil(t, entities[0].PrivateKey)
	assert.Equal(t, Fingerprint(entity), Fingerprint(entities[0]))
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pubring.gpg")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
