package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndListSignatures(t *testing.T) {
	store := newTestStore(t)

	target := strings.Repeat("C", 40)
	signer := strings.Repeat("d", 40)
	path := "/tmp/outbox/" + target + "-1.asc"

	for i, uid := range []string{"Carol <carol@example.org>", "Carol (work) <carol@work.example>"} {
		record := SignatureRecord{
			Fingerprint:       target,
			UID:               uid,
			SignerFingerprint: signer,
			Timestamp:         nowUnixMilli() + int64(i),
		}
		if i == 0 {
			record.ExportPath = &path
		}
		require.NoError(t, store.RecordSignature(record), "record %d", i)
	}

	records, err := store.ListSignatures(target, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Carol (work) <carol@work.example>", records[0].UID, "newest first")
	assert.Equal(t, strings.ToUpper(signer), records[1].SignerFingerprint)
	require.NotNil(t, records[1].ExportPath)
	assert.Equal(t, path, *records[1].ExportPath)

	other, err := store.ListSignatures(strings.Repeat("E", 40), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRecordSignatureValidation(t *testing.T) {
	store := newTestStore(t)

	assert.Error(t, store.RecordSignature(SignatureRecord{UID: "x", SignerFingerprint: "AA"}), "missing fingerprint")
	assert.Error(t, store.RecordSignature(SignatureRecord{Fingerprint: "AA", SignerFingerprint: "BB", UID: "  "}), "missing uid")
}
