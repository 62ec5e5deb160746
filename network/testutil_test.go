package network

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"

	"keysign/crypto"
)

type testKey struct {
	fpr  string
	data []byte
}

var (
	testKeysOnce sync.Once
	testKeys     []testKey
	testKeysErr  error
)

// loadTestKeys generates two small keys once per package run.
func loadTestKeys(t *testing.T) (testKey, testKey) {
	t.Helper()
	testKeysOnce.Do(func() {
		for _, name := range []string{"Alice", "Mallory"} {
			entity, err := openpgp.NewEntity(name, "", name+"@example.org", &packet.Config{RSABits: 1024})
			if err != nil {
				testKeysErr = err
				return
			}
			data, err := crypto.ArmorPublic(entity)
			if err != nil {
				testKeysErr = err
				return
			}
			testKeys = append(testKeys, testKey{fpr: crypto.Fingerprint(entity), data: data})
		}
	})
	require.NoError(t, testKeysErr, "generate test keys")
	return testKeys[0], testKeys[1]
}

func serveTestKey(t *testing.T, key testKey) *KeyServer {
	t.Helper()
	server, err := Serve("127.0.0.1:0", key.data, key.fpr, ServerOptions{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}
