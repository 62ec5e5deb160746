package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisableAndEnableKey(t *testing.T) {
	store := newTestStore(t)
	fpr := strings.Repeat("f", 40)

	disabled, err := store.IsKeyDisabled(fpr)
	require.NoError(t, err)
	assert.False(t, disabled, "keys start enabled")

	require.NoError(t, store.DisableKey(fpr, "lost laptop"))
	require.NoError(t, store.DisableKey(fpr, "compromised"))

	disabled, err = store.IsKeyDisabled(strings.ToUpper(fpr))
	require.NoError(t, err)
	assert.True(t, disabled)

	keys, err := store.ListDisabledKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "compromised", keys[0].Reason)

	require.NoError(t, store.EnableKey(fpr))
	assert.ErrorIs(t, store.EnableKey(fpr), ErrNotFound)
}

func TestDisableKeyRequiresFingerprint(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.DisableKey("   ", ""))
}
