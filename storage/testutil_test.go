package storage

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})
	return store
}

func newTestKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	key, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return key
}

func mustObservePeer(t *testing.T, store *Store, deviceID string) ed25519.PublicKey {
	t.Helper()
	key := newTestKey(t)
	require.NoError(t, store.ObservePeer(deviceID, "acct", key, ""), "observe peer %q", deviceID)
	return key
}
