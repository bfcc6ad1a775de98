package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	assert.Equal(t, filepath.Join(dataDir, DefaultDBFileName), dbPath)
	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file not created")

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version;").Scan(&version))
	assert.Equal(t, len(migrations), version)

	var journalMode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	for _, table := range []string{
		"known_peers",
		"manifests",
		"transfers",
		"key_rotation_events",
		"security_events",
	} {
		var count int
		require.NoError(t, store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count))
		assert.Equal(t, 1, count, "expected table %q to exist", table)
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, store.SaveTransfer(Transfer{
		TransferID:   "t-1",
		Direction:    TransferDirectionSend,
		PeerDeviceID: "peer",
		FileName:     "a.bin",
	}))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close is idempotent")

	store, _, err = Open(dataDir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetTransfer("t-1")
	require.NoError(t, err)
	assert.Equal(t, "a.bin", got.FileName)
}
