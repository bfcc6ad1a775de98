package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveManifestUpserts(t *testing.T) {
	store := newTestStore(t)

	record := ManifestRecord{
		ManifestHash:      "hash-1",
		FileName:          "photo.jpg",
		FileSize:          70 * 1024,
		ChunkSize:         256 * 1024,
		ChunkCount:        1,
		SignerFingerprint: "fp",
		CreatedAt:         1000,
	}
	require.NoError(t, store.SaveManifest(record))

	record.Path = "/data/manifests/hash-1.manifest.json"
	record.CreatedAt = 2000
	require.NoError(t, store.SaveManifest(record))

	got, err := store.GetManifest("hash-1")
	require.NoError(t, err)
	assert.Equal(t, record.Path, got.Path)
	assert.Equal(t, int64(1000), got.CreatedAt, "creation time is kept")

	// An empty path never erases a known one.
	record.Path = ""
	require.NoError(t, store.SaveManifest(record))
	got, err = store.GetManifest("hash-1")
	require.NoError(t, err)
	assert.Equal(t, "/data/manifests/hash-1.manifest.json", got.Path)
}

func TestListManifestsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	for i, hash := range []string{"old", "mid", "new"} {
		require.NoError(t, store.SaveManifest(ManifestRecord{
			ManifestHash:      hash,
			FileName:          hash + ".bin",
			SignerFingerprint: "fp",
			CreatedAt:         int64(1000 * (i + 1)),
		}))
	}

	records, err := store.ListManifests(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "new", records[0].ManifestHash)
	assert.Equal(t, "mid", records[1].ManifestHash)

	_, err = store.GetManifest("absent")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, store.SaveManifest(ManifestRecord{FileName: "x", SignerFingerprint: "fp"}))
}
