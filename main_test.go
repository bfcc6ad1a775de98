package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openshare/config"
	"openshare/crypto"
	"openshare/discovery"
	"openshare/manifest"
	"openshare/network"
	"openshare/storage"
)

func runCLI(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--data-dir", dataDir, "--log-level", "error"}, args...)
	err := run(context.Background(), full, &out)
	return out.String(), err
}

func TestInitWritesConfigAndIdentity(t *testing.T) {
	dataDir := t.TempDir()

	out, err := runCLI(t, dataDir, "init", "--account", "alice@example.com", "--device-id", "laptop")
	require.NoError(t, err)
	assert.Contains(t, out, "Device initialized")
	assert.Contains(t, out, config.AccountHash("alice@example.com"))

	cfg, err := config.Load(config.ConfigPath(dataDir))
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.DeviceID)
	assert.Equal(t, "alice@example.com", cfg.AccountID)
	assert.NotEmpty(t, cfg.KeyFingerprint)
	assert.FileExists(t, cfg.Ed25519PrivateKeyPath)

	// Re-running init keeps the identity key.
	_, err = runCLI(t, dataDir, "init", "--account", "alice@example.com")
	require.NoError(t, err)
	again, err := config.Load(config.ConfigPath(dataDir))
	require.NoError(t, err)
	assert.Equal(t, cfg.KeyFingerprint, again.KeyFingerprint)
	assert.Equal(t, "laptop", again.DeviceID)
}

func TestInitRequiresAccount(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "init")
	require.Error(t, err)
}

func TestCommandsRequireInit(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "info")
	require.ErrorIs(t, err, config.ErrNotInitialized)
}

func TestInfoReportsDevice(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team", "--device-id", "desk")
	require.NoError(t, err)

	out, err := runCLI(t, dataDir, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Device ID:       desk")
	assert.Contains(t, out, "Known Peers:     0")
	assert.Contains(t, out, "Stored Chunks:   0")
}

func TestCreateAndVerifyManifest(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team", "--device-id", "desk")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("openshare"), 70000), 0o644))
	manifestPath := filepath.Join(t.TempDir(), "report.manifest.json")

	out, err := runCLI(t, dataDir, "create-manifest", src, "--output", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "report.pdf (630000 bytes)")
	assert.Contains(t, out, "Chunks: 3 x 262144 bytes")

	out, err = runCLI(t, dataDir, "verify-manifest", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Manifest is valid")

	info, err := runCLI(t, dataDir, "info")
	require.NoError(t, err)
	assert.Contains(t, info, "Stored Chunks:   3")

	cfg, err := config.Load(config.ConfigPath(dataDir))
	require.NoError(t, err)
	_, err = runCLI(t, dataDir, "verify-manifest", manifestPath, "--signer", cfg.KeyFingerprint)
	require.NoError(t, err)
	_, err = runCLI(t, dataDir, "verify-manifest", manifestPath, "--signer", strings.Repeat("0", 32))
	require.ErrorIs(t, err, manifest.ErrManifestInvalid)

	// Tamper with the declared size.
	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["file_size"] = 1
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, tampered, 0o600))

	_, err = runCLI(t, dataDir, "verify-manifest", manifestPath)
	require.ErrorIs(t, err, manifest.ErrManifestInvalid)
}

func TestCreateManifestDefaultsToManifestsDir(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	out, err := runCLI(t, dataDir, "create-manifest", src)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dataDir, "manifests", "*.manifest.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, out, matches[0])
}

func TestUnknownCommandAndUsage(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "teleport")
	require.Error(t, err)
	assert.Contains(t, out, "usage: openshare")

	var buf bytes.Buffer
	err = run(context.Background(), nil, &buf)
	require.ErrorIs(t, err, flag.ErrHelp)
}

func TestSendArgumentValidation(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team")
	require.NoError(t, err)

	_, err = runCLI(t, dataDir, "send", "file.bin")
	require.Error(t, err)
	_, err = runCLI(t, dataDir, "send", "file.bin", "127.0.0.1:1", "--device", "x")
	require.Error(t, err)
}

func TestParseInterleaved(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	output := fs.String("output", "", "")
	verbose := fs.Bool("v", false, "")

	positional, err := parseInterleaved(fs, []string{"a.txt", "--output", "out.json", "b.txt", "-v"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, positional)
	assert.Equal(t, "out.json", *output)
	assert.True(t, *verbose)
}

func TestSameFingerprint(t *testing.T) {
	assert.True(t, sameFingerprint("AB:CD:EF", "abcdef"))
	assert.True(t, sameFingerprint("ab cd-ef", "ABCDEF"))
	assert.False(t, sameFingerprint("abcdef", "abcdee"))
}

func testEnv(dataDir string) *environment {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &environment{dataDir: dataDir, log: logger, out: io.Discard}
}

// seedKeyChange pins phone to oldKey, then records a handshake refused
// because phone presented newKey.
func seedKeyChange(t *testing.T, dataDir string, oldKey, newKey ed25519.PublicKey) {
	t.Helper()
	n, err := testEnv(dataDir).openNode(context.Background())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.ledger.ObservePeer("phone", "team", oldKey, "192.0.2.7:9876"))
	n.recordHandshakeFailure("192.0.2.7:9876", &network.HandshakeError{
		Role:         network.RoleInitiator,
		State:        network.StateSignatureSent,
		Reason:       network.ReasonPeerKeyChanged,
		Err:          network.ErrPeerKeyChanged,
		PeerDeviceID: "phone",
		PresentedKey: newKey,
	})
}

func pinnedKey(t *testing.T, dataDir, deviceID string) ed25519.PublicKey {
	t.Helper()
	cfg, err := config.Load(config.ConfigPath(dataDir))
	require.NoError(t, err)
	ledger, err := storage.OpenPath(cfg.DatabasePath)
	require.NoError(t, err)
	defer ledger.Close()

	key, ok := ledger.PinnedKey(deviceID)
	require.True(t, ok)
	return key
}

func TestTrustRepinsChangedPeerKey(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team", "--device-id", "desk")
	require.NoError(t, err)

	oldKey, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	newKey, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	seedKeyChange(t, dataDir, oldKey, newKey)

	info, err := runCLI(t, dataDir, "info")
	require.NoError(t, err)
	assert.Contains(t, info, "Security Events:")
	assert.Contains(t, info, storage.EventPeerKeyChanged)

	_, err = runCLI(t, dataDir, "trust", "phone", "--fingerprint", strings.Repeat("0", 32))
	require.Error(t, err)
	assert.Equal(t, oldKey, pinnedKey(t, dataDir, "phone"))

	out, err := runCLI(t, dataDir, "trust", "phone", "--fingerprint", crypto.KeyFingerprint(newKey))
	require.NoError(t, err)
	assert.Contains(t, out, "Decision: trusted")
	assert.Contains(t, out, crypto.FormatFingerprint(crypto.KeyFingerprint(newKey)))
	assert.Equal(t, newKey, pinnedKey(t, dataDir, "phone"))

	info, err = runCLI(t, dataDir, "info")
	require.NoError(t, err)
	assert.Contains(t, info, "key change")
	assert.Contains(t, info, storage.KeyRotationDecisionTrusted)

	_, err = runCLI(t, dataDir, "trust", "phone")
	require.Error(t, err, "the presented key is already pinned")
}

func TestTrustRejectKeepsPinAndAcceptsKeyFile(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team")
	require.NoError(t, err)

	keyDir := t.TempDir()
	files := crypto.KeyFiles{
		PrivatePath: filepath.Join(keyDir, "phone.pem"),
		PublicPath:  filepath.Join(keyDir, "phone.pub.pem"),
	}
	private, err := files.Ensure()
	require.NoError(t, err)
	fileKey := private.Public().(ed25519.PublicKey)

	oldKey, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	presented, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	seedKeyChange(t, dataDir, oldKey, presented)

	out, err := runCLI(t, dataDir, "trust", "phone", "--reject")
	require.NoError(t, err)
	assert.Contains(t, out, "Decision: rejected")
	assert.Equal(t, oldKey, pinnedKey(t, dataDir, "phone"))

	_, err = runCLI(t, dataDir, "trust", "phone", "--key", files.PublicPath)
	require.NoError(t, err)
	assert.Equal(t, fileKey, pinnedKey(t, dataDir, "phone"))
}

func TestTrustRequiresKnownPeerAndRecordedChange(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team")
	require.NoError(t, err)

	_, err = runCLI(t, dataDir, "trust")
	require.Error(t, err)
	_, err = runCLI(t, dataDir, "trust", "stranger")
	require.ErrorContains(t, err, "not a known peer")

	key, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	n, err := testEnv(dataDir).openNode(context.Background())
	require.NoError(t, err)
	require.NoError(t, n.ledger.ObservePeer("phone", "team", key, ""))
	n.Close()

	_, err = runCLI(t, dataDir, "trust", "phone")
	require.ErrorContains(t, err, "no key change recorded")
}

func TestPrintPeerEvents(t *testing.T) {
	events := make(chan discovery.Event, 2)
	events <- discovery.Event{Type: discovery.EventPeerUpserted, Peer: discovery.DiscoveredPeer{
		DeviceID:       "phone",
		DeviceName:     "Phone",
		KeyFingerprint: "abcd",
		Port:           9876,
		Addresses:      []string{"192.0.2.7"},
	}}
	events <- discovery.Event{Type: discovery.EventPeerRemoved, Peer: discovery.DiscoveredPeer{DeviceID: "phone", DeviceName: "Phone"}}
	close(events)

	var out bytes.Buffer
	require.NoError(t, printPeerEvents(context.Background(), &out, events, false))
	assert.Equal(t, "+ phone  Phone  192.0.2.7:9876  fp=abcd\n- phone  Phone\n", out.String())

	// Stops with the context even while the channel stays open.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, printPeerEvents(ctx, &out, make(chan discovery.Event), true))
}

func TestAnnounceAndDiscoverArgumentValidation(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "announce")
	require.ErrorIs(t, err, config.ErrNotInitialized)

	_, err = runCLI(t, dataDir, "init", "--account", "team")
	require.NoError(t, err)

	_, err = runCLI(t, dataDir, "announce", "--ttl", "-1s")
	require.Error(t, err)
	_, err = runCLI(t, dataDir, "announce", "--interface", "no-such-iface0")
	require.ErrorContains(t, err, "no-such-iface0")
	_, err = runCLI(t, dataDir, "discover", "--announce")
	require.ErrorContains(t, err, "--watch")
}

func TestInfoShowsManifestsAndOneTransfer(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team", "--device-id", "desk")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "slides.key")
	require.NoError(t, os.WriteFile(src, []byte("slides"), 0o644))
	_, err = runCLI(t, dataDir, "create-manifest", src)
	require.NoError(t, err)

	key, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	n, err := testEnv(dataDir).openNode(context.Background())
	require.NoError(t, err)
	require.NoError(t, n.ledger.ObservePeer("phone", "team", key, ""))
	require.NoError(t, n.ledger.SaveTransfer(storage.Transfer{
		TransferID:   "t-1",
		Direction:    storage.TransferDirectionSend,
		PeerDeviceID: "phone",
		FileName:     "slides.key",
		FileSize:     6,
		ManifestHash: strings.Repeat("ab", 32),
		ChunkCount:   1,
		StartedAt:    time.Now().UnixMilli(),
	}))
	require.NoError(t, n.ledger.FinishTransfer(storage.TransferOutcome{
		TransferID:        "t-1",
		Status:            storage.TransferStatusComplete,
		ChunksTransferred: 1,
		BytesTransferred:  6,
		FinishedAt:        time.Now().UnixMilli(),
	}))
	n.Close()

	out, err := runCLI(t, dataDir, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Recent Manifests:")
	assert.Contains(t, out, "slides.key (6 bytes, 1 chunks)")

	out, err = runCLI(t, dataDir, "info", "--transfer", "t-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Transfer:   t-1")
	assert.Contains(t, out, "Status:    complete")
	assert.Contains(t, out, "Chunks:    1 transferred, 0 skipped (6 bytes)")

	_, err = runCLI(t, dataDir, "info", "--transfer", "missing")
	require.ErrorContains(t, err, `no transfer "missing"`)
}

func TestVerifyManifestByHash(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("meeting notes"), 0o644))
	_, err = runCLI(t, dataDir, "create-manifest", src)
	require.NoError(t, err)

	n, err := testEnv(dataDir).openNode(context.Background())
	require.NoError(t, err)
	records, err := n.ledger.ListManifests(1)
	n.Close()
	require.NoError(t, err)
	require.Len(t, records, 1)

	out, err := runCLI(t, dataDir, "verify-manifest", strings.ToUpper(records[0].ManifestHash))
	require.NoError(t, err)
	assert.Contains(t, out, "Manifest is valid")

	_, err = runCLI(t, dataDir, "verify-manifest", strings.Repeat("0", 64))
	require.ErrorContains(t, err, "no manifest")
}

func TestTrustForgetDropsPin(t *testing.T) {
	dataDir := t.TempDir()
	_, err := runCLI(t, dataDir, "init", "--account", "team")
	require.NoError(t, err)

	oldKey, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	newKey, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	seedKeyChange(t, dataDir, oldKey, newKey)

	_, err = runCLI(t, dataDir, "trust", "phone", "--forget", "--reject")
	require.Error(t, err)

	out, err := runCLI(t, dataDir, "trust", "phone", "--forget")
	require.NoError(t, err)
	assert.Contains(t, out, "Forgot device phone")

	n, err := testEnv(dataDir).openNode(context.Background())
	require.NoError(t, err)
	_, pinned := n.ledger.PinnedKey("phone")
	assert.False(t, pinned)
	require.NoError(t, n.ledger.ObservePeer("phone", "team", newKey, ""))
	n.Close()
	assert.Equal(t, newKey, pinnedKey(t, dataDir, "phone"))

	_, err = runCLI(t, dataDir, "trust", "stranger", "--forget")
	require.ErrorContains(t, err, "not a known peer")
}
