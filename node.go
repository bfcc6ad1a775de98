package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"openshare/chunkstore"
	"openshare/config"
	"openshare/crypto"
	"openshare/manifest"
	"openshare/metrics"
	"openshare/network"
	"openshare/storage"
	"openshare/transfer"
)

// node owns the long-lived components of an initialized device.
type node struct {
	cfg      *config.DeviceConfig
	cfgPath  string
	identity *crypto.Identity

	ledger    *storage.Store
	chunks    *chunkstore.Store
	manifests *manifest.Service
	metrics   *metrics.Registry
	transfers *transfer.Orchestrator

	log logrus.FieldLogger
}

// loadConfig reads config.json, failing when the device was never initialized.
func (env *environment) loadConfig() (*config.DeviceConfig, string, error) {
	cfgPath := config.ConfigPath(env.dataDir)
	if _, err := config.Load(cfgPath); err != nil {
		return nil, "", err
	}
	return config.LoadOrCreateAt(env.dataDir)
}

func (env *environment) openNode(ctx context.Context) (*node, error) {
	cfg, cfgPath, err := env.loadConfig()
	if err != nil {
		return nil, err
	}
	log := env.log.WithField("device_id", cfg.DeviceID)

	identity, err := crypto.LoadIdentity(crypto.KeyFiles{
		PrivatePath: cfg.Ed25519PrivateKeyPath,
		PublicPath:  cfg.Ed25519PublicKeyPath,
	}, cfg.AccountID, cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	n := &node{cfg: cfg, cfgPath: cfgPath, identity: identity, log: log}
	if n.ledger, err = storage.OpenPath(cfg.DatabasePath); err != nil {
		n.Close()
		return nil, err
	}
	n.ledger.SetSecurityEventRetention(time.Duration(cfg.SecurityEventRetentionDays) * 24 * time.Hour)
	if n.chunks, err = chunkstore.Open(cfg.ChunksDir, chunkstore.Options{Logger: env.log}); err != nil {
		n.Close()
		return nil, err
	}
	if n.manifests, err = manifest.NewService(identity, 0, env.log); err != nil {
		n.Close()
		return nil, err
	}

	n.metrics = metrics.New()
	n.metrics.WatchStore(n.chunks.Stats)
	if cfg.MetricsAddress != "" {
		go func() {
			if err := n.metrics.Serve(ctx, cfg.MetricsAddress, log); err != nil {
				log.WithError(err).Warn("metrics endpoint stopped")
			}
		}()
	}

	n.transfers, err = transfer.New(transfer.Options{
		Store:       n.chunks,
		Manifests:   n.manifests,
		ManifestDir: cfg.ManifestsDir,
		ChunkSize:   cfg.ChunkSize,
		Ledger:      n.ledger,
		Metrics:     n.metrics,
		Logger:      env.log,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// Close releases the node in reverse order of opening.
func (n *node) Close() {
	if n.chunks != nil {
		if err := n.chunks.Close(); err != nil {
			n.log.WithError(err).Warn("chunk store close error")
		}
	}
	if n.ledger != nil {
		if err := n.ledger.Close(); err != nil {
			n.log.WithError(err).Warn("database close error")
		}
	}
	if n.identity != nil {
		n.identity.Zero()
	}
}

func (n *node) handshakeOptions() network.HandshakeOptions {
	return network.HandshakeOptions{
		ExpectedAccountID:  n.cfg.AccountID,
		KnownPeerKeyLookup: n.ledger.PinnedKey,
		Logger:             n.log,
		Observer:           n.metrics,
	}
}

// rememberPeer pins the identity of a freshly authenticated session.
func (n *node) rememberPeer(session *network.Session, address string) {
	err := n.ledger.ObservePeer(session.PeerDeviceID, session.PeerAccountID, session.PeerIdentity, address)
	if err != nil {
		n.log.WithError(err).WithField("peer_device_id", session.PeerDeviceID).Warn("failed to record known peer")
	}
}

// recordHandshakeFailure writes a security event for a failed handshake. A
// refused key change keeps the presented key so "trust" can repin it later.
func (n *node) recordHandshakeFailure(remote string, hsErr *network.HandshakeError) {
	eventType := storage.EventHandshakeFailed
	severity := storage.SecuritySeverityWarning
	details := map[string]any{
		"remote": remote,
		"role":   hsErr.Role.String(),
		"state":  hsErr.State.String(),
		"reason": hsErr.Reason,
	}
	if errors.Is(hsErr, network.ErrPeerKeyChanged) {
		eventType = storage.EventPeerKeyChanged
		severity = storage.SecuritySeverityCritical
		if len(hsErr.PresentedKey) == ed25519.PublicKeySize {
			details[presentedKeyField] = base64.StdEncoding.EncodeToString(hsErr.PresentedKey)
			details["presented_fingerprint"] = crypto.KeyFingerprint(hsErr.PresentedKey)
		}
	}
	if err := n.ledger.RecordSecurityEvent(eventType, severity, hsErr.PeerDeviceID, details); err != nil {
		n.log.WithError(err).Warn("failed to record security event")
	}
}

const presentedKeyField = "presented_key"

// presentedKey returns the key deviceID presented in its most recent
// handshake that was refused for a key change.
func (n *node) presentedKey(deviceID string) (ed25519.PublicKey, error) {
	events, err := n.ledger.GetSecurityEvents(storage.SecurityEventFilter{
		EventType:    storage.EventPeerKeyChanged,
		PeerDeviceID: deviceID,
		Limit:        1,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no key change recorded for device %q", deviceID)
	}

	var details map[string]any
	if err := json.Unmarshal([]byte(events[0].Details), &details); err != nil {
		return nil, fmt.Errorf("decode security event %d: %w", events[0].ID, err)
	}
	encoded, _ := details[presentedKeyField].(string)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("security event %d carries no usable key", events[0].ID)
	}
	return ed25519.PublicKey(raw), nil
}

// recordTransferFailure writes a security event when a transfer failed for a
// reason that points at a misbehaving or compromised peer.
func (n *node) recordTransferFailure(peerDeviceID string, err error) {
	var eventType, severity string
	switch {
	case errors.Is(err, manifest.ErrManifestInvalid):
		eventType, severity = storage.EventManifestRejected, storage.SecuritySeverityWarning
	case errors.Is(err, chunkstore.ErrChunkIntegrity):
		eventType, severity = storage.EventChunkIntegrity, storage.SecuritySeverityCritical
	case errors.Is(err, crypto.ErrDecryptionFailed):
		eventType, severity = storage.EventDecryptionFailed, storage.SecuritySeverityCritical
	default:
		return
	}
	details := map[string]any{"error": err.Error()}
	if recErr := n.ledger.RecordSecurityEvent(eventType, severity, peerDeviceID, details); recErr != nil {
		n.log.WithError(recErr).Warn("failed to record security event")
	}
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

func formatRate(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f KiB/s", float64(bytes)/1024/d.Seconds())
}
