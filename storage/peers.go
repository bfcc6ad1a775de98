package storage

import (
	"bytes"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"openshare/crypto"
)

const knownPeerColumns = `
	device_id,
	account_id,
	ed25519_public_key,
	key_fingerprint,
	first_seen,
	last_seen,
	last_address`

// ObservePeer pins key for deviceID on first contact and refreshes last-seen
// data afterwards. A different key than the pinned one is refused with
// ErrPeerKeyMismatch and leaves the row untouched.
func (s *Store) ObservePeer(deviceID, accountID string, key ed25519.PublicKey, address string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid Ed25519 public key length %d", len(key))
	}

	pinned, err := s.GetKnownPeer(deviceID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		pinnedKey, decodeErr := pinned.PublicKey()
		if decodeErr != nil {
			return decodeErr
		}
		if !bytes.Equal(pinnedKey, key) {
			return fmt.Errorf("%w: device %q pinned %s, presented %s", ErrPeerKeyMismatch,
				deviceID, pinned.KeyFingerprint, crypto.KeyFingerprint(key))
		}
	}

	now := nowUnixMilli()
	var addr *string
	if address != "" {
		addr = &address
	}
	_, err = s.db.Exec(
		`INSERT INTO known_peers (`+knownPeerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			account_id = excluded.account_id,
			last_seen = excluded.last_seen,
			last_address = COALESCE(excluded.last_address, known_peers.last_address)`,
		deviceID,
		accountID,
		base64.StdEncoding.EncodeToString(key),
		crypto.KeyFingerprint(key),
		now,
		now,
		nullString(addr),
	)
	if err != nil {
		return fmt.Errorf("upsert known peer %q: %w", deviceID, err)
	}
	return nil
}

// GetKnownPeer fetches a pinned peer by device ID.
func (s *Store) GetKnownPeer(deviceID string) (*KnownPeer, error) {
	row := s.db.QueryRow(
		`SELECT`+knownPeerColumns+`
		FROM known_peers
		WHERE device_id = ?`,
		deviceID,
	)

	peer, err := scanKnownPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get known peer %q: %w", deviceID, err)
	}
	return peer, nil
}

// ListKnownPeers returns all pinned peers, most recently seen first.
func (s *Store) ListKnownPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(
		`SELECT` + knownPeerColumns + `
		FROM known_peers
		ORDER BY last_seen DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list known peers: %w", err)
	}
	defer rows.Close()

	peers := make([]KnownPeer, 0)
	for rows.Next() {
		peer, err := scanKnownPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan known peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known peer rows: %w", err)
	}
	return peers, nil
}

// RemoveKnownPeer forgets a pinned peer and its key history.
func (s *Store) RemoveKnownPeer(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	res, err := s.db.Exec(`DELETE FROM known_peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete known peer %q: %w", deviceID, err)
	}
	return expectOneRow(res, "delete known peer", deviceID)
}

// PinnedKey returns the pinned identity key of deviceID. It matches
// network.KnownPeerKeyLookupFunc; lookup errors count as unknown.
func (s *Store) PinnedKey(deviceID string) (ed25519.PublicKey, bool) {
	peer, err := s.GetKnownPeer(deviceID)
	if err != nil {
		return nil, false
	}
	key, err := peer.PublicKey()
	if err != nil {
		return nil, false
	}
	return key, true
}

// ReplacePeerKey records a decision about a changed peer key. A trusted
// decision repins the peer to newKey.
func (s *Store) ReplacePeerKey(deviceID string, newKey ed25519.PublicKey, decision string) error {
	if len(newKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid Ed25519 public key length %d", len(newKey))
	}
	if err := validateKeyRotationDecision(decision); err != nil {
		return err
	}
	peer, err := s.GetKnownPeer(deviceID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin key replacement: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	newFingerprint := crypto.KeyFingerprint(newKey)
	if _, err := tx.Exec(
		`INSERT INTO key_rotation_events (
			peer_device_id,
			old_key_fingerprint,
			new_key_fingerprint,
			decision,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		deviceID,
		peer.KeyFingerprint,
		newFingerprint,
		decision,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("insert key rotation event for peer %q: %w", deviceID, err)
	}

	if decision == KeyRotationDecisionTrusted {
		if _, err := tx.Exec(
			`UPDATE known_peers
			SET ed25519_public_key = ?,
			    key_fingerprint = ?
			WHERE device_id = ?`,
			base64.StdEncoding.EncodeToString(newKey),
			newFingerprint,
			deviceID,
		); err != nil {
			return fmt.Errorf("repin peer %q: %w", deviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit key replacement: %w", err)
	}
	return nil
}

// GetRecentKeyRotationEvents returns key-rotation history for one peer, newest first.
func (s *Store) GetRecentKeyRotationEvents(peerDeviceID string, limit int) ([]KeyRotationEvent, error) {
	if peerDeviceID == "" {
		return nil, errors.New("peer_device_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			peer_device_id,
			old_key_fingerprint,
			new_key_fingerprint,
			decision,
			timestamp
		FROM key_rotation_events
		WHERE peer_device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		peerDeviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get key rotation events for peer %q: %w", peerDeviceID, err)
	}
	defer rows.Close()

	events := make([]KeyRotationEvent, 0)
	for rows.Next() {
		var event KeyRotationEvent
		if err := rows.Scan(
			&event.ID,
			&event.PeerDeviceID,
			&event.OldKeyFingerprint,
			&event.NewKeyFingerprint,
			&event.Decision,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan key rotation event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key rotation event rows: %w", err)
	}
	return events, nil
}

// PublicKey decodes the pinned key.
func (p *KnownPeer) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode pinned key of %q: %w", p.DeviceID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pinned key of %q has length %d", p.DeviceID, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func scanKnownPeer(row scanner) (*KnownPeer, error) {
	var (
		peer        KnownPeer
		lastAddress sql.NullString
	)
	if err := row.Scan(
		&peer.DeviceID,
		&peer.AccountID,
		&peer.Ed25519PublicKey,
		&peer.KeyFingerprint,
		&peer.FirstSeen,
		&peer.LastSeen,
		&lastAddress,
	); err != nil {
		return nil, err
	}
	peer.LastAddress = stringPtr(lastAddress)
	return &peer, nil
}
