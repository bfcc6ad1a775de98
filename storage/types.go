package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrPeerKeyMismatch means a device presented a key other than the pinned one.
	ErrPeerKeyMismatch = errors.New("storage: peer key differs from pinned key")
)

const (
	TransferDirectionSend    = "send"
	TransferDirectionReceive = "receive"
)

const (
	TransferStatusPending   = "pending"
	TransferStatusAccepted  = "accepted"
	TransferStatusComplete  = "complete"
	TransferStatusFailed    = "failed"
	TransferStatusRejected  = "rejected"
	TransferStatusCancelled = "cancelled"
)

const (
	// KeyRotationDecisionTrusted means a presented replacement key was accepted.
	KeyRotationDecisionTrusted = "trusted"
	// KeyRotationDecisionRejected means a presented replacement key was rejected.
	KeyRotationDecisionRejected = "rejected"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Security event types written by the CLI wiring.
const (
	EventHandshakeFailed  = "handshake_failed"
	EventPeerKeyChanged   = "peer_key_changed"
	EventManifestRejected = "manifest_rejected"
	EventChunkIntegrity   = "chunk_integrity_failed"
	EventDecryptionFailed = "decryption_failed"
)

// KnownPeer is a device whose identity key was pinned on first contact.
type KnownPeer struct {
	DeviceID         string
	AccountID        string
	Ed25519PublicKey string
	KeyFingerprint   string
	FirstSeen        int64
	LastSeen         int64
	LastAddress      *string
}

// Transfer is the ledger row written when a transfer starts.
type Transfer struct {
	TransferID   string
	Direction    string
	PeerDeviceID string
	FileName     string
	FileSize     int64
	ManifestHash string
	ChunkCount   int
	Status       string
	StartedAt    int64
}

// TransferOutcome finalizes a transfer row.
type TransferOutcome struct {
	TransferID        string
	Status            string
	ChunksTransferred int
	ChunksSkipped     int
	BytesTransferred  int64
	StoredPath        string
	FailureReason     string
	FinishedAt        int64
}

// TransferRecord is a full transfer row as read back from the ledger.
type TransferRecord struct {
	Transfer
	ChunksTransferred int
	ChunksSkipped     int
	BytesTransferred  int64
	StoredPath        string
	FailureReason     string
	FinishedAt        *int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Direction    string
	PeerDeviceID string
	Status       string
	Limit        int
}

// ManifestRecord indexes a manifest sent or received by this device.
type ManifestRecord struct {
	ManifestHash      string
	FileName          string
	FileSize          int64
	ChunkSize         int
	ChunkCount        int
	SignerFingerprint string
	Path              string
	CreatedAt         int64
}

// KeyRotationEvent tracks one trust/reject decision for a peer key change.
type KeyRotationEvent struct {
	ID                int64
	PeerDeviceID      string
	OldKeyFingerprint string
	NewKeyFingerprint string
	Decision          string
	Timestamp         int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID *string
	Details      string
	Severity     string
	Timestamp    int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	PeerDeviceID  string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusAccepted, TransferStatusComplete,
		TransferStatusFailed, TransferStatusRejected, TransferStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateKeyRotationDecision(decision string) error {
	switch decision {
	case KeyRotationDecisionTrusted, KeyRotationDecisionRejected:
		return nil
	default:
		return fmt.Errorf("invalid key rotation decision %q", decision)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
