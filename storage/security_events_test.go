package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAndQuerySecurityEvents(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	peerID := "peer-security"

	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType:    EventManifestRejected,
		PeerDeviceID: &peerID,
		Details:      `{"transfer_id":"t-1"}`,
		Severity:     SecuritySeverityWarning,
		Timestamp:    now - 1_000,
	}))
	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType:    EventHandshakeFailed,
		PeerDeviceID: &peerID,
		Details:      `{"reason":"bad_signature"}`,
		Severity:     SecuritySeverityCritical,
		Timestamp:    now,
	}))

	all, err := store.GetSecurityEvents(SecurityEventFilter{PeerDeviceID: peerID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, EventHandshakeFailed, all[0].EventType, "newest first")
	assert.Equal(t, EventManifestRejected, all[1].EventType)

	filtered, err := store.GetSecurityEvents(SecurityEventFilter{
		EventType:    EventManifestRejected,
		PeerDeviceID: peerID,
		Severity:     SecuritySeverityWarning,
		Limit:        10,
	})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, `{"transfer_id":"t-1"}`, filtered[0].Details)
}

func TestRecordSecurityEventEncodesDetails(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordSecurityEvent(EventChunkIntegrity, SecuritySeverityCritical, "laptop", map[string]any{
		"transfer_id": "t-9",
		"chunk":       4,
	}))
	require.NoError(t, store.RecordSecurityEvent(EventDecryptionFailed, SecuritySeverityCritical, "", nil))

	events, err := store.GetSecurityEvents(SecurityEventFilter{EventType: EventChunkIntegrity})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"transfer_id":"t-9","chunk":4}`, events[0].Details)
	require.NotNil(t, events[0].PeerDeviceID)
	assert.Equal(t, "laptop", *events[0].PeerDeviceID)

	events, err = store.GetSecurityEvents(SecurityEventFilter{EventType: EventDecryptionFailed})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "{}", events[0].Details)
	assert.Nil(t, events[0].PeerDeviceID)

	assert.Error(t, store.RecordSecurityEvent(EventHandshakeFailed, "catastrophic", "", nil))
}

func TestSecurityEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(1 * time.Second)

	now := nowUnixMilli()
	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType: "old_event",
		Details:   `{"state":"old"}`,
		Timestamp: now - 10_000,
	}))
	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType: "new_event",
		Details:   `{"state":"new"}`,
		Timestamp: now,
	}))

	events, err := store.GetSecurityEvents(SecurityEventFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new_event", events[0].EventType)
}
