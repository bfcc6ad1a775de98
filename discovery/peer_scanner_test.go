package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		Logger:          quietLogger(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "acct", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "acct", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "acct", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	require.NoError(t, err)
	require.NoError(t, scanner.Start())
	defer scanner.Stop()

	require.Eventually(t, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, scanner.Refresh(context.Background()))

	require.Eventually(t, func() bool {
		return len(scanner.ListPeers()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPeerScannerFiltersForeignAccounts(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		AccountHash:     "ABCDEF",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		Logger:          quietLogger(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "abcdef", "Bob", 9998, "10.0.0.2")
			entries <- testServiceEntry("peer-2", "123456", "Eve", 9997, "10.0.0.3")
			entries <- testServiceEntry("peer-3", "", "Legacy", 9996, "10.0.0.4")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	require.NoError(t, err)
	require.NoError(t, scanner.Start())
	defer scanner.Stop()

	require.Eventually(t, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	}, time.Second, 10*time.Millisecond)
}

func TestPeerScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		Logger:          quietLogger(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("peer-1", "acct", "Bob", 9998, "10.0.0.2")
			}
			entries <- testServiceEntry("peer-2", "acct", "Carol", 9997, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	require.NoError(t, err)
	require.NoError(t, scanner.Start())
	defer scanner.Stop()

	require.Eventually(t, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-2"
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, waitForEvent(scanner.Events(), EventPeerRemoved, "peer-1", 2*time.Second),
		"expected peer removal event for peer-1")
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		Logger:          quietLogger(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "acct", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg)
	require.NoError(t, err)
	require.NoError(t, scanner.Start())
	defer scanner.Stop()

	// The browse error is the scan window closing, not a failure.
	err = scanner.Refresh(context.Background())
	if err != nil {
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	require.Eventually(t, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	}, time.Second, 10*time.Millisecond)
}

func TestParseEntryReadsTXT(t *testing.T) {
	entry := testServiceEntry("peer-9", "acct", "", 9876, "10.0.0.9")
	entry.Text = append(entry.Text, "garbage", "=novalue")

	peer, ok := parseEntry(entry, "self", "")
	require.True(t, ok)
	assert.Equal(t, "peer-9", peer.DeviceID)
	assert.Equal(t, ".local", peer.DeviceName)
	assert.Equal(t, 1, peer.Version)
	assert.Equal(t, []string{"10.0.0.9"}, peer.Addresses)

	entry.Text = []string{"version=1"}
	_, ok = parseEntry(entry, "self", "")
	assert.False(t, ok, "entries without a device ID are ignored")
}

func testServiceEntry(deviceID, accountHash, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"dev_id=" + deviceID,
			"acct_hash=" + accountHash,
			"fp=fingerprint-" + deviceID,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
