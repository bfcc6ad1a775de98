package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openshare/chunkstore"
	"openshare/network"
	"openshare/transfer"
)

var (
	_ network.HandshakeObserver = (*Registry)(nil)
	_ transfer.Metrics          = (*Registry)(nil)
)

func TestHandshakeCounters(t *testing.T) {
	r := New()
	r.ObserveHandshake("initiator", "established", 20*time.Millisecond)
	r.ObserveHandshake("initiator", "established", 30*time.Millisecond)
	r.ObserveHandshake("responder", "bad_signature", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.handshakes.WithLabelValues("initiator", "established")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.handshakes.WithLabelValues("responder", "bad_signature")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.handshakeLatency))
}

func TestTransferCounters(t *testing.T) {
	r := New()
	r.TransferStarted("send")
	r.TransferStarted("receive")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.activeTransfers.WithLabelValues("send")))

	r.ChunksTransferred("send", 3)
	r.ChunksSkipped(2)
	r.ChunkIntegrityFailure()
	r.TransferFinished("send", "complete", 600*1024, time.Second)

	assert.Zero(t, testutil.ToFloat64(r.activeTransfers.WithLabelValues("send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.activeTransfers.WithLabelValues("receive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transfersFinished.WithLabelValues("send", "complete")))
	assert.Equal(t, float64(600*1024), testutil.ToFloat64(r.transferBytes.WithLabelValues("send")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.chunks.WithLabelValues("send")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.chunksSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.integrityFailures))
}

func TestHandlerExposesStoreGauges(t *testing.T) {
	r := New()
	r.WatchStore(func() chunkstore.Stats {
		return chunkstore.Stats{Chunks: 7, Bytes: 4096, Deduplicated: 2}
	})
	r.ObserveHandshake("responder", "established", time.Millisecond)

	server := httptest.NewServer(r.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "openshare_chunkstore_chunks 7")
	assert.Contains(t, text, "openshare_chunkstore_bytes 4096")
	assert.Contains(t, text, "openshare_chunkstore_deduplicated_total 2")
	assert.Contains(t, text, `openshare_handshake_total{outcome="established",role="responder"} 1`)
	assert.Contains(t, text, "go_goroutines")
}
