// Package transfer moves files between two authenticated sessions as verified,
// deduplicated chunks described by a signed manifest.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"openshare/chunkstore"
	"openshare/crypto"
	"openshare/manifest"
	"openshare/network"
	"openshare/storage"
)

const (
	DirectionSend    = storage.TransferDirectionSend
	DirectionReceive = storage.TransferDirectionReceive

	DefaultResponseTimeout   = 30 * time.Second
	DefaultCompletionTimeout = 5 * time.Minute
)

var (
	// ErrTransferRejected means the receiving side declined the offer.
	ErrTransferRejected = errors.New("transfer: rejected")
	// ErrTransferAborted means the transfer was abandoned by either side.
	ErrTransferAborted = errors.New("transfer: aborted")
	// ErrInsufficientSpace means the destination volume cannot hold the file.
	ErrInsufficientSpace = errors.New("transfer: insufficient disk space")
	// ErrProtocolViolation means the peer sent something out of sequence.
	ErrProtocolViolation = errors.New("transfer: protocol violation")
	// ErrManifestTooLarge means the manifest would not fit one offer frame.
	ErrManifestTooLarge = errors.New("transfer: manifest too large for one offer")
)

// Ledger records transfer history. *storage.Store implements it.
type Ledger interface {
	SaveTransfer(transfer storage.Transfer) error
	UpdateTransferStatus(transferID, status string) error
	FinishTransfer(outcome storage.TransferOutcome) error
	SaveManifest(record storage.ManifestRecord) error
}

// Metrics receives transfer counters. *metrics.Registry implements it.
type Metrics interface {
	TransferStarted(direction string)
	TransferFinished(direction, outcome string, bytes int64, elapsed time.Duration)
	ChunksTransferred(direction string, count int)
	ChunksSkipped(count int)
	ChunkIntegrityFailure()
}

// OfferFunc decides whether an incoming offer is accepted. A non-nil error
// rejects it.
type OfferFunc func(peer network.SessionInfo, m *manifest.Manifest) error

// Options configures an Orchestrator. Store and Manifests are required.
type Options struct {
	Store     *chunkstore.Store
	Manifests *manifest.Service

	// ManifestDir, when set, keeps a copy of every manifest sent or received.
	ManifestDir string
	ChunkSize   int

	Ledger  Ledger
	Metrics Metrics
	Logger  logrus.FieldLogger

	ResponseTimeout   time.Duration
	CompletionTimeout time.Duration
	MaxPieceSize      int

	FreeSpace FreeSpaceFunc
	OnOffer   OfferFunc
}

// Result summarizes a finished transfer.
type Result struct {
	TransferID        string
	Direction         string
	PeerDeviceID      string
	FileName          string
	Path              string
	FileSize          int64
	ManifestHash      chunkstore.Hash
	ChunkCount        int
	ChunksTransferred int
	ChunksSkipped     int
	BytesTransferred  int64
	Duration          time.Duration
}

// Orchestrator runs transfers over established sessions. It never closes a
// session; several transfers may share one.
type Orchestrator struct {
	opts Options
	log  logrus.FieldLogger

	mu    sync.Mutex
	links map[*network.Session]*link
}

// New validates options and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("transfer: chunk store is required")
	}
	if opts.Manifests == nil {
		return nil, errors.New("transfer: manifest service is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = DefaultCompletionTimeout
	}
	if opts.MaxPieceSize <= 0 || opts.MaxPieceSize > MaxPieceSize {
		opts.MaxPieceSize = MaxPieceSize
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = DiskFreeSpace
	}
	return &Orchestrator{
		opts:  opts,
		log:   opts.Logger.WithField("component", "transfer"),
		links: make(map[*network.Session]*link),
	}, nil
}

func (o *Orchestrator) linkFor(session *network.Session) *link {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.links[session]; ok {
		return l
	}
	l := newLink(session, o.log, func() {
		o.mu.Lock()
		delete(o.links, session)
		o.mu.Unlock()
	})
	o.links[session] = l
	return l
}

// abortError asks the caller to tell the peer why the transfer ends.
type abortError struct {
	reason string
	err    error
}

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

func abortWith(reason string, err error) error {
	return &abortError{reason: reason, err: err}
}

// rejectError declines an offer that was never accepted.
type rejectError struct {
	reason string
	err    error
}

func (e *rejectError) Error() string { return e.err.Error() }
func (e *rejectError) Unwrap() error { return e.err }

func rejectWith(reason string, err error) error {
	return &rejectError{reason: reason, err: err}
}

// peerError marks failures the peer already knows about.
type peerError struct{ err error }

func (e *peerError) Error() string { return e.err.Error() }
func (e *peerError) Unwrap() error { return e.err }

// settle notifies the peer about a local failure and unwraps the error for
// the caller. Cancellation sends cancel; the session stays open either way.
func (o *Orchestrator) settle(ctx context.Context, l *link, transferID string, err error) error {
	if err == nil {
		return nil
	}

	var reject *rejectError
	var abort *abortError
	var fromPeer *peerError
	switch {
	case errors.As(err, &reject):
		_ = l.sendControl(controlMessage{Type: TypeReject, TransferID: transferID, Reason: reject.reason})
		return fmt.Errorf("%w: %w", ErrTransferRejected, reject.err)
	case errors.As(err, &abort):
		_ = l.sendControl(controlMessage{Type: TypeAbort, TransferID: transferID, Reason: abort.reason})
		return abort.err
	case errors.As(err, &fromPeer):
		return fromPeer.err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		_ = l.sendControl(controlMessage{Type: TypeCancel, TransferID: transferID, Reason: ReasonCancelled})
	case errors.Is(err, errResponseTimeout):
		_ = l.sendControl(controlMessage{Type: TypeAbort, TransferID: transferID, Reason: ReasonTimeout})
		return fmt.Errorf("%w: %w", ErrTransferAborted, err)
	}
	return err
}

// rejectedBy converts a reject from the receiver into an error.
func rejectedBy(msg *controlMessage) error {
	err := fmt.Errorf("%w by peer: %s", ErrTransferRejected, msg.Reason)
	switch msg.Reason {
	case ReasonInsufficientSpace:
		err = fmt.Errorf("%w by peer: %w", ErrTransferRejected, ErrInsufficientSpace)
	case ReasonInvalidManifest:
		err = fmt.Errorf("%w by peer: %w", ErrTransferRejected, manifest.ErrManifestInvalid)
	}
	return &peerError{err: err}
}

// remoteEnd converts an abort or cancel from the peer into an error.
func remoteEnd(msg *controlMessage) error {
	err := fmt.Errorf("%w by peer: %s", ErrTransferAborted, msg.Reason)
	if msg.Reason == ReasonChunkIntegrity {
		err = fmt.Errorf("%w by peer: %w", ErrTransferAborted, chunkstore.ErrChunkIntegrity)
	}
	return &peerError{err: err}
}

func (o *Orchestrator) persistManifest(m *manifest.Manifest, log logrus.FieldLogger) {
	path := ""
	if o.opts.ManifestDir != "" {
		path = manifest.PathFor(o.opts.ManifestDir, m)
		if err := manifest.WriteFile(path, m); err != nil {
			log.WithError(err).Warn("could not keep manifest copy")
			path = ""
		}
	}
	if o.opts.Ledger == nil {
		return
	}
	err := o.opts.Ledger.SaveManifest(storage.ManifestRecord{
		ManifestHash:      m.ManifestHash.String(),
		FileName:          m.FileName,
		FileSize:          m.FileSize,
		ChunkSize:         m.ChunkSize,
		ChunkCount:        m.ChunkCount(),
		SignerFingerprint: crypto.KeyFingerprint(m.SignerPublicKey),
		Path:              path,
	})
	if err != nil {
		log.WithError(err).Warn("could not record manifest")
	}
}

func (o *Orchestrator) begin(result *Result, log logrus.FieldLogger) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.TransferStarted(result.Direction)
	}
	if o.opts.Ledger == nil {
		return
	}
	err := o.opts.Ledger.SaveTransfer(storage.Transfer{
		TransferID:   result.TransferID,
		Direction:    result.Direction,
		PeerDeviceID: result.PeerDeviceID,
		FileName:     result.FileName,
		FileSize:     result.FileSize,
		ManifestHash: result.ManifestHash.String(),
		ChunkCount:   result.ChunkCount,
		Status:       storage.TransferStatusPending,
	})
	if err != nil {
		log.WithError(err).Warn("could not record transfer")
	}
}

func (o *Orchestrator) markAccepted(result *Result, log logrus.FieldLogger) {
	if o.opts.Ledger == nil {
		return
	}
	if err := o.opts.Ledger.UpdateTransferStatus(result.TransferID, storage.TransferStatusAccepted); err != nil {
		log.WithError(err).Warn("could not update transfer status")
	}
}

func (o *Orchestrator) finish(result *Result, started time.Time, err error, log logrus.FieldLogger) {
	result.Duration = time.Since(started)
	status := outcomeOf(err)

	if o.opts.Metrics != nil {
		o.opts.Metrics.ChunksTransferred(result.Direction, result.ChunksTransferred)
		if result.ChunksSkipped > 0 {
			o.opts.Metrics.ChunksSkipped(result.ChunksSkipped)
		}
		if errors.Is(err, chunkstore.ErrChunkIntegrity) && result.Direction == DirectionReceive {
			o.opts.Metrics.ChunkIntegrityFailure()
		}
		o.opts.Metrics.TransferFinished(result.Direction, status, result.BytesTransferred, result.Duration)
	}

	if o.opts.Ledger != nil {
		outcome := storage.TransferOutcome{
			TransferID:        result.TransferID,
			Status:            status,
			ChunksTransferred: result.ChunksTransferred,
			ChunksSkipped:     result.ChunksSkipped,
			BytesTransferred:  result.BytesTransferred,
			StoredPath:        result.Path,
		}
		if err != nil {
			outcome.FailureReason = err.Error()
		}
		if ledgerErr := o.opts.Ledger.FinishTransfer(outcome); ledgerErr != nil {
			log.WithError(ledgerErr).Warn("could not finalize transfer record")
		}
	}

	entry := log.WithFields(logrus.Fields{
		"status":             status,
		"chunks_transferred": result.ChunksTransferred,
		"chunks_skipped":     result.ChunksSkipped,
		"bytes":              result.BytesTransferred,
		"elapsed":            result.Duration.String(),
	})
	if err != nil {
		entry.WithError(err).Warn("transfer failed")
		return
	}
	entry.Info("transfer complete")
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return storage.TransferStatusComplete
	case errors.Is(err, ErrTransferRejected):
		return storage.TransferStatusRejected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return storage.TransferStatusCancelled
	default:
		return storage.TransferStatusFailed
	}
}
