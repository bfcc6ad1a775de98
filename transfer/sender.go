package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"openshare/chunkstore"
	"openshare/crypto"
	"openshare/manifest"
	"openshare/network"
)

// SendFile offers src to the session peer and streams the chunks it asks for.
// It returns once the peer confirms the file is in place.
func (o *Orchestrator) SendFile(ctx context.Context, session *network.Session, src Source) (*Result, error) {
	started := time.Now()
	id := uuid.New()
	log := o.log.WithFields(logrus.Fields{
		"transfer_id":    id.String(),
		"direction":      DirectionSend,
		"peer_device_id": session.PeerDeviceID,
	})

	if err := o.checkSourceSize(src); err != nil {
		return nil, err
	}
	m, err := o.buildManifest(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := checkOfferSize(m); err != nil {
		return nil, err
	}
	o.persistManifest(m, log)

	l := o.linkFor(session)
	box, err := l.register(id.String())
	if err != nil {
		return nil, err
	}
	defer l.unregister(box)

	result := &Result{
		TransferID:   id.String(),
		Direction:    DirectionSend,
		PeerDeviceID: session.PeerDeviceID,
		FileName:     m.FileName,
		FileSize:     m.FileSize,
		ManifestHash: m.ManifestHash,
		ChunkCount:   m.ChunkCount(),
	}
	o.begin(result, log)
	log.WithFields(logrus.Fields{
		"file_name": m.FileName,
		"file_size": m.FileSize,
		"chunks":    m.ChunkCount(),
	}).Info("offering file")

	err = o.settle(ctx, l, result.TransferID, o.send(ctx, l, box, id, m, result, log))
	o.finish(result, started, err, log)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkSourceSize refuses, before any hashing, a source whose chunk count
// cannot fit one offer at the configured chunk size.
func (o *Orchestrator) checkSourceSize(src Source) error {
	sized, ok := src.(sizedSource)
	if !ok {
		return nil
	}
	size, err := sized.Size()
	if err != nil {
		return err
	}
	chunkSize := int64(o.opts.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = manifest.DefaultChunkSize
	}
	if chunks := (size + chunkSize - 1) / chunkSize; chunks > MaxOfferChunks {
		return fmt.Errorf("%w: %s needs %d chunks of %d bytes, at most %d fit; use a larger chunk size",
			ErrManifestTooLarge, src.Name(), chunks, chunkSize, MaxOfferChunks)
	}
	return nil
}

// checkOfferSize makes sure the encoded offer for m fits one frame.
func checkOfferSize(m *manifest.Manifest) error {
	payload, err := encodeControl(controlMessage{Type: TypeOffer, TransferID: uuid.Nil.String(), Manifest: m})
	if err != nil {
		return err
	}
	if len(payload) > crypto.MaxFramePlaintext {
		return fmt.Errorf("%w: %d chunks encode to %d bytes, limit %d",
			ErrManifestTooLarge, m.ChunkCount(), len(payload), crypto.MaxFramePlaintext)
	}
	return nil
}

// buildManifest chunks the source into the local store while hashing it.
func (o *Orchestrator) buildManifest(ctx context.Context, src Source) (*manifest.Manifest, error) {
	reader, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return o.opts.Manifests.Build(ctx, src.Name(), reader, manifest.BuildOptions{
		ChunkSize: o.opts.ChunkSize,
		OnChunk: func(_ int, hash chunkstore.Hash, data []byte) error {
			return o.opts.Store.PutExpected(hash, data)
		},
	})
}

func (o *Orchestrator) send(ctx context.Context, l *link, box *mailbox, id uuid.UUID, m *manifest.Manifest, result *Result, log logrus.FieldLogger) error {
	if err := l.sendControl(controlMessage{Type: TypeOffer, TransferID: result.TransferID, Manifest: m}); err != nil {
		return err
	}

	ev, err := l.next(ctx, box, o.opts.ResponseTimeout)
	if err != nil {
		return err
	}
	need, err := o.acceptedChunks(ev, m)
	if err != nil {
		return err
	}
	o.markAccepted(result, log)
	result.ChunksSkipped = m.ChunkCount() - len(need)
	log.WithFields(logrus.Fields{
		"needed":  len(need),
		"skipped": result.ChunksSkipped,
	}).Debug("offer accepted")

	for _, index := range need {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The receiver may give up while we stream.
		if ev, ok := box.poll(); ok {
			if ev.control != nil && (ev.control.Type == TypeAbort || ev.control.Type == TypeCancel) {
				return remoteEnd(ev.control)
			}
			return abortWith(ReasonProtocolViolation, fmt.Errorf("%w: unexpected message while streaming", ErrProtocolViolation))
		}

		data, err := o.opts.Store.Get(m.ChunkHashes[index])
		if err != nil {
			return abortWith(ReasonStorage, fmt.Errorf("read chunk %d: %w", index, err))
		}
		if err := o.sendChunk(l, id, index, data); err != nil {
			return err
		}
		result.ChunksTransferred++
		result.BytesTransferred += int64(len(data))
	}

	if err := l.sendControl(controlMessage{Type: TypeComplete, TransferID: result.TransferID}); err != nil {
		return err
	}

	ev, err = l.next(ctx, box, o.opts.CompletionTimeout)
	if err != nil {
		return err
	}
	if ev.control == nil {
		return abortWith(ReasonProtocolViolation, fmt.Errorf("%w: data frame from receiver", ErrProtocolViolation))
	}
	switch ev.control.Type {
	case TypeDone:
		return nil
	case TypeAbort, TypeCancel:
		return remoteEnd(ev.control)
	default:
		return abortWith(ReasonProtocolViolation, fmt.Errorf("%w: got %q while waiting for done", ErrProtocolViolation, ev.control.Type))
	}
}

// acceptedChunks interprets the offer response and validates the need list.
func (o *Orchestrator) acceptedChunks(ev event, m *manifest.Manifest) ([]int, error) {
	if ev.control == nil {
		return nil, abortWith(ReasonProtocolViolation, fmt.Errorf("%w: data frame before accept", ErrProtocolViolation))
	}
	msg := ev.control
	switch msg.Type {
	case TypeAccept:
	case TypeReject:
		return nil, rejectedBy(msg)
	case TypeAbort, TypeCancel:
		return nil, remoteEnd(msg)
	default:
		return nil, abortWith(ReasonProtocolViolation, fmt.Errorf("%w: got %q in reply to offer", ErrProtocolViolation, msg.Type))
	}

	seen := make(map[int]bool, len(msg.Need))
	for _, index := range msg.Need {
		if index < 0 || index >= m.ChunkCount() || seen[index] {
			return nil, abortWith(ReasonProtocolViolation, fmt.Errorf("%w: bad chunk index %d in need list", ErrProtocolViolation, index))
		}
		seen[index] = true
	}
	return msg.Need, nil
}

// sendChunk writes one chunk as pieces that each fit a sealed frame.
func (o *Orchestrator) sendChunk(l *link, id uuid.UUID, index int, data []byte) error {
	for offset := 0; ; {
		end := min(offset+o.opts.MaxPieceSize, len(data))
		last := end == len(data)
		if err := l.sendData(encodeData(id, index, last, data[offset:end])); err != nil {
			return fmt.Errorf("send chunk %d: %w", index, err)
		}
		if last {
			return nil
		}
		offset = end
	}
}
