package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"openshare/chunkstore"
	"openshare/manifest"
	"openshare/network"
)

const maxNameAttempts = 1000

// ReceiveFile waits for the next offer on the session, fetches the chunks
// missing from the local store and writes the file into destDir. An existing
// file is never overwritten; a numbered name is chosen instead.
func (o *Orchestrator) ReceiveFile(ctx context.Context, session *network.Session, destDir string) (*Result, error) {
	l := o.linkFor(session)
	offer, err := l.nextOffer(ctx)
	if err != nil {
		return nil, err
	}
	defer l.unregister(offer.box)

	started := time.Now()
	m := offer.msg.Manifest
	result := &Result{
		TransferID:   offer.msg.TransferID,
		Direction:    DirectionReceive,
		PeerDeviceID: session.PeerDeviceID,
	}
	if m != nil {
		result.FileName = m.FileName
		result.FileSize = m.FileSize
		result.ManifestHash = m.ManifestHash
		result.ChunkCount = m.ChunkCount()
	}
	log := o.log.WithFields(logrus.Fields{
		"transfer_id":    result.TransferID,
		"direction":      DirectionReceive,
		"peer_device_id": session.PeerDeviceID,
	})
	o.begin(result, log)

	err = o.settle(ctx, l, result.TransferID, o.receive(ctx, l, offer.box, session, m, destDir, result, log))
	o.finish(result, started, err, log)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) receive(ctx context.Context, l *link, box *mailbox, session *network.Session, m *manifest.Manifest, destDir string, result *Result, log logrus.FieldLogger) error {
	need, err := o.admit(session, m, destDir, log)
	if err != nil {
		return err
	}
	o.persistManifest(m, log)

	if err := l.sendControl(controlMessage{Type: TypeAccept, TransferID: result.TransferID, Need: need}); err != nil {
		return err
	}
	o.markAccepted(result, log)
	result.ChunksSkipped = m.ChunkCount() - len(need)
	log.WithFields(logrus.Fields{
		"file_name": m.FileName,
		"file_size": m.FileSize,
		"needed":    len(need),
		"skipped":   result.ChunksSkipped,
	}).Info("accepted offer")

	if err := o.collect(ctx, l, box, m, need, result); err != nil {
		return err
	}

	path, err := o.assemble(m, destDir)
	if err != nil {
		return abortWith(ReasonStorage, err)
	}
	result.Path = path

	return l.sendControl(controlMessage{Type: TypeDone, TransferID: result.TransferID})
}

// admit decides whether to take the offer and lists the chunk indices to
// fetch. Duplicate chunks are fetched once.
func (o *Orchestrator) admit(session *network.Session, m *manifest.Manifest, destDir string, log logrus.FieldLogger) ([]int, error) {
	if err := manifest.Verify(m, session.PeerIdentity); err != nil {
		return nil, rejectWith(ReasonInvalidManifest, err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, rejectWith(ReasonStorage, fmt.Errorf("create destination: %w", err))
	}

	free, err := o.opts.FreeSpace(destDir)
	switch {
	case err != nil:
		log.WithError(err).Warn("could not determine free space")
	case free < uint64(m.FileSize):
		return nil, rejectWith(ReasonInsufficientSpace,
			fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, m.FileSize, free))
	}

	if o.opts.OnOffer != nil {
		if err := o.opts.OnOffer(session.SessionInfo, m); err != nil {
			return nil, rejectWith(ReasonDeclined, err)
		}
	}

	need := make([]int, 0, m.ChunkCount())
	seen := make(map[chunkstore.Hash]bool, m.ChunkCount())
	for i, h := range m.ChunkHashes {
		if seen[h] {
			continue
		}
		seen[h] = true
		has, err := o.opts.Store.Has(h)
		if err != nil {
			return nil, rejectWith(ReasonStorage, err)
		}
		if !has {
			need = append(need, i)
		}
	}
	return need, nil
}

// collect reassembles the requested chunks into the store until the sender
// reports completion.
func (o *Orchestrator) collect(ctx context.Context, l *link, box *mailbox, m *manifest.Manifest, need []int, result *Result) error {
	pending := make(map[int]bool, len(need))
	for _, index := range need {
		pending[index] = true
	}
	partial := make(map[int][]byte)

	for {
		ev, err := l.next(ctx, box, o.opts.ResponseTimeout)
		if err != nil {
			return err
		}

		if ev.control != nil {
			switch ev.control.Type {
			case TypeComplete:
				if len(pending) > 0 {
					return abortWith(ReasonIncomplete,
						fmt.Errorf("%w: sender finished with %d chunks missing", ErrProtocolViolation, len(pending)))
				}
				return nil
			case TypeAbort, TypeCancel:
				return remoteEnd(ev.control)
			default:
				return abortWith(ReasonProtocolViolation,
					fmt.Errorf("%w: got %q while receiving chunks", ErrProtocolViolation, ev.control.Type))
			}
		}

		piece := ev.data
		if !pending[piece.Index] {
			return abortWith(ReasonProtocolViolation,
				fmt.Errorf("%w: unrequested chunk %d", ErrProtocolViolation, piece.Index))
		}
		buf := append(partial[piece.Index], piece.Payload...)
		if len(buf) > m.ChunkLength(piece.Index) {
			return abortWith(ReasonProtocolViolation,
				fmt.Errorf("%w: chunk %d longer than announced", ErrProtocolViolation, piece.Index))
		}
		if !piece.Last {
			partial[piece.Index] = buf
			continue
		}

		delete(partial, piece.Index)
		if err := o.opts.Store.PutExpected(m.ChunkHashes[piece.Index], buf); err != nil {
			if errors.Is(err, chunkstore.ErrChunkIntegrity) {
				return abortWith(ReasonChunkIntegrity, fmt.Errorf("chunk %d: %w", piece.Index, err))
			}
			return abortWith(ReasonStorage, fmt.Errorf("store chunk %d: %w", piece.Index, err))
		}
		delete(pending, piece.Index)
		result.ChunksTransferred++
		result.BytesTransferred += int64(len(buf))
	}
}

// assemble writes the file from the store into a temporary file and moves it
// to a free name in dir.
func (o *Orchestrator) assemble(m *manifest.Manifest, dir string) (string, error) {
	tmp, err := os.CreateTemp(dir, ".openshare-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := o.writeChunks(tmp, m); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	path, err := placeFile(tmpPath, dir, m.FileName)
	if err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return path, nil
}

func (o *Orchestrator) writeChunks(f *os.File, m *manifest.Manifest) error {
	var written int64
	for i, h := range m.ChunkHashes {
		data, err := o.opts.Store.Get(h)
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", i, err)
		}
		n, err := f.Write(data)
		if err != nil {
			return fmt.Errorf("write chunk %d: %w", i, err)
		}
		written += int64(n)
	}
	if written != m.FileSize {
		return fmt.Errorf("assembled %d bytes, manifest says %d", written, m.FileSize)
	}
	if err := f.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// placeFile moves tmp to name in dir, appending " (N)" before the extension
// when the name is taken.
func placeFile(tmp, dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		candidate := name
		if attempt > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, attempt, ext)
		}
		target := filepath.Join(dir, candidate)

		// Link fails if target exists, so a concurrent writer cannot be clobbered.
		err := os.Link(tmp, target)
		if err == nil {
			os.Remove(tmp)
			return target, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}

		// Some filesystems have no hard links.
		_, statErr := os.Lstat(target)
		switch {
		case errors.Is(statErr, fs.ErrNotExist):
			if err := os.Rename(tmp, target); err != nil {
				return "", fmt.Errorf("move into place: %w", err)
			}
			return target, nil
		case statErr != nil:
			return "", fmt.Errorf("stat %q: %w", target, statErr)
		}
	}
	return "", fmt.Errorf("no free file name for %q in %s", name, dir)
}
