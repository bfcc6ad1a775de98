package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"openshare/chunkstore"
	"openshare/crypto"
)

// ChunkFunc receives every chunk while a manifest is built. It runs on the
// hashing workers, so it must be safe for concurrent use.
type ChunkFunc func(index int, hash chunkstore.Hash, data []byte) error

// BuildOptions tunes a single Build call.
type BuildOptions struct {
	ChunkSize int
	Workers   int
	OnChunk   ChunkFunc
}

// Service builds manifests signed by one identity.
type Service struct {
	identity *crypto.Identity
	workers  int
	log      logrus.FieldLogger
}

// NewService returns a manifest service. workers <= 0 uses GOMAXPROCS.
func NewService(identity *crypto.Identity, workers int, logger logrus.FieldLogger) (*Service, error) {
	if identity == nil {
		return nil, errors.New("manifest: identity is required")
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		identity: identity,
		workers:  workers,
		log:      logger.WithField("component", "manifest"),
	}, nil
}

// Build splits r into fixed-size chunks, hashes them on a bounded worker pool
// and returns the signed manifest.
func (s *Service) Build(ctx context.Context, name string, r io.Reader, opts BuildOptions) (*Manifest, error) {
	if err := ValidateFileName(name); err != nil {
		return nil, err
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("manifest: chunk size %d out of range", chunkSize)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = s.workers
	}

	started := time.Now()
	splitter := chunker.NewSizeSplitter(r, int64(chunkSize))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	var (
		mu      sync.Mutex
		byIndex = make(map[int]chunkstore.Hash)
		size    int64
		count   int
	)
	for ; ; count++ {
		if groupCtx.Err() != nil {
			break
		}
		data, err := splitter.NextBytes()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = group.Wait()
			return nil, fmt.Errorf("read chunk %d: %w", count, err)
		}
		size += int64(len(data))

		index := count
		group.Go(func() error {
			hash := chunkstore.Sum(data)
			if opts.OnChunk != nil {
				if err := opts.OnChunk(index, hash, data); err != nil {
					return fmt.Errorf("chunk %d: %w", index, err)
				}
			}
			mu.Lock()
			byIndex[index] = hash
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:     Version,
		FileName:    name,
		FileSize:    size,
		ChunkSize:   chunkSize,
		ChunkHashes: make([]chunkstore.Hash, count),
	}
	for i := range m.ChunkHashes {
		m.ChunkHashes[i] = byIndex[i]
	}
	if err := m.sign(s.identity); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"file_name":     name,
		"file_size":     size,
		"chunks":        count,
		"manifest_hash": m.ManifestHash.String(),
		"elapsed":       time.Since(started).String(),
	}).Debug("manifest built")
	return m, nil
}

// BuildFile builds a manifest for a file on disk, named by its base name.
func (s *Service) BuildFile(ctx context.Context, path string, opts BuildOptions) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%q is not a regular file", path)
	}
	return s.Build(ctx, filepath.Base(path), file, opts)
}
