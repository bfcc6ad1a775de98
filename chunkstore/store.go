// Package chunkstore is a content-addressed chunk store on top of badger.
// Chunks are keyed by their SHA-256 and are re-hashed on every read.
package chunkstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// MaxChunkSize is the largest chunk the store accepts.
const MaxChunkSize = 8 * 1024 * 1024

const keyPrefix = "chunk/"

var (
	// ErrNotFound is returned when a chunk is not in the store.
	ErrNotFound = errors.New("chunkstore: chunk not found")
	// ErrStorageCorruption means stored bytes no longer hash to their key.
	ErrStorageCorruption = errors.New("chunkstore: stored chunk is corrupt")
	// ErrChunkIntegrity means received bytes do not hash to the expected value.
	ErrChunkIntegrity = errors.New("chunkstore: chunk integrity check failed")
	// ErrChunkTooLarge is returned for chunks above MaxChunkSize.
	ErrChunkTooLarge = errors.New("chunkstore: chunk too large")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("chunkstore: store closed")
)

// Options configures a Store.
type Options struct {
	Logger logrus.FieldLogger

	// SyncWrites makes every Put durable before it returns.
	SyncWrites bool

	// GCInterval runs value log garbage collection periodically. Zero disables
	// it; in-memory stores never collect.
	GCInterval time.Duration
}

// Stats describes the store contents. Deduplicated counts writes since open
// that found the chunk already present.
type Stats struct {
	Chunks       int64
	Bytes        int64
	Deduplicated int64
}

// Store persists chunks. It is safe for concurrent use; writers of the same
// hash are serialized, writers of different hashes never contend.
type Store struct {
	db    *badger.DB
	log   logrus.FieldLogger
	locks *keyedMutex

	statsMu sync.Mutex
	stats   Stats

	closed    atomic.Bool
	closeOnce sync.Once
	stopGC    chan struct{}
	gcDone    chan struct{}
}

// Open opens or creates a store in dir.
func Open(dir string, options Options) (*Store, error) {
	if dir == "" {
		return nil, errors.New("chunkstore: directory is required")
	}
	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = options.SyncWrites
	opts.ValueLogFileSize = 1024 * 1024 * 100
	return open(opts, options, options.GCInterval)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory(options Options) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	return open(opts, options, 0)
}

func open(opts badger.Options, options Options, gcInterval time.Duration) (*Store, error) {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "chunkstore")
	opts.Logger = badgerLogger{logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	s := &Store{
		db:     db,
		log:    logger,
		locks:  newKeyedMutex(),
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if err := s.rebuildStats(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if gcInterval > 0 {
		go s.gcLoop(gcInterval)
	} else {
		close(s.gcDone)
	}

	s.log.WithFields(logrus.Fields{
		"chunks": s.stats.Chunks,
		"bytes":  s.stats.Bytes,
	}).Debug("chunk store opened")
	return s, nil
}

// Put stores data under its hash. Storing an existing chunk is a no-op.
func (s *Store) Put(data []byte) (Hash, error) {
	if len(data) > MaxChunkSize {
		return Hash{}, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(data))
	}
	h := Sum(data)
	if err := s.store(h, data); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// PutExpected stores data only if it hashes to expected.
func (s *Store) PutExpected(expected Hash, data []byte) error {
	if len(data) > MaxChunkSize {
		return fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(data))
	}
	if got := Sum(data); got != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChunkIntegrity, expected, got)
	}
	return s.store(expected, data)
}

func (s *Store) store(h Hash, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	unlock := s.locks.lock(h)
	defer unlock()

	key := chunkKey(h)
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			existed = true
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("store chunk %s: %w", h, err)
	}

	s.statsMu.Lock()
	if existed {
		s.stats.Deduplicated++
	} else {
		s.stats.Chunks++
		s.stats.Bytes += int64(len(data))
	}
	s.statsMu.Unlock()
	return nil
}

// Get returns the chunk bytes after checking they still hash to h.
func (s *Store) Get(h Hash) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(h))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", h, err)
	}

	if Sum(data) != h {
		s.log.WithField("chunk", h.String()).Error("stored chunk failed hash verification")
		return nil, fmt.Errorf("%w: %s", ErrStorageCorruption, h)
	}
	return data, nil
}

// Has reports whether h is stored. The bytes are not verified.
func (s *Store) Has(h Hash) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(h))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup chunk %s: %w", h, err)
	}
	return true, nil
}

// Remove deletes a chunk. Removing an absent chunk is not an error.
func (s *Store) Remove(h Hash) error {
	if s.closed.Load() {
		return ErrClosed
	}
	unlock := s.locks.lock(h)
	defer unlock()

	key := chunkKey(h)
	var size int64 = -1
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		size = item.ValueSize()
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("remove chunk %s: %w", h, err)
	}

	if size >= 0 {
		s.statsMu.Lock()
		s.stats.Chunks--
		s.stats.Bytes -= size
		s.statsMu.Unlock()
	}
	return nil
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// CollectGarbage rewrites value log files until badger has nothing left to
// reclaim.
func (s *Store) CollectGarbage(discardRatio float64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for {
		err := s.db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopGC)
		<-s.gcDone
		err = s.db.Close()
	})
	return err
}

func (s *Store) rebuildStats() error {
	var stats Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			stats.Chunks++
			stats.Bytes += it.Item().ValueSize()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan chunk store: %w", err)
	}
	s.stats = stats
	return nil
}

func (s *Store) gcLoop(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.CollectGarbage(0.5); err != nil {
				s.log.WithError(err).Warn("chunk store garbage collection failed")
			}
		}
	}
}

func chunkKey(h Hash) []byte {
	key := make([]byte, 0, len(keyPrefix)+HashSize)
	key = append(key, keyPrefix...)
	return append(key, h[:]...)
}

// badgerLogger routes badger's logging into logrus. Badger is chatty at info
// level, so info is demoted to debug.
type badgerLogger struct {
	log logrus.FieldLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.log.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.log.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.log.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.log.Debugf(format, args...) }
