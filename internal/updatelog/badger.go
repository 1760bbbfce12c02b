package updatelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures a BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every append. Must stay true in production: the relay
	// acknowledges an update only after Append returns.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a value log rewrite.
	GCDiscardRatio float64

	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// docLog serializes appends of one document and caches its last sequence.
type docLog struct {
	mu     sync.Mutex
	loaded bool
	last   uint64
}

// BadgerStore implements Store on BadgerDB.
//
// Key format:
//
//	log/{doc}/{seq:8 bytes big endian} -> [crc][gob entryRecord]
//	snap/{doc}                         -> [crc][gob snapshotRecord]
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]*docLog

	stopGC chan struct{}
	gcDone chan struct{}
	closed bool
}

// OpenBadger opens (creating if needed) a BadgerDB update log.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent update log")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "updatelog"), slog.String("backend", "badger"))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create update log directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger,
		docs:   make(map[string]*docLog),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	logger.Info("update log opened", slog.String("path", cfg.Path), slog.Bool("sync_writes", cfg.SyncWrites))
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

func logPrefix(documentID string) []byte {
	return []byte("log/" + documentID + "/")
}

func snapKey(documentID string) []byte {
	return []byte("snap/" + documentID)
}

func (s *BadgerStore) doc(documentID string) (*docLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	d, ok := s.docs[documentID]
	if !ok {
		d = &docLog{}
		s.docs[documentID] = d
	}
	return d, nil
}

// loadLocked finds the highest sequence of a document, scanning backwards
// from the end of its key range.
func (s *BadgerStore) loadLocked(d *docLog, documentID string) error {
	if d.loaded {
		return nil
	}
	prefix := logPrefix(documentID)
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(seqKey(prefix, ^uint64(0)))
		if it.ValidForPrefix(prefix) {
			last = binary.BigEndian.Uint64(it.Item().Key()[len(prefix):])
		}
		snap, err := s.snapshotTxn(txn, documentID)
		if err != nil {
			return err
		}
		if snap != nil && snap.Through > last {
			last = snap.Through
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.last = last
	d.loaded = true
	return nil
}

func (s *BadgerStore) snapshotTxn(txn *badger.Txn, documentID string) (*snapshotRecord, error) {
	item, err := txn.Get(snapKey(documentID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec snapshotRecord
	err = item.Value(func(val []byte) error {
		return decodeRecord(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot of %s: %w", documentID, err)
	}
	return &rec, nil
}

func (s *BadgerStore) Append(ctx context.Context, documentID string, update []byte, meta Metadata) (uint64, error) {
	if err := checkID(documentID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	value, err := encodeEntry(update, meta)
	if err != nil {
		return 0, err
	}
	d, err := s.doc(documentID)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := s.loadLocked(d, documentID); err != nil {
		return 0, fmt.Errorf("load sequence: %w", err)
	}
	seq := d.last + 1
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(logPrefix(documentID), seq), value)
	})
	if err != nil {
		return 0, fmt.Errorf("write entry: %w", err)
	}
	d.last = seq
	s.logger.Debug("update appended", slog.String("doc", documentID), slog.Uint64("seq", seq), slog.Int("bytes", len(value)))
	return seq, nil
}

func (s *BadgerStore) Replay(ctx context.Context, documentID string, fn func(Entry) error) error {
	if err := checkID(documentID); err != nil {
		return err
	}
	prefix := logPrefix(documentID)
	return s.db.View(func(txn *badger.Txn) error {
		snap, err := s.snapshotTxn(txn, documentID)
		if err != nil {
			return err
		}
		var through uint64
		if snap != nil {
			through = snap.Through
			if err := fn(snapshotEntry(documentID, *snap)); err != nil {
				return err
			}
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(seqKey(prefix, through+1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(prefix):])
			var e Entry
			err := item.Value(func(val []byte) error {
				var derr error
				e, derr = decodeEntry(documentID, seq, val)
				return derr
			})
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Compact(ctx context.Context, documentID string, snapshot []byte, through uint64) error {
	if err := checkID(documentID); err != nil {
		return err
	}
	d, err := s.doc(documentID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := s.loadLocked(d, documentID); err != nil {
		return err
	}
	if through > d.last {
		return fmt.Errorf("%w: through %d, last %d", ErrCompactRange, through, d.last)
	}
	value, err := encodeRecord(&snapshotRecord{Through: through, Update: snapshot, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	// The snapshot record is the compaction index: once it is written,
	// replay ignores every entry up to through even if the deletes below
	// never complete.
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(documentID), value)
	}); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	prefix := logPrefix(documentID)
	var superseded [][]byte
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if binary.BigEndian.Uint64(key[len(prefix):]) > through {
				break
			}
			superseded = append(superseded, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan superseded entries: %w", err)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range superseded {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("delete superseded entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete superseded entries: %w", err)
	}
	s.logger.Info("log compacted",
		slog.String("doc", documentID),
		slog.Uint64("through", through),
		slog.Int("superseded", len(superseded)),
		slog.Int("snapshot_bytes", len(snapshot)))
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, documentID string) error {
	if err := checkID(documentID); err != nil {
		return err
	}
	d, err := s.doc(documentID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := s.db.DropPrefix(logPrefix(documentID)); err != nil {
		return fmt.Errorf("drop log of %s: %w", documentID, err)
	}
	// snapKey has no terminator, so it is deleted by exact key.
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapKey(documentID))
	}); err != nil {
		return fmt.Errorf("drop snapshot of %s: %w", documentID, err)
	}
	d.loaded = false
	d.last = 0
	s.logger.Info("log deleted", slog.String("doc", documentID))
	return nil
}

func (s *BadgerStore) Summary(ctx context.Context, documentID string, r Range) (Summary, error) {
	sum := Summary{DocumentID: documentID, Actors: make(map[string]int)}
	err := s.Replay(ctx, documentID, func(e Entry) error {
		if e.Snapshot {
			sum.CompactedThrough = e.Seq
			sum.SnapshotBytes = len(e.Update)
			return nil
		}
		if r.contains(e.Meta.ReceivedAt) {
			sum.add(e)
		}
		return nil
	})
	return sum, err
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}
