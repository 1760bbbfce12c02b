package updatelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLog  = []byte("log")
	bucketSnap = []byte("snap")
)

// BoltStore implements Store on a single bbolt file. Every document gets a
// nested bucket under "log" whose keys come from the bucket sequence.
//
// bbolt allows a single writer at a time, so appends of unrelated documents
// are serialized by the backend.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string, logger *slog.Logger) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("path is required for bolt update log")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create update log directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSnap)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	logger = logger.With(slog.String("component", "updatelog"), slog.String("backend", "bolt"))
	logger.Info("update log opened", slog.String("path", path))
	return &BoltStore{db: db, logger: logger}, nil
}

func itob(v uint64) []byte {
	return seqKey(nil, v)
}

func (s *BoltStore) Append(ctx context.Context, documentID string, update []byte, meta Metadata) (uint64, error) {
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
	var seq uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketLog).CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		if seq, err = b.NextSequence(); err != nil {
			return err
		}
		return b.Put(itob(seq), value)
	})
	if err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("write entry: %w", err)
	}
	return seq, nil
}

func (s *BoltStore) snapshot(tx *bolt.Tx, documentID string) (*snapshotRecord, error) {
	v := tx.Bucket(bucketSnap).Get([]byte(documentID))
	if v == nil {
		return nil, nil
	}
	var rec snapshotRecord
	if err := decodeRecord(v, &rec); err != nil {
		return nil, fmt.Errorf("snapshot of %s: %w", documentID, err)
	}
	return &rec, nil
}

func (s *BoltStore) Replay(ctx context.Context, documentID string, fn func(Entry) error) error {
	if err := checkID(documentID); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		snap, err := s.snapshot(tx, documentID)
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
		b := tx.Bucket(bucketLog).Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(itob(through + 1)); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := decodeEntry(documentID, binary.BigEndian.Uint64(k), v)
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

func (s *BoltStore) Compact(ctx context.Context, documentID string, snapshot []byte, through uint64) error {
	if err := checkID(documentID); err != nil {
		return err
	}
	value, err := encodeRecord(&snapshotRecord{Through: through, Update: snapshot, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	var superseded int
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog).Bucket([]byte(documentID))
		var last uint64
		if b != nil {
			last = b.Sequence()
		}
		if through > last {
			return fmt.Errorf("%w: through %d, last %d", ErrCompactRange, through, last)
		}
		if err := tx.Bucket(bucketSnap).Put([]byte(documentID), value); err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		// collect first: deleting under a live cursor skips keys
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= through; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		superseded = len(keys)
		return nil
	})
	if err != nil {
		return fmt.Errorf("compact %s: %w", documentID, err)
	}
	s.logger.Info("log compacted",
		slog.String("doc", documentID),
		slog.Uint64("through", through),
		slog.Int("superseded", superseded))
	return nil
}

func (s *BoltStore) Delete(ctx context.Context, documentID string) error {
	if err := checkID(documentID); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketLog).DeleteBucket([]byte(documentID))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return tx.Bucket(bucketSnap).Delete([]byte(documentID))
	})
	if err != nil {
		return fmt.Errorf("delete log of %s: %w", documentID, err)
	}
	s.logger.Info("log deleted", slog.String("doc", documentID))
	return nil
}

func (s *BoltStore) Summary(ctx context.Context, documentID string, r Range) (Summary, error) {
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

func (s *BoltStore) Close() error {
	return s.db.Close()
}
