package updatelog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"badger": func(t *testing.T) Store {
			s, err := OpenBadger(BadgerConfig{InMemory: true})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"bolt": func(t *testing.T) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "log.db"), nil)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func meta(actor string, at time.Time) Metadata {
	return Metadata{ActorID: actor, Size: 1, ReceivedAt: at}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestAppendReplayOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		for i := 0; i < 20; i++ {
			seq, err := s.Append(ctx, "doc", []byte{byte(i)}, meta("a", now))
			require.NoError(t, err)
			assert.Equal(t, uint64(i+1), seq)
		}

		updates, err := ReplayUpdates(ctx, s, "doc")
		require.NoError(t, err)
		require.Len(t, updates, 20)
		for i, u := range updates {
			assert.Equal(t, []byte{byte(i)}, u)
		}

		last, err := LastSeq(ctx, s, "doc")
		require.NoError(t, err)
		assert.Equal(t, uint64(20), last)
	})
}

func TestDocumentsAreIsolated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Append(ctx, "a", []byte("1"), meta("x", time.Now()))
		require.NoError(t, err)
		_, err = s.Append(ctx, "a-b", []byte("2"), meta("x", time.Now()))
		require.NoError(t, err)

		updates, err := ReplayUpdates(ctx, s, "a")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("1")}, updates)

		updates, err = ReplayUpdates(ctx, s, "missing")
		require.NoError(t, err)
		assert.Empty(t, updates)
	})
}

func TestConcurrentAppendsKeepTotalOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					_, err := s.Append(ctx, "doc", []byte(fmt.Sprintf("%d-%d", w, i)), meta("w", time.Now()))
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		var seqs []uint64
		require.NoError(t, s.Replay(ctx, "doc", func(e Entry) error {
			seqs = append(seqs, e.Seq)
			return nil
		}))
		require.Len(t, seqs, 100)
		for i, seq := range seqs {
			assert.Equal(t, uint64(i+1), seq)
		}
	})
}

func TestCompactPreservesReplay(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := s.Append(ctx, "doc", []byte{byte(i)}, meta("a", time.Now()))
			require.NoError(t, err)
		}
		require.NoError(t, s.Compact(ctx, "doc", []byte("snapshot"), 3))

		var entries []Entry
		require.NoError(t, s.Replay(ctx, "doc", func(e Entry) error {
			entries = append(entries, e)
			return nil
		}))
		require.Len(t, entries, 3)
		assert.True(t, entries[0].Snapshot)
		assert.Equal(t, uint64(3), entries[0].Seq)
		assert.Equal(t, []byte("snapshot"), entries[0].Update)
		assert.Equal(t, []byte{3}, entries[1].Update)
		assert.Equal(t, []byte{4}, entries[2].Update)

		// sequence numbers keep growing after compaction
		seq, err := s.Append(ctx, "doc", []byte{5}, meta("a", time.Now()))
		require.NoError(t, err)
		assert.Equal(t, uint64(6), seq)

		assert.ErrorIs(t, s.Compact(ctx, "doc", []byte("x"), 99), ErrCompactRange)
	})
}

func TestDeleteRemovesLog(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := s.Append(ctx, "doc", []byte{byte(i)}, meta("a", time.Now()))
			require.NoError(t, err)
		}
		require.NoError(t, s.Compact(ctx, "doc", []byte("snap"), 2))
		require.NoError(t, s.Delete(ctx, "doc"))

		updates, err := ReplayUpdates(ctx, s, "doc")
		require.NoError(t, err)
		assert.Empty(t, updates)

		seq, err := s.Append(ctx, "doc", []byte("new"), meta("a", time.Now()))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), seq)
	})
}

func TestDeleteLeavesDocumentsSharingAPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := s.Append(ctx, "ab", []byte{byte(i)}, meta("a", time.Now()))
			require.NoError(t, err)
		}
		require.NoError(t, s.Compact(ctx, "ab", []byte("snap-ab"), 3))
		_, err := s.Append(ctx, "ab", []byte("tail"), meta("a", time.Now()))
		require.NoError(t, err)
		_, err = s.Append(ctx, "a", []byte("x"), meta("a", time.Now()))
		require.NoError(t, err)
		require.NoError(t, s.Compact(ctx, "a", []byte("snap-a"), 1))

		require.NoError(t, s.Delete(ctx, "a"))

		updates, err := ReplayUpdates(ctx, s, "ab")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("snap-ab"), []byte("tail")}, updates)

		updates, err = ReplayUpdates(ctx, s, "a")
		require.NoError(t, err)
		assert.Empty(t, updates)
	})
}

func TestSummary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 6; i++ {
			actor := "alice"
			if i%3 == 0 {
				actor = "bob"
			}
			_, err := s.Append(ctx, "doc", []byte("xx"), meta(actor, base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}

		sum, err := s.Summary(ctx, "doc", Range{})
		require.NoError(t, err)
		assert.Equal(t, 6, sum.Entries)
		assert.Equal(t, int64(12), sum.Bytes)
		assert.Equal(t, map[string]int{"alice": 4, "bob": 2}, sum.Actors)
		assert.True(t, sum.FirstReceived.Equal(base))
		assert.True(t, sum.LastReceived.Equal(base.Add(5*time.Minute)))

		sum, err = s.Summary(ctx, "doc", Range{From: base.Add(2 * time.Minute), To: base.Add(3 * time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Entries)
		assert.Equal(t, uint64(3), sum.FirstSeq)
		assert.Equal(t, uint64(4), sum.LastSeq)
	})
}

func TestInvalidDocumentID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Append(context.Background(), "a/b", []byte("x"), Metadata{})
		assert.ErrorIs(t, err, ErrInvalidDocument)
	})
}

func TestBadgerDetectsCorruption(t *testing.T) {
	s, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Append(ctx, "doc", []byte("fine"), meta("a", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(logPrefix("doc"), 2), []byte("garbage!"))
	}))

	_, err = ReplayUpdates(ctx, s, "doc")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestBadgerReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "doc", []byte{byte(i)}, meta("a", time.Now()))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	defer s.Close()
	seq, err := s.Append(ctx, "doc", []byte{3}, meta("a", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	updates, err := ReplayUpdates(ctx, s, "doc")
	require.NoError(t, err)
	assert.Len(t, updates, 4)
}
