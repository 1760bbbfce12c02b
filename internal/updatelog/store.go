// Package updatelog persists the ordered, append-only log of accepted
// updates for every document. It is the relay's durability boundary: an
// update is committed once Append returns, and Replay is the only way state
// is rebuilt after a restart.
package updatelog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrCorrupt is returned when a stored entry fails its integrity check.
	ErrCorrupt = errors.New("update log entry corrupted")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("update log closed")
	// ErrInvalidDocument is returned for document ids that cannot be used as keys.
	ErrInvalidDocument = errors.New("invalid document id")
	// ErrCompactRange is returned when compaction asks for entries that do not exist.
	ErrCompactRange = errors.New("compaction range beyond end of log")
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidDocumentID reports whether id can address a log.
func ValidDocumentID(id string) bool {
	return documentIDPattern.MatchString(id)
}

func checkID(id string) error {
	if !ValidDocumentID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDocument, id)
	}
	return nil
}

// Metadata describes who sent an update and when the relay accepted it.
type Metadata struct {
	ActorID    string
	Size       int
	ReceivedAt time.Time
}

// Entry is one stored update. Snapshot entries replace every entry up to
// and including Seq after compaction.
type Entry struct {
	DocumentID string
	Seq        uint64
	Update     []byte
	Meta       Metadata
	Snapshot   bool
}

// Range filters entries by the time the relay received them. Zero bounds
// are open.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Summary aggregates a document log without exposing update bytes.
type Summary struct {
	DocumentID       string         `json:"document_id"`
	Entries          int            `json:"entries"`
	Bytes            int64          `json:"bytes"`
	FirstSeq         uint64         `json:"first_seq,omitempty"`
	LastSeq          uint64         `json:"last_seq,omitempty"`
	FirstReceived    time.Time      `json:"first_received,omitzero"`
	LastReceived     time.Time      `json:"last_received,omitzero"`
	Actors           map[string]int `json:"actors"`
	CompactedThrough uint64         `json:"compacted_through,omitempty"`
	SnapshotBytes    int            `json:"snapshot_bytes,omitempty"`
}

func (s *Summary) add(e Entry) {
	if s.Entries == 0 {
		s.FirstSeq = e.Seq
		s.FirstReceived = e.Meta.ReceivedAt
	}
	s.Entries++
	s.Bytes += int64(len(e.Update))
	s.LastSeq = e.Seq
	s.LastReceived = e.Meta.ReceivedAt
	s.Actors[e.Meta.ActorID]++
}

// Store is an append-only, per-document update log.
//
// Appends for one document are totally ordered by sequence number. Stores
// are safe for concurrent use; operations on different documents do not
// wait for each other except where the backend serializes writes.
type Store interface {
	// Append durably stores update and returns its sequence number.
	Append(ctx context.Context, documentID string, update []byte, meta Metadata) (uint64, error)

	// Replay calls fn for every live entry in order, the compaction
	// snapshot first.
	Replay(ctx context.Context, documentID string, fn func(Entry) error) error

	// Compact replaces entries up to and including through with snapshot.
	Compact(ctx context.Context, documentID string, snapshot []byte, through uint64) error

	// Delete removes the whole log of a document.
	Delete(ctx context.Context, documentID string) error

	// Summary aggregates the entries received within r.
	Summary(ctx context.Context, documentID string, r Range) (Summary, error)

	Close() error
}

// ReplayUpdates collects the raw updates of a document in replay order.
func ReplayUpdates(ctx context.Context, s Store, documentID string) ([][]byte, error) {
	var updates [][]byte
	err := s.Replay(ctx, documentID, func(e Entry) error {
		updates = append(updates, e.Update)
		return nil
	})
	return updates, err
}

// LastSeq returns the sequence number of the newest entry, or 0.
func LastSeq(ctx context.Context, s Store, documentID string) (uint64, error) {
	var last uint64
	err := s.Replay(ctx, documentID, func(e Entry) error {
		last = e.Seq
		return nil
	})
	return last, err
}
