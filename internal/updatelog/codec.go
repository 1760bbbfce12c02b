package updatelog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"time"
)

// Value format: [4-byte CRC32 of payload][gob payload]

type entryRecord struct {
	Update     []byte
	ActorID    string
	Size       int
	ReceivedAt time.Time
}

type snapshotRecord struct {
	Through   uint64
	Update    []byte
	CreatedAt time.Time
}

func encodeRecord(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(out[4:]))
	return out, nil
}

func decodeRecord(data []byte, v any) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: entry too short", ErrCorrupt)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	if computed := crc32.ChecksumIEEE(data[4:]); stored != computed {
		return fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupt, stored, computed)
	}
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(v); err != nil {
		return fmt.Errorf("%w: gob decode: %v", ErrCorrupt, err)
	}
	return nil
}

func encodeEntry(update []byte, meta Metadata) ([]byte, error) {
	return encodeRecord(&entryRecord{
		Update:     update,
		ActorID:    meta.ActorID,
		Size:       meta.Size,
		ReceivedAt: meta.ReceivedAt.UTC(),
	})
}

func decodeEntry(documentID string, seq uint64, data []byte) (Entry, error) {
	var rec entryRecord
	if err := decodeRecord(data, &rec); err != nil {
		return Entry{}, fmt.Errorf("seq %d: %w", seq, err)
	}
	return Entry{
		DocumentID: documentID,
		Seq:        seq,
		Update:     rec.Update,
		Meta: Metadata{
			ActorID:    rec.ActorID,
			Size:       rec.Size,
			ReceivedAt: rec.ReceivedAt,
		},
	}, nil
}

func snapshotEntry(documentID string, rec snapshotRecord) Entry {
	return Entry{
		DocumentID: documentID,
		Seq:        rec.Through,
		Update:     rec.Update,
		Meta:       Metadata{ActorID: "compaction", Size: len(rec.Update), ReceivedAt: rec.CreatedAt},
		Snapshot:   true,
	}
}

func seqKey(prefix []byte, seq uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], seq)
	return k
}
