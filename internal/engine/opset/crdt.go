// Package opset is a grow-only operation-set engine.
//
// Every local edit becomes an Op identified by (actor, clock). The document
// is the set of ops ordered by (clock, actor); merging is set union, so
// replicas that have seen the same ops hold the same document regardless of
// arrival order. The digest is the per-actor contiguous clock vector.
package opset

import (
	"fmt"
	"sort"

	"collabtext/internal/engine"
	"collabtext/internal/protocol"
)

// OpID is a globally unique identifier for an op, combining a logical clock
// and the actor that created it.
type OpID struct {
	Clock uint64
	Actor string
}

func (a OpID) less(b OpID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Actor < b.Actor
}

// Op is a single edit. Data is opaque to the engine.
type Op struct {
	ID   OpID
	Data []byte
}

func encodeOps(ops []Op) []byte {
	size := 4
	for _, op := range ops {
		size += len(op.ID.Actor) + len(op.Data) + 16
	}
	enc := protocol.NewEncoder(size)
	enc.Uint(uint64(len(ops)))
	for _, op := range ops {
		enc.String(op.ID.Actor)
		enc.Uint(op.ID.Clock)
		enc.Bytes(op.Data)
	}
	return enc.Result()
}

func decodeOps(b []byte) ([]Op, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := protocol.NewDecoder(b)
	n, err := dec.Uint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidUpdate, err)
	}
	if n > uint64(dec.Remaining()/3) {
		return nil, fmt.Errorf("%w: op count %d too large", engine.ErrInvalidUpdate, n)
	}
	ops := make([]Op, 0, n)
	for i := uint64(0); i < n; i++ {
		var op Op
		if op.ID.Actor, err = dec.String(); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidUpdate, err)
		}
		if op.ID.Clock, err = dec.Uint(); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidUpdate, err)
		}
		if op.ID.Clock == 0 || op.ID.Actor == "" {
			return nil, fmt.Errorf("%w: op %d has empty id", engine.ErrInvalidUpdate, i)
		}
		data, err := dec.Bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidUpdate, err)
		}
		op.Data = append([]byte(nil), data...)
		ops = append(ops, op)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", engine.ErrInvalidUpdate, dec.Remaining())
	}
	return ops, nil
}

// Vector maps each actor to the highest clock seen without gaps.
type Vector map[string]uint64

func (v Vector) encode() []byte {
	actors := make([]string, 0, len(v))
	for a := range v {
		actors = append(actors, a)
	}
	sort.Strings(actors)
	enc := protocol.NewEncoder(len(actors)*16 + 4)
	enc.Uint(uint64(len(actors)))
	for _, a := range actors {
		enc.String(a)
		enc.Uint(v[a])
	}
	return enc.Result()
}

func decodeVector(b []byte) (Vector, error) {
	v := make(Vector)
	if len(b) == 0 {
		return v, nil
	}
	dec := protocol.NewDecoder(b)
	n, err := dec.Uint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidDigest, err)
	}
	if n > uint64(dec.Remaining()/2) {
		return nil, fmt.Errorf("%w: actor count %d too large", engine.ErrInvalidDigest, n)
	}
	for i := uint64(0); i < n; i++ {
		actor, err := dec.String()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidDigest, err)
		}
		clock, err := dec.Uint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidDigest, err)
		}
		v[actor] = clock
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", engine.ErrInvalidDigest, dec.Remaining())
	}
	return v, nil
}
