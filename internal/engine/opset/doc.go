package opset

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"

	"collabtext/internal/engine"
)

func init() {
	engine.Register(Factory{})
}

// Name is the registry name of this engine.
const Name = "opset"

// Factory creates opset documents.
type Factory struct{}

func (Factory) Name() string { return Name }

func (Factory) New() engine.Engine { return New("") }

// Merge unions the ops of all updates into one update.
func (Factory) Merge(updates [][]byte) ([]byte, error) {
	d := New("")
	for _, u := range updates {
		if _, err := d.ApplyUpdate(u); err != nil {
			return nil, err
		}
	}
	return d.StateAsUpdate()
}

// Doc is one replica of an opset document.
type Doc struct {
	mu        sync.Mutex
	actor     string
	clock     uint64
	ops       map[OpID][]byte
	vector    Vector
	listeners []func([]byte)
}

// New creates an empty replica. An empty actor gets a random one.
func New(actor string) *Doc {
	if actor == "" {
		actor = uuid.NewString()
	}
	return &Doc{
		actor:  actor,
		ops:    make(map[OpID][]byte),
		vector: make(Vector),
	}
}

func (d *Doc) Actor() string { return d.actor }

// Append records a local edit and notifies OnLocalChange listeners with the
// resulting update.
func (d *Doc) Append(data []byte) []byte {
	d.mu.Lock()
	if seen := d.vector[d.actor]; seen > d.clock {
		d.clock = seen
	}
	d.clock++
	op := Op{ID: OpID{Clock: d.clock, Actor: d.actor}, Data: append([]byte(nil), data...)}
	d.insertLocked(op)
	update := encodeOps([]Op{op})
	listeners := append([]func([]byte){}, d.listeners...)
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(update)
	}
	return update
}

func (d *Doc) OnLocalChange(fn func(update []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Doc) ApplyUpdate(update []byte) (bool, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := false
	for _, op := range ops {
		if _, ok := d.ops[op.ID]; ok {
			continue
		}
		d.insertLocked(op)
		changed = true
	}
	return changed, nil
}

// insertLocked adds op and advances the contiguous vector of its actor.
func (d *Doc) insertLocked(op Op) {
	d.ops[op.ID] = op.Data
	next := d.vector[op.ID.Actor]
	for {
		if _, ok := d.ops[OpID{Clock: next + 1, Actor: op.ID.Actor}]; !ok {
			break
		}
		next++
	}
	d.vector[op.ID.Actor] = next
}

func (d *Doc) StateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.sortedLocked(nil)), nil
}

func (d *Doc) Digest() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.encode(), nil
}

func (d *Doc) ComputeDelta(peerDigest []byte) ([]byte, error) {
	peer, err := decodeVector(peerDigest)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.sortedLocked(peer)), nil
}

// sortedLocked returns the ops not covered by peer in document order.
func (d *Doc) sortedLocked(peer Vector) []Op {
	ops := make([]Op, 0, len(d.ops))
	for id, data := range d.ops {
		if peer != nil && id.Clock <= peer[id.Actor] {
			continue
		}
		ops = append(ops, Op{ID: id, Data: data})
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID.less(ops[j].ID) })
	return ops
}

// Ops returns every op in document order.
func (d *Doc) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedLocked(nil)
}

// Len returns the number of ops.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops)
}

// Text concatenates op payloads in document order.
func (d *Doc) Text() string {
	var buf bytes.Buffer
	for _, op := range d.Ops() {
		buf.Write(op.Data)
	}
	return buf.String()
}

// Vector returns a copy of the contiguous clock vector.
func (d *Doc) Vector() Vector {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := make(Vector, len(d.vector))
	for a, c := range d.vector {
		v[a] = c
	}
	return v
}
