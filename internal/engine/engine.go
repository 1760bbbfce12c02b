// Package engine defines the replicated-document engine the relay drives.
//
// The relay never interprets update bytes. It only asks an engine to apply
// them, to summarize its state as a digest, and to compute the delta a peer
// is missing given that peer's digest. Merge semantics live entirely inside
// the engine implementation.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrInvalidUpdate is returned when update bytes cannot be decoded.
	ErrInvalidUpdate = errors.New("invalid update")
	// ErrInvalidDigest is returned when a peer digest cannot be decoded.
	ErrInvalidDigest = errors.New("invalid digest")
)

// Engine holds one mutable logical document.
//
// Implementations must be safe for concurrent use and ApplyUpdate must be
// idempotent: applying an update already reflected in the state reports
// changed == false and leaves the state untouched.
type Engine interface {
	// ApplyUpdate merges an update produced by any replica.
	ApplyUpdate(update []byte) (changed bool, err error)

	// StateAsUpdate encodes the whole state as a single update.
	StateAsUpdate() ([]byte, error)

	// Digest returns a compact summary of the state for the handshake.
	Digest() ([]byte, error)

	// ComputeDelta returns the update a peer with the given digest is missing.
	ComputeDelta(peerDigest []byte) ([]byte, error)

	// OnLocalChange registers fn to receive every update produced by a local
	// edit (as opposed to ApplyUpdate).
	OnLocalChange(fn func(update []byte))
}

// Factory builds engines of one kind.
type Factory interface {
	Name() string
	New() Engine
	// Merge combines updates into one update equivalent to applying all of
	// them in order.
	Merge(updates [][]byte) ([]byte, error)
}

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a factory available by name. It panics on duplicates since
// registration happens from init functions.
func Register(f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[f.Name()]; dup {
		panic("engine: duplicate factory " + f.Name())
	}
	factories[f.Name()] = f
}

// Lookup returns the registered factory with the given name.
func Lookup(name string) (Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (available: %v)", name, namesLocked())
	}
	return f, nil
}

func namesLocked() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
