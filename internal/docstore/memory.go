package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in a map. Used for tests and single-node
// development setups.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (s *MemoryStore) Create(ctx context.Context, name string) (*Document, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d := Document{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.docs[d.ID] = d
	s.mu.Unlock()
	return &d, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) Rename(ctx context.Context, id, name string) (*Document, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	d.Name = name
	d.UpdatedAt = time.Now().UTC()
	s.docs[id] = d
	return &d, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// List returns documents newest first.
func (s *MemoryStore) List(ctx context.Context) ([]Document, error) {
	s.mu.RLock()
	out := make([]Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
