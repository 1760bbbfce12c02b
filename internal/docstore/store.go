// Package docstore holds document metadata. The relay only needs to know
// whether a document exists and to be told when it goes away; the content
// itself lives in the update log.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidName = errors.New("document name must not be empty")
)

type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store abstracts document metadata persistence.
// Implementations: MemoryStore, PostgresStore, RedisStore.
type Store interface {
	Create(ctx context.Context, name string) (*Document, error)
	Get(ctx context.Context, id string) (*Document, error)
	Rename(ctx context.Context, id, name string) (*Document, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Document, error)
	Close() error
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}
