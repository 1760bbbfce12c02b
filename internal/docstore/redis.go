package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisIndexKey = "collabtext:documents"
	redisDocKey   = "collabtext:document:"
)

// RedisStore keeps each document in a hash and indexes ids in a sorted set
// scored by creation time.
type RedisStore struct {
	rdb *redis.Client
}

func OpenRedis(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Create(ctx context.Context, name string) (*Document, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d := Document{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, redisDocKey+d.ID,
			"name", d.Name,
			"created_at", d.CreatedAt.Format(time.RFC3339Nano),
			"updated_at", d.UpdatedAt.Format(time.RFC3339Nano))
		p.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(now.UnixNano()), Member: d.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Document, error) {
	fields, err := s.rdb.HGetAll(ctx, redisDocKey+id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	d := &Document{ID: id, Name: fields["name"]}
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("document %s: created_at: %w", id, err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("document %s: updated_at: %w", id, err)
	}
	return d, nil
}

func (s *RedisStore) Rename(ctx context.Context, id, name string) (*Document, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Name = name
	d.UpdatedAt = time.Now().UTC()
	err = s.rdb.HSet(ctx, redisDocKey+id,
		"name", d.Name,
		"updated_at", d.UpdatedAt.Format(time.RFC3339Nano)).Err()
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, redisDocKey+id)
		p.ZRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns documents newest first.
func (s *RedisStore) List(ctx context.Context) ([]Document, error) {
	ids, err := s.rdb.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		d, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
