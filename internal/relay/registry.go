package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collabtext/internal/docstore"
	"collabtext/internal/engine"
	"collabtext/internal/updatelog"
)

// Registry owns the rooms of one relay process. There is at most one open
// room per document.
type Registry struct {
	store   updatelog.Store
	docs    docstore.Store
	factory engine.Factory
	opts    Options
	logger  *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	rooms  map[string]*roomEntry
	closed bool
}

type roomEntry struct {
	room   *Room
	refs   int
	linger *time.Timer
}

func NewRegistry(store updatelog.Store, docs docstore.Store, factory engine.Factory, opts Options, logger *slog.Logger) (*Registry, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("relay options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		docs:    docs,
		factory: factory,
		opts:    opts,
		logger:  logger.With("component", "relay"),
		rooms:   make(map[string]*roomEntry),
	}, nil
}

// Options returns the options rooms are created with.
func (g *Registry) Options() Options {
	return g.opts
}

// Join returns the room of documentID, creating it from the log if needed,
// and takes a reference that must be given back with Release or Serve.
func (g *Registry) Join(ctx context.Context, documentID string) (*Room, error) {
	if err := g.checkDocument(ctx, documentID); err != nil {
		return nil, err
	}
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if e, ok := g.rooms[documentID]; ok && !e.room.Closed() {
			e.refs++
			if e.linger != nil {
				e.linger.Stop()
				e.linger = nil
			}
			g.mu.Unlock()
			return e.room, nil
		}
		g.mu.Unlock()

		_, err, _ := g.group.Do(documentID, func() (any, error) {
			return nil, g.create(ctx, documentID)
		})
		if err != nil {
			return nil, err
		}
	}
}

func (g *Registry) checkDocument(ctx context.Context, documentID string) error {
	if !updatelog.ValidDocumentID(documentID) {
		return fmt.Errorf("%w: %q", ErrDocumentNotFound, documentID)
	}
	if _, err := g.docs.Get(ctx, documentID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		return fmt.Errorf("lookup document %s: %w", documentID, err)
	}
	return nil
}

func (g *Registry) create(ctx context.Context, documentID string) error {
	g.mu.Lock()
	if e, ok := g.rooms[documentID]; ok && !e.room.Closed() {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.InitTimeout)
	defer cancel()
	room, err := openRoom(ctx, documentID, g.factory, g.store, g.opts, g.logger)
	if err != nil {
		roomInitFailures.Inc()
		g.logger.Error("room initialization failed", "doc", documentID, "error", err)
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		room.Close()
		return ErrRegistryClosed
	}
	g.rooms[documentID] = &roomEntry{room: room}
	g.mu.Unlock()
	return nil
}

// Release gives back a reference taken by Join and applies the empty-room
// policy when it was the last one.
func (g *Registry) Release(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.rooms[room.ID]
	if !ok || e.room != room {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	switch g.opts.EmptyRoom {
	case EvictEmptyRooms:
		delete(g.rooms, room.ID)
		go room.Close()
	case LingerEmptyRooms:
		e.linger = time.AfterFunc(g.opts.EmptyRoomLinger, func() { g.evictIdle(room) })
	}
}

func (g *Registry) evictIdle(room *Room) {
	g.mu.Lock()
	e, ok := g.rooms[room.ID]
	if !ok || e.room != room || e.refs > 0 {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, room.ID)
	g.mu.Unlock()
	g.logger.Debug("evicting idle room", "doc", room.ID)
	room.Close()
}

// Serve attaches c to room and blocks until the connection is closed. The
// reference taken by Join is released on return.
func (g *Registry) Serve(ctx context.Context, room *Room, c *Conn) error {
	defer g.Release(room)
	return room.serve(ctx, c)
}

// Room returns the open room of documentID, if any.
func (g *Registry) Room(documentID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.rooms[documentID]
	if !ok || e.room.Closed() {
		return nil, false
	}
	return e.room, true
}

// ActiveRooms returns the number of rooms held in memory.
func (g *Registry) ActiveRooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Drop closes the room of documentID and disconnects its peers with
// CloseDocumentDeleted.
func (g *Registry) Drop(documentID string) {
	g.mu.Lock()
	e, ok := g.rooms[documentID]
	if ok {
		delete(g.rooms, documentID)
		if e.linger != nil {
			e.linger.Stop()
		}
	}
	g.mu.Unlock()
	if ok {
		e.room.CloseWith(CloseDocumentDeleted, "document deleted")
	}
}

// DeleteDocument removes the document, its room and its log.
func (g *Registry) DeleteDocument(ctx context.Context, documentID string) error {
	if err := g.docs.Delete(ctx, documentID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
		}
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	g.Drop(documentID)
	if err := g.store.Delete(ctx, documentID); err != nil && !errors.Is(err, updatelog.ErrInvalidDocument) {
		return fmt.Errorf("delete log %s: %w", documentID, err)
	}
	// A join that looked the document up before deletion may have reopened it.
	g.Drop(documentID)
	g.logger.Info("document deleted", "doc", documentID)
	return nil
}

// ListActivePresence returns the presence records of a document. Documents
// without an open room have none.
func (g *Registry) ListActivePresence(ctx context.Context, documentID string) ([]PresenceRecord, error) {
	if err := g.checkDocument(ctx, documentID); err != nil {
		return nil, err
	}
	room, ok := g.Room(documentID)
	if !ok {
		return []PresenceRecord{}, nil
	}
	return room.ListPresence(), nil
}

// LogSummary aggregates the log entries received within r.
func (g *Registry) LogSummary(ctx context.Context, documentID string, r updatelog.Range) (updatelog.Summary, error) {
	if err := g.checkDocument(ctx, documentID); err != nil {
		return updatelog.Summary{}, err
	}
	return g.store.Summary(ctx, documentID, r)
}

// Compact compacts the live room of documentID, or the stored log when no
// room is open.
func (g *Registry) Compact(ctx context.Context, documentID string) error {
	if err := g.checkDocument(ctx, documentID); err != nil {
		return err
	}
	if room, ok := g.Room(documentID); ok {
		return room.Compact(ctx)
	}
	return CompactLog(ctx, g.store, g.factory, documentID)
}

// CompactLog merges the stored updates of a document into one snapshot
// without loading a room.
func CompactLog(ctx context.Context, store updatelog.Store, factory engine.Factory, documentID string) error {
	var (
		updates   [][]byte
		last      uint64
		snapshots int
	)
	err := store.Replay(ctx, documentID, func(e updatelog.Entry) error {
		updates = append(updates, e.Update)
		last = e.Seq
		if e.Snapshot {
			snapshots++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", documentID, err)
	}
	if len(updates) == snapshots {
		return nil
	}
	merged, err := factory.Merge(updates)
	if err != nil {
		compactions.WithLabelValues("failed").Inc()
		return fmt.Errorf("merge %s: %w", documentID, err)
	}
	if err := store.Compact(ctx, documentID, merged, last); err != nil {
		compactions.WithLabelValues("failed").Inc()
		return fmt.Errorf("compact %s: %w", documentID, err)
	}
	compactions.WithLabelValues("ok").Inc()
	return nil
}

// Close shuts every room down. Later joins fail with ErrRegistryClosed.
func (g *Registry) Close() {
	g.mu.Lock()
	g.closed = true
	entries := make([]*roomEntry, 0, len(g.rooms))
	for id, e := range g.rooms {
		if e.linger != nil {
			e.linger.Stop()
		}
		entries = append(entries, e)
		delete(g.rooms, id)
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(room *Room) {
			defer wg.Done()
			room.CloseWith(CloseGoingAway, "server shutting down")
		}(e.room)
	}
	wg.Wait()
}
