package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"collabtext/internal/engine"
	"collabtext/internal/protocol"
	"collabtext/internal/updatelog"
)

// outbound is a frame handed to the room's broadcast loop. A nil to means
// every attached connection except from.
type outbound struct {
	msg  []byte
	from *Conn
	to   *Conn

	// presenceTable asks the loop to send the full presence table to to.
	presenceTable bool
}

// Room serializes the updates of one document and fans them out to the
// attached connections.
type Room struct {
	ID string

	factory engine.Factory
	store   updatelog.Store
	opts    Options
	logger  *slog.Logger

	// mu orders engine mutation and log append.
	mu      sync.Mutex
	engine  engine.Engine
	lastSeq uint64
	// stale is set while the engine may hold an update the log rejected.
	stale        bool
	sinceCompact int
	compacting   atomic.Bool

	presence *presenceTable

	register   chan *Conn
	unregister chan *Conn
	broadcast  chan outbound
	quit       chan struct{}
	done       chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	conns     map[*Conn]struct{}
	connCount atomic.Int32
}

// openRoom rebuilds the document from its log and starts the broadcast loop.
func openRoom(ctx context.Context, id string, factory engine.Factory, store updatelog.Store, opts Options, logger *slog.Logger) (*Room, error) {
	r := &Room{
		ID:         id,
		factory:    factory,
		store:      store,
		opts:       opts,
		logger:     logger.With("doc", id),
		presence:   newPresenceTable(),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan outbound, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		conns:      make(map[*Conn]struct{}),
	}
	eng, last, err := r.replay(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRoomInit, id, err)
	}
	r.engine = eng
	r.lastSeq = last
	roomsActive.Inc()
	go r.run()
	r.logger.Info("room opened", "last_seq", last)
	return r, nil
}

func (r *Room) replay(ctx context.Context) (engine.Engine, uint64, error) {
	eng := r.factory.New()
	var last uint64
	err := r.store.Replay(ctx, r.ID, func(e updatelog.Entry) error {
		if _, err := eng.ApplyUpdate(e.Update); err != nil {
			return fmt.Errorf("seq %d: %w", e.Seq, err)
		}
		last = e.Seq
		return nil
	})
	return eng, last, err
}

func (r *Room) run() {
	ticker := time.NewTicker(r.opts.PresenceSweep)
	defer func() {
		ticker.Stop()
		roomsActive.Dec()
		close(r.done)
	}()
	for {
		select {
		case c := <-r.register:
			r.conns[c] = struct{}{}
			r.connCount.Add(1)
			connectionsActive.Inc()
			r.logger.Debug("connection registered", "conn", c.ID, "conns", len(r.conns))
		case c := <-r.unregister:
			r.remove(c)
		case m := <-r.broadcast:
			r.fanout(m)
		case now := <-ticker.C:
			if diff := r.presence.expire(now, r.opts.PresenceTimeout); len(diff) > 0 {
				r.logger.Debug("presence expired", "records", len(diff))
				r.fanout(outbound{msg: protocol.EncodePresence(diff)})
			}
		case <-r.quit:
			for c := range r.conns {
				c.shutdown(r.closeCode, r.closeReason, ErrRoomClosed)
				r.remove(c)
			}
			r.presence.clear()
			r.logger.Info("room closed", "reason", r.closeReason)
			return
		}
	}
}

func (r *Room) remove(c *Conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	r.connCount.Add(-1)
	connectionsActive.Dec()
	r.logger.Debug("connection unregistered", "conn", c.ID, "conns", len(r.conns))
}

func (r *Room) fanout(m outbound) {
	if m.to != nil {
		if _, ok := r.conns[m.to]; !ok {
			return
		}
		msg := m.msg
		if m.presenceTable {
			msg = protocol.EncodePresence(r.presence.snapshot())
		}
		r.deliver(m.to, msg)
		return
	}
	for c := range r.conns {
		if c == m.from {
			continue
		}
		r.deliver(c, m.msg)
	}
}

func (r *Room) deliver(c *Conn, msg []byte) {
	if c.enqueue(msg) {
		return
	}
	slowConsumerDrops.Inc()
	c.logger.Warn("dropping slow consumer", "queue", cap(c.send))
	c.shutdown(CloseTryAgainLater, "outbound queue full", ErrSlowConsumer)
	r.remove(c)
}

// post hands m to the broadcast loop.
func (r *Room) post(m outbound) error {
	select {
	case r.broadcast <- m:
		return nil
	case <-r.quit:
		return ErrRoomClosed
	}
}

func (r *Room) attach(c *Conn) error {
	select {
	case r.register <- c:
		return nil
	case <-r.quit:
		return ErrRoomClosed
	}
}

// detach unregisters c and broadcasts tombstones for the presence it owned.
func (r *Room) detach(c *Conn) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
	if diff := r.presence.removeOwned(c); len(diff) > 0 {
		_ = r.post(outbound{msg: protocol.EncodePresence(diff), from: c})
	}
}

// apply runs one update through the engine and the log. Accepted updates
// are queued for broadcast before the room lock is released, so every peer
// sees them in log order.
func (r *Room) apply(ctx context.Context, c *Conn, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Closed() {
		return ErrRoomClosed
	}
	if err := r.refreshLocked(ctx); err != nil {
		updatesTotal.WithLabelValues("failed").Inc()
		return err
	}

	changed, err := r.engine.ApplyUpdate(update)
	if err != nil {
		updatesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %w", ErrEngineApply, err)
	}
	if !changed {
		updatesTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	start := time.Now()
	seq, err := r.store.Append(ctx, r.ID, update, updatelog.Metadata{
		ActorID:    c.Actor,
		Size:       len(update),
		ReceivedAt: start,
	})
	appendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		updatesTotal.WithLabelValues("failed").Inc()
		r.logger.Error("update log append failed", "conn", c.ID, "error", err)
		r.stale = true
		if rerr := r.refreshLocked(ctx); rerr != nil {
			r.logger.Error("room rebuild failed, retrying on next use", "error", rerr)
		}
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	r.lastSeq = seq
	updatesTotal.WithLabelValues("accepted").Inc()
	updateBytes.Add(float64(len(update)))

	if err := r.post(outbound{msg: protocol.EncodeSync(protocol.SyncUpdate, update), from: c}); err != nil {
		return err
	}

	r.sinceCompact++
	if r.opts.CompactEvery > 0 && r.sinceCompact >= r.opts.CompactEvery {
		r.sinceCompact = 0
		go func() {
			if err := r.Compact(context.Background()); err != nil {
				r.logger.Error("compaction failed", "error", err)
			}
		}()
	}
	return nil
}

// refreshLocked replaces a stale engine with one replayed from the log, so
// the in-memory state matches what is durable. While the log cannot be read
// back the room stays open and every caller gets ErrPersistence.
func (r *Room) refreshLocked(ctx context.Context) error {
	if !r.stale {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.InitTimeout)
	defer cancel()
	eng, last, err := r.replay(ctx)
	if err != nil {
		return fmt.Errorf("%w: rebuild from log: %w", ErrPersistence, err)
	}
	r.engine = eng
	r.lastSeq = last
	r.stale = false
	r.logger.Info("room rebuilt from log", "last_seq", last)
	return nil
}

func (r *Room) digest(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return r.engine.Digest()
}

func (r *Room) delta(ctx context.Context, peerDigest []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return r.engine.ComputeDelta(peerDigest)
}

// Compact replaces the room's log with a snapshot of the live state. A call
// made while another compaction runs is a no-op.
func (r *Room) Compact(ctx context.Context) error {
	if !r.compacting.CompareAndSwap(false, true) {
		return nil
	}
	defer r.compacting.Store(false)

	snapshot, through, err := r.snapshot(ctx)
	if err == nil && through > 0 {
		// Appends after through keep going; the store orders them against
		// the compaction per document.
		err = r.store.Compact(ctx, r.ID, snapshot, through)
	}
	if err != nil {
		compactions.WithLabelValues("failed").Inc()
		return fmt.Errorf("compact %s: %w", r.ID, err)
	}
	if through == 0 {
		return nil
	}
	compactions.WithLabelValues("ok").Inc()
	r.logger.Info("log compacted", "through", through, "bytes", len(snapshot))
	return nil
}

// snapshot captures the engine state together with the last log sequence it
// reflects.
func (r *Room) snapshot(ctx context.Context) ([]byte, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(ctx); err != nil {
		return nil, 0, err
	}
	if r.lastSeq == 0 {
		return nil, 0, nil
	}
	snapshot, err := r.engine.StateAsUpdate()
	if err != nil {
		return nil, 0, err
	}
	r.sinceCompact = 0
	return snapshot, r.lastSeq, nil
}

// State returns the whole document as one update.
func (r *Room) State() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(context.Background()); err != nil {
		return nil, err
	}
	return r.engine.StateAsUpdate()
}

// Connections returns the number of attached connections.
func (r *Room) Connections() int {
	return int(r.connCount.Load())
}

// ListPresence returns the live presence records.
func (r *Room) ListPresence() []PresenceRecord {
	return r.presence.list()
}

// Close disconnects everyone and stops the broadcast loop.
func (r *Room) Close() {
	r.CloseWith(CloseGoingAway, "room closed")
}

// CloseWith is Close with an explicit close code for the connections.
func (r *Room) CloseWith(code int, reason string) {
	r.closeOnce.Do(func() {
		r.closeCode = code
		r.closeReason = reason
		close(r.quit)
	})
	<-r.done
}

func (r *Room) Closed() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}
