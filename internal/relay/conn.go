package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ConnState is the position of a connection in the sync handshake.
type ConnState int32

const (
	StateHandshaking ConnState = iota
	StateSynced
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateSynced:
		return "synced"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one peer attached to a room. The reader loop runs in Serve, the
// writer in writePump; the room's broadcast loop only ever enqueues.
type Conn struct {
	ID    string
	Actor string

	transport Transport
	logger    *slog.Logger
	send      chan []byte
	limiter   *rate.Limiter

	state      atomic.Int32
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	cause      error

	// Handshake progress, touched by the reader loop only.
	sentDelta bool
	gotDelta  bool

	// Presence ids owned by this connection, guarded by the room's
	// presence table.
	owned map[string]struct{}
}

// NewConn wraps a transport. actor names the peer in log metadata and
// defaults to the connection id.
func NewConn(t Transport, actor string, opts Options, logger *slog.Logger) *Conn {
	id := uuid.NewString()
	if actor == "" {
		actor = id
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ID:         id,
		Actor:      actor,
		transport:  t,
		logger:     logger.With("conn", id, "actor", actor),
		send:       make(chan []byte, opts.OutboundQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		owned:      make(map[string]struct{}),
	}
	if opts.InboundRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.InboundRate), opts.InboundBurst)
	}
	return c
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Err returns the reason the connection was closed, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// Done is closed once the connection starts closing.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// enqueue queues msg for the writer without blocking. It reports false only
// when the queue is full; frames for a closing connection are discarded.
func (c *Conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown moves the connection to Closing and closes the transport in the
// background. Only the first call has an effect.
func (c *Conn) shutdown(code int, reason string, cause error) {
	c.closeOnce.Do(func() {
		c.cause = cause
		c.state.Store(int32(StateClosing))
		close(c.done)
		go func() {
			if err := c.transport.Close(code, reason); err != nil {
				c.logger.Debug("transport close", "error", err)
			}
		}()
	})
}

func (c *Conn) writePump() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.transport.Write(msg); err != nil {
				c.shutdown(CloseGoingAway, "write failed", err)
				return
			}
		}
	}
}

// wait throttles the reader loop.
func (c *Conn) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}
