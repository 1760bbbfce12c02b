package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collabtext/internal/engine"
	"collabtext/internal/protocol"
)

// serve attaches c, runs the handshake and reads frames until the
// connection closes. It returns the error that closed the connection, or
// nil when the peer went away.
func (r *Room) serve(ctx context.Context, c *Conn) error {
	if err := r.attach(c); err != nil {
		c.shutdown(CloseTryAgainLater, "room unavailable", err)
		c.state.Store(int32(StateClosed))
		return err
	}
	go c.writePump()
	stop := context.AfterFunc(ctx, func() {
		c.shutdown(CloseGoingAway, "server shutting down", context.Cause(ctx))
	})
	defer func() {
		stop()
		r.detach(c)
		c.shutdown(CloseNormal, "", nil)
		<-c.writerDone
		c.state.Store(int32(StateClosed))
	}()

	c.logger.Info("connection attached", "doc", r.ID)
	if err := r.sendDigest(ctx, c); err != nil {
		return err
	}

	for {
		if err := c.wait(ctx); err != nil {
			return c.closedErr(err)
		}
		msg, err := c.transport.Read()
		if err != nil {
			if cause := c.Err(); cause != nil {
				return cause
			}
			if errors.Is(err, ErrProtocolViolation) {
				c.logger.Warn("closing connection", "error", err)
				c.shutdown(CloseProtocolError, "protocol violation", err)
				return err
			}
			c.logger.Info("connection closed by peer", "error", err)
			return nil
		}
		err = r.handle(ctx, c, msg)
		switch {
		case err == nil:
		case errors.Is(err, ErrPersistence):
			if !c.enqueue(protocol.EncodeNotice(protocol.NoticePersistenceFailure, "update was not stored")) {
				c.shutdown(CloseTryAgainLater, "outbound queue full", ErrSlowConsumer)
				return ErrSlowConsumer
			}
		case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrEngineApply):
			c.logger.Warn("closing connection", "error", err)
			c.shutdown(CloseProtocolError, "protocol violation", err)
			return err
		case errors.Is(err, ErrSlowConsumer):
			c.shutdown(CloseTryAgainLater, "outbound queue full", err)
			return err
		default:
			c.logger.Warn("closing connection", "error", err)
			c.shutdown(CloseInternalError, "room unavailable", err)
			return err
		}
	}
}

func (c *Conn) closedErr(err error) error {
	if cause := c.Err(); cause != nil {
		return cause
	}
	return err
}

func (r *Room) sendDigest(ctx context.Context, c *Conn) error {
	digest, err := r.digest(ctx)
	if errors.Is(err, ErrPersistence) {
		c.shutdown(CloseTryAgainLater, "room state unavailable", err)
		return err
	}
	if err != nil {
		c.shutdown(CloseInternalError, "digest failed", err)
		return fmt.Errorf("digest: %w", err)
	}
	if !c.enqueue(protocol.EncodeSync(protocol.SyncDigest, digest)) {
		c.shutdown(CloseTryAgainLater, "outbound queue full", ErrSlowConsumer)
		return ErrSlowConsumer
	}
	return nil
}

func (r *Room) handle(ctx context.Context, c *Conn, msg []byte) error {
	f, err := protocol.Decode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	switch f.Type {
	case protocol.MessageSync:
		return r.handleSync(ctx, c, f)
	case protocol.MessagePresence:
		return r.handlePresence(c, f.Presence)
	default:
		return fmt.Errorf("%w: unexpected %s frame from peer", ErrProtocolViolation, f.Type)
	}
}

func (r *Room) handleSync(ctx context.Context, c *Conn, f *protocol.Frame) error {
	switch f.Step {
	case protocol.SyncDigest:
		delta, err := r.delta(ctx, f.Payload)
		if err != nil {
			if errors.Is(err, engine.ErrInvalidDigest) {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			if errors.Is(err, ErrPersistence) {
				return err
			}
			return fmt.Errorf("compute delta: %w", err)
		}
		if !c.enqueue(protocol.EncodeSync(protocol.SyncDelta, delta)) {
			return ErrSlowConsumer
		}
		c.sentDelta = true
		c.logger.Debug("sent delta", "bytes", len(delta))
		return r.maybeSynced(c)

	case protocol.SyncDelta:
		err := r.apply(ctx, c, f.Payload)
		if err != nil && !errors.Is(err, ErrPersistence) {
			return err
		}
		c.gotDelta = true
		if serr := r.maybeSynced(c); serr != nil {
			return serr
		}
		return err

	case protocol.SyncUpdate:
		return r.apply(ctx, c, f.Payload)
	}
	return fmt.Errorf("%w: sync step %s", ErrProtocolViolation, f.Step)
}

// maybeSynced completes the handshake once both deltas were exchanged and
// sends the peer the full presence table.
func (r *Room) maybeSynced(c *Conn) error {
	if !c.sentDelta || !c.gotDelta {
		return nil
	}
	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateSynced)) {
		return nil
	}
	c.logger.Debug("connection synced")
	return r.post(outbound{to: c, presenceTable: true})
}

func (r *Room) handlePresence(c *Conn, entries []protocol.PresenceEntry) error {
	diff, denied := r.presence.apply(c, entries, time.Now())
	for _, id := range denied {
		c.logger.Warn("ignoring presence owned by another connection", "presence", id)
	}
	if len(diff) == 0 {
		return nil
	}
	return r.post(outbound{msg: protocol.EncodePresence(diff), from: c})
}
