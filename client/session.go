package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/internal/protocol"
)

var errSendQueueFull = errors.New("send queue full")

type session struct {
	c    *Client
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	err       error

	// Handshake progress, owned by readLoop.
	sentDelta bool
	gotDelta  bool
	synced    bool
}

func (s *session) enqueue(msg []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- msg:
	default:
		s.close(errSendQueueFull)
	}
}

func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		code := websocket.CloseNormalClosure
		if err != nil {
			code = websocket.CloseGoingAway
		}
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(s.c.opts.WriteWait))
		s.ws.Close()
	})
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(s.c.opts.PresenceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(s.c.opts.WriteWait))
			if err := s.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				s.close(fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			s.c.announce(s)
		}
	}
}

func (s *session) readLoop() error {
	c := s.c
	for {
		_, msg, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
		f, err := protocol.Decode(msg)
		if err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		switch f.Type {
		case protocol.MessageSync:
			if err := s.handleSync(f); err != nil {
				return err
			}
		case protocol.MessagePresence:
			c.applyPresence(f.Presence)
		case protocol.MessageNotice:
			switch f.Code {
			case protocol.NoticePersistenceFailure:
				c.logger.Warn("relay dropped an update", "message", f.Message)
				return errResync
			case protocol.NoticeRoomUnavailable:
				c.logger.Warn("relay room unavailable", "message", f.Message)
				return errResync
			}
			c.logger.Warn("relay notice", "code", f.Code, "message", f.Message)
		}
	}
}

func (s *session) handleSync(f *protocol.Frame) error {
	c := s.c
	switch f.Step {
	case protocol.SyncDigest:
		delta, err := c.engine.ComputeDelta(f.Payload)
		if err != nil {
			return fmt.Errorf("compute delta: %w", err)
		}
		s.enqueue(protocol.EncodeSync(protocol.SyncDelta, delta))
		s.sentDelta = true
	case protocol.SyncDelta, protocol.SyncUpdate:
		changed, err := c.engine.ApplyUpdate(f.Payload)
		if err != nil {
			return fmt.Errorf("apply %s: %w", f.Step, err)
		}
		if f.Step == protocol.SyncDelta {
			s.gotDelta = true
		}
		if changed && c.opts.OnRemoteChange != nil {
			c.opts.OnRemoteChange()
		}
	}
	if s.sentDelta && s.gotDelta && !s.synced {
		s.synced = true
		c.markSynced()
		c.logger.Info("synced")
	}
	return nil
}
