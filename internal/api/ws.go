package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/internal/relay"
)

// wsTransport adapts a gorilla websocket connection to relay.Transport. It
// also keeps the connection alive with pings and closes it when no pong
// arrives within pongWait.
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	stop      chan struct{}
	once      sync.Once
}

func newWSTransport(conn *websocket.Conn, opts Options) *wsTransport {
	t := &wsTransport{
		conn:      conn,
		writeWait: opts.WriteWait,
		stop:      make(chan struct{}),
	}
	conn.SetReadLimit(opts.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	go t.ping(opts.PongWait * 9 / 10)
	return t
}

func (t *wsTransport) ping(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait)); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) Read() ([]byte, error) {
	kind, msg, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: text frame", relay.ErrProtocolViolation)
	}
	return msg, nil
}

func (t *wsTransport) Write(msg []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.once.Do(func() {
		close(t.stop)
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(t.writeWait))
		err = t.conn.Close()
	})
	return err
}
