// Package client is the peer side of the relay protocol. A Client keeps a
// local engine replica in sync with one document on a relay, reconnecting
// with exponential backoff and re-running the handshake after every drop.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/internal/engine"
	"collabtext/internal/protocol"
)

var (
	// ErrDocumentNotFound is returned by Run when the relay does not know
	// the document. It is not retried.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrUnavailable means the relay could not open the room right now.
	ErrUnavailable = errors.New("relay unavailable")

	errResync = errors.New("relay asked for a resync")
)

type Options struct {
	// URL is the websocket endpoint, e.g. ws://host:8081/ws/{documentID}.
	URL   string
	Actor string

	// PresenceRefresh is how often owned presence records are re-announced.
	PresenceRefresh time.Duration
	WriteWait       time.Duration
	SendQueue       int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed stops reconnecting after that long without a successful
	// session. Zero retries forever.
	MaxElapsed time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger

	// OnPresence is called with every presence diff received.
	OnPresence func(entries []protocol.PresenceEntry)
	// OnRemoteChange is called after a remote update changed the replica.
	OnRemoteChange func()
}

func (o *Options) setDefaults() {
	if o.PresenceRefresh <= 0 {
		o.PresenceRefresh = 10 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 15 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Client struct {
	engine engine.Engine
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	sess   *session
	synced chan struct{}
	// own is keyed by the caller's presence key. On the wire each key is
	// announced as key/tag, with a fresh tag per session.
	own       map[string]protocol.PresenceEntry
	tag       string
	announced map[string]uint64
	retired   map[string]uint64
	mine      map[string]struct{}
	remote    map[string]protocol.PresenceEntry
	running   bool
}

// New wraps eng. Local changes reported by eng are forwarded to the relay
// while a session is up and recovered by the handshake otherwise.
func New(eng engine.Engine, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	opts.setDefaults()
	c := &Client{
		engine: eng,
		opts:   opts,
		logger: opts.Logger.With("component", "client", "url", opts.URL),
		synced: make(chan struct{}),
		own:       make(map[string]protocol.PresenceEntry),
		announced: make(map[string]uint64),
		retired:   make(map[string]uint64),
		mine:      make(map[string]struct{}),
		remote:    make(map[string]protocol.PresenceEntry),
	}
	eng.OnLocalChange(c.localChange)
	return c, nil
}

// Synced is closed once the current session has completed its handshake.
// After a reconnect it returns a new channel.
func (c *Client) Synced() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Run connects and keeps reconnecting until ctx is done, the document
// turns out not to exist, or MaxElapsed passes without a session.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("client: already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialBackoff
	eb.MaxInterval = c.opts.MaxBackoff
	eb.MaxElapsedTime = c.opts.MaxElapsed
	b := backoff.WithContext(eb, ctx)

	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrDocumentNotFound) {
			return err
		}
		if established {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("giving up reconnecting: %w", err)
		}
		c.logger.Warn("connection lost, reconnecting", "error", err, "in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session is one websocket connection. established reports whether the
// handshake completed.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return false, fmt.Errorf("%w: %s", ErrDocumentNotFound, c.opts.URL)
			case http.StatusServiceUnavailable:
				return false, fmt.Errorf("%w: %s", ErrUnavailable, resp.Header.Get("Retry-After"))
			}
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	s := &session{
		c:    c,
		ws:   ws,
		send: make(chan []byte, c.opts.SendQueue),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.sess = s
	select {
	case <-c.synced:
		c.synced = make(chan struct{})
	default:
	}
	c.remote = make(map[string]protocol.PresenceEntry)
	// Records of the previous session may still be held by a connection the
	// relay has not noticed is dead; they are retired on the next announce.
	for id, clock := range c.announced {
		c.retired[id] = clock
	}
	c.announced = make(map[string]uint64)
	c.tag = uuid.NewString()
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.close(nil) })
	defer stop()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	digest, err := c.engine.Digest()
	if err != nil {
		s.close(err)
	} else {
		s.enqueue(protocol.EncodeSync(protocol.SyncDigest, digest))
		c.announce(s)
	}

	err = s.readLoop()
	s.close(err)
	<-writerDone

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	return s.synced, s.err
}

func (c *Client) localChange(update []byte) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.enqueue(protocol.EncodeSync(protocol.SyncUpdate, update))
	}
}

// SetPresence announces state under key. Every session announces the key
// under its own presence id, see PresenceID.
func (c *Client) SetPresence(key string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	c.mu.Lock()
	e := c.own[key]
	e.ID = key
	e.Clock++
	e.State = raw
	c.own[key] = e
	s := c.sess
	var wire protocol.PresenceEntry
	if s != nil {
		wire = c.wireLocked(key, e)
	}
	c.mu.Unlock()
	if s != nil {
		s.enqueue(protocol.EncodePresence([]protocol.PresenceEntry{wire}))
	}
	return nil
}

// ClearPresence removes a record this client announced.
func (c *Client) ClearPresence(key string) {
	c.mu.Lock()
	e, ok := c.own[key]
	delete(c.own, key)
	s := c.sess
	var id string
	if ok && s != nil {
		id = c.presenceIDLocked(key)
		delete(c.announced, id)
	}
	c.mu.Unlock()
	if id != "" {
		s.enqueue(protocol.EncodePresence([]protocol.PresenceEntry{{ID: id, Clock: e.Clock + 1}}))
	}
}

// PresenceID returns the id key is announced under in the current session,
// or "" before the first session.
func (c *Client) PresenceID(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tag == "" {
		return ""
	}
	return c.presenceIDLocked(key)
}

func (c *Client) presenceIDLocked(key string) string {
	return key + "/" + c.tag
}

// wireLocked returns e as announced in the current session.
func (c *Client) wireLocked(key string, e protocol.PresenceEntry) protocol.PresenceEntry {
	e.ID = c.presenceIDLocked(key)
	c.announced[e.ID] = e.Clock
	c.mine[e.ID] = struct{}{}
	return e
}

// Peers returns the presence records announced by other connections.
func (c *Client) Peers() []protocol.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.PresenceEntry, 0, len(c.remote))
	for _, e := range c.remote {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// announce sends every owned record, bumping clocks so the relay takes them
// as refreshes, and tombstones the ids of earlier sessions once.
func (c *Client) announce(s *session) {
	c.mu.Lock()
	if len(c.own) == 0 && len(c.retired) == 0 {
		c.mu.Unlock()
		return
	}
	entries := make([]protocol.PresenceEntry, 0, len(c.own)+len(c.retired))
	for id, clock := range c.retired {
		entries = append(entries, protocol.PresenceEntry{ID: id, Clock: clock + 1})
	}
	clear(c.retired)
	for key, e := range c.own {
		e.Clock++
		c.own[key] = e
		entries = append(entries, c.wireLocked(key, e))
	}
	c.mu.Unlock()
	s.enqueue(protocol.EncodePresence(entries))
}

func (c *Client) applyPresence(entries []protocol.PresenceEntry) {
	c.mu.Lock()
	for _, e := range entries {
		if _, mine := c.mine[e.ID]; mine {
			if e.Removed() {
				delete(c.mine, e.ID)
			}
			continue
		}
		if e.Removed() {
			delete(c.remote, e.ID)
			continue
		}
		if cur, ok := c.remote[e.ID]; ok && cur.Clock > e.Clock {
			continue
		}
		c.remote[e.ID] = e
	}
	c.mu.Unlock()
	if c.opts.OnPresence != nil {
		c.opts.OnPresence(entries)
	}
}

func (c *Client) markSynced() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.synced:
	default:
		close(c.synced)
	}
}
