package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabtext/internal/docstore"
	"collabtext/internal/engine/opset"
	"collabtext/internal/protocol"
	"collabtext/internal/updatelog"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport is an in-process Transport. Frames written by the relay
// appear on out; frames pushed on in are read by the relay.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	stall  bool

	once   sync.Once
	mu     sync.Mutex
	code   int
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 1024),
		out:    make(chan []byte, 4096),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read() ([]byte, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.closed:
		return nil, errTransportClosed
	}
}

func (f *fakeTransport) Write(msg []byte) error {
	if f.stall {
		<-f.closed
		return errTransportClosed
	}
	select {
	case f.out <- msg:
		return nil
	case <-f.closed:
		return errTransportClosed
	}
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.InboundRate = 0
	opts.CompactEvery = 0
	opts.EmptyRoom = RetainEmptyRooms
	return opts
}

type fixture struct {
	t     *testing.T
	store updatelog.Store
	docs  *docstore.MemoryStore
	reg   *Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := updatelog.OpenBadger(updatelog.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newFixtureWithStore(t, store, opts)
}

func newFixtureWithStore(t *testing.T, store updatelog.Store, opts Options) *fixture {
	t.Helper()
	docs := docstore.NewMemoryStore()
	reg, err := NewRegistry(store, docs, opset.Factory{}, opts, testLogger())
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return &fixture{t: t, store: store, docs: docs, reg: reg}
}

func (fx *fixture) document(name string) string {
	doc, err := fx.docs.Create(context.Background(), name)
	require.NoError(fx.t, err)
	return doc.ID
}

// peer drives the client side of the protocol over a fakeTransport.
type peer struct {
	t    *testing.T
	doc  *opset.Doc
	tr   *fakeTransport
	conn *Conn
	errc chan error

	mu       sync.Mutex
	deltas   [][]byte
	updates  int
	presence map[string]protocol.PresenceEntry
	notices  []protocol.NoticeCode
}

func (fx *fixture) connect(documentID string, doc *opset.Doc) *peer {
	return fx.connectWith(documentID, doc, newFakeTransport())
}

func (fx *fixture) connectWith(documentID string, doc *opset.Doc, tr *fakeTransport) *peer {
	fx.t.Helper()
	room, err := fx.reg.Join(context.Background(), documentID)
	require.NoError(fx.t, err)

	p := &peer{
		t:        fx.t,
		doc:      doc,
		tr:       tr,
		conn:     NewConn(tr, doc.Actor(), fx.reg.Options(), testLogger()),
		errc:     make(chan error, 1),
		presence: make(map[string]protocol.PresenceEntry),
	}
	go func() { p.errc <- fx.reg.Serve(context.Background(), room, p.conn) }()
	if !tr.stall {
		go p.pump()
	}

	digest, err := doc.Digest()
	require.NoError(fx.t, err)
	p.send(protocol.EncodeSync(protocol.SyncDigest, digest))
	return p
}

func (p *peer) send(msg []byte) {
	select {
	case p.tr.in <- msg:
	case <-p.tr.closed:
	}
}

func (p *peer) pump() {
	for {
		var msg []byte
		select {
		case msg = <-p.tr.out:
		case <-p.tr.closed:
			return
		}
		f, err := protocol.Decode(msg)
		if err != nil {
			p.t.Errorf("relay sent malformed frame: %v", err)
			return
		}
		switch f.Type {
		case protocol.MessageSync:
			switch f.Step {
			case protocol.SyncDigest:
				delta, _ := p.doc.ComputeDelta(f.Payload)
				p.send(protocol.EncodeSync(protocol.SyncDelta, delta))
			case protocol.SyncDelta:
				p.mu.Lock()
				p.deltas = append(p.deltas, f.Payload)
				p.mu.Unlock()
				_, _ = p.doc.ApplyUpdate(f.Payload)
			case protocol.SyncUpdate:
				p.mu.Lock()
				p.updates++
				p.mu.Unlock()
				_, _ = p.doc.ApplyUpdate(f.Payload)
			}
		case protocol.MessagePresence:
			p.mu.Lock()
			for _, e := range f.Presence {
				if e.Removed() {
					delete(p.presence, e.ID)
				} else {
					p.presence[e.ID] = e
				}
			}
			p.mu.Unlock()
		case protocol.MessageNotice:
			p.mu.Lock()
			p.notices = append(p.notices, f.Code)
			p.mu.Unlock()
		}
	}
}

// edit appends a local op and sends it to the relay.
func (p *peer) edit(s string) {
	p.send(protocol.EncodeSync(protocol.SyncUpdate, p.doc.Append([]byte(s))))
}

func (p *peer) setPresence(id string, clock uint64, state string) {
	p.send(protocol.EncodePresence([]protocol.PresenceEntry{{ID: id, Clock: clock, State: []byte(state)}}))
}

func (p *peer) seen(id string) (protocol.PresenceEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.presence[id]
	return e, ok
}

func (p *peer) noticeCodes() []protocol.NoticeCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.NoticeCode(nil), p.notices...)
}

func (p *peer) updateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates
}

func (p *peer) waitSynced() {
	p.t.Helper()
	require.Eventually(p.t, func() bool { return p.conn.State() == StateSynced }, 2*time.Second, 5*time.Millisecond)
}

// disconnect simulates the peer dropping the connection.
func (p *peer) disconnect() error {
	p.tr.Close(CloseNormal, "")
	select {
	case err := <-p.errc:
		return err
	case <-time.After(2 * time.Second):
		p.t.Fatal("serve did not return")
		return nil
	}
}

func (p *peer) wait() error {
	select {
	case err := <-p.errc:
		return err
	case <-time.After(2 * time.Second):
		p.t.Fatal("serve did not return")
		return nil
	}
}
