package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"collabtext/internal/api"
	"collabtext/internal/docstore"
	"collabtext/internal/engine/opset"
	"collabtext/internal/protocol"
	"collabtext/internal/relay"
	"collabtext/internal/updatelog"
)

type relayFixture struct {
	srv      *httptest.Server
	registry *relay.Registry
	docs     *docstore.MemoryStore
	// unavailable makes the next n websocket requests fail with 503.
	unavailable atomic.Int32
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRelay(t *testing.T) *relayFixture {
	t.Helper()
	store, err := updatelog.OpenBadger(updatelog.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fx := &relayFixture{docs: docstore.NewMemoryStore()}
	opts := relay.DefaultOptions()
	opts.EmptyRoom = relay.RetainEmptyRooms
	fx.registry, err = relay.NewRegistry(store, fx.docs, opset.Factory{}, opts, quietLogger())
	require.NoError(t, err)

	handler := api.NewServer(fx.registry, fx.docs, api.DefaultOptions(), quietLogger()).Handler()
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") && fx.unavailable.Add(-1) >= 0 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(fx.srv.Close)
	t.Cleanup(fx.registry.Close)
	return fx
}

func (fx *relayFixture) document(t *testing.T) string {
	doc, err := fx.docs.Create(context.Background(), "doc")
	require.NoError(t, err)
	return doc.ID
}

func (fx *relayFixture) url(documentID string) string {
	return "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws/" + documentID
}

type runningClient struct {
	*Client
	doc    *opset.Doc
	cancel context.CancelFunc
	errc   chan error
}

func (fx *relayFixture) start(t *testing.T, documentID, actor string, doc *opset.Doc, mutate func(*Options)) *runningClient {
	t.Helper()
	if doc == nil {
		doc = opset.New(actor)
	}
	opts := Options{
		URL:            fx.url(documentID) + "?actor=" + actor,
		Actor:          actor,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Logger:         quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(doc, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rc := &runningClient{Client: c, doc: doc, cancel: cancel, errc: make(chan error, 1)}
	go func() { rc.errc <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-rc.errc
	})
	return rc
}

func (rc *runningClient) waitSynced(t *testing.T) {
	t.Helper()
	select {
	case <-rc.Synced():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not sync")
	}
}

func TestClientsConverge(t *testing.T) {
	fx := newRelay(t)
	id := fx.document(t)

	a := fx.start(t, id, "a", nil, nil)
	b := fx.start(t, id, "b", nil, nil)
	a.waitSynced(t)
	b.waitSynced(t)

	for i := 0; i < 10; i++ {
		a.doc.Append([]byte("a"))
		b.doc.Append([]byte("b"))
	}
	require.Eventually(t, func() bool {
		return a.doc.Len() == 20 && b.doc.Len() == 20
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, a.doc.Text(), b.doc.Text())
}

func TestOfflineEditsSyncOnConnect(t *testing.T) {
	fx := newRelay(t)
	id := fx.document(t)

	b := fx.start(t, id, "b", nil, nil)
	b.waitSynced(t)

	offline := opset.New("a")
	offline.Append([]byte("written "))
	offline.Append([]byte("offline"))

	a := fx.start(t, id, "a", offline, nil)
	a.waitSynced(t)
	require.Eventually(t, func() bool { return b.doc.Text() == "written offline" }, 3*time.Second, 10*time.Millisecond)
}

func TestReconnectAfterRoomDrop(t *testing.T) {
	fx := newRelay(t)
	id := fx.document(t)

	a := fx.start(t, id, "a", nil, nil)
	b := fx.start(t, id, "b", nil, nil)
	a.waitSynced(t)
	b.waitSynced(t)
	a.doc.Append([]byte("1"))
	require.Eventually(t, func() bool { return b.doc.Len() == 1 }, 3*time.Second, 10*time.Millisecond)

	fx.registry.Drop(id)
	b.doc.Append([]byte("2"))

	require.Eventually(t, func() bool { return a.doc.Text() == b.doc.Text() && a.doc.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestRetriesWhileUnavailable(t *testing.T) {
	fx := newRelay(t)
	id := fx.document(t)
	fx.unavailable.Store(3)

	a := fx.start(t, id, "a", nil, nil)
	a.waitSynced(t)
	assert.Less(t, fx.unavailable.Load(), int32(0))
}

func TestGivesUpAfterMaxElapsed(t *testing.T) {
	fx := newRelay(t)
	id := fx.document(t)
	fx.unavailable.Store(1 << 20)

	c, err := New(opset.New("a"), Options{
		URL:            fx.url(id),
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		MaxElapsed:     100 * time.Millisecond,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestUnknownDocumentIsNotRetried(t *testing.T) {
	fx := newRelay(t)

	c, err := New(opset.New("a"), Options{URL: fx.url("missing"), Logger: quietLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), ErrDocumentNotFound)
}

func TestPresenceBetweenClients(t *testing.T) {
	fx := newRelay(t)
	id := fx.document(t)

	var diffs atomic.Int32
	a := fx.start(t, id, "a", nil, nil)
	b := fx.start(t, id, "b", nil, func(o *Options) {
		o.OnPresence = func([]protocol.PresenceEntry) { diffs.Add(1) }
	})
	a.waitSynced(t)
	b.waitSynced(t)

	require.NoError(t, a.SetPresence("cursor-a", map[string]int{"pos": 4}))
	require.Eventually(t, func() bool {
		peers := b.Peers()
		return len(peers) == 1 && peers[0].ID == a.PresenceID("cursor-a")
	}, 3*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"pos":4}`, string(b.Peers()[0].State))
	assert.Empty(t, a.Peers())
	assert.Positive(t, diffs.Load())

	a.ClearPresence("cursor-a")
	require.Eventually(t, func() bool { return len(b.Peers()) == 0 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SetPresence("cursor-a", map[string]int{"pos": 9}))
	require.Eventually(t, func() bool { return len(b.Peers()) == 1 }, 3*time.Second, 10*time.Millisecond)
	a.cancel()
	require.Eventually(t, func() bool { return len(b.Peers()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(opset.New("a"), Options{})
	assert.Error(t, err)
}

var errCut = errors.New("link cut")

// cuttableConn loses its link on cut without the relay noticing: reads and
// writes fail locally while the socket stays open.
type cuttableConn struct {
	net.Conn
	once sync.Once
	cut  chan struct{}
}

func (c *cuttableConn) isCut() bool {
	select {
	case <-c.cut:
		return true
	default:
		return false
	}
}

func (c *cuttableConn) sever() {
	c.once.Do(func() {
		close(c.cut)
		c.Conn.SetReadDeadline(time.Now())
	})
}

func (c *cuttableConn) Read(p []byte) (int, error) {
	if c.isCut() {
		return 0, errCut
	}
	n, err := c.Conn.Read(p)
	if err != nil && c.isCut() {
		return 0, errCut
	}
	return n, err
}

func (c *cuttableConn) Write(p []byte) (int, error) {
	if c.isCut() {
		return len(p), nil
	}
	return c.Conn.Write(p)
}

func (c *cuttableConn) Close() error {
	if c.isCut() {
		return nil
	}
	return c.Conn.Close()
}

func TestPresenceAfterSilentDrop(t *testing.T) {
	fx := newRelay(t)
	id := fx.document(t)

	var (
		mu    sync.Mutex
		links []*cuttableConn
	)
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			link := &cuttableConn{Conn: conn, cut: make(chan struct{})}
			mu.Lock()
			links = append(links, link)
			mu.Unlock()
			return link, nil
		},
	}
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range links {
			l.Conn.Close()
		}
	})

	a := fx.start(t, id, "a", nil, func(o *Options) { o.Dialer = dialer })
	b := fx.start(t, id, "b", nil, nil)
	a.waitSynced(t)
	b.waitSynced(t)

	require.NoError(t, a.SetPresence("cursor", map[string]int{"pos": 1}))
	first := a.PresenceID("cursor")
	require.Eventually(t, func() bool {
		peers := b.Peers()
		return len(peers) == 1 && peers[0].ID == first
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	links[0].sever()
	mu.Unlock()

	// well inside the relay's 30s presence timeout and 60s pong wait
	require.Eventually(t, func() bool {
		second := a.PresenceID("cursor")
		if second == first {
			return false
		}
		peers := b.Peers()
		return len(peers) == 1 && peers[0].ID == second
	}, 3*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"pos":1}`, string(b.Peers()[0].State))
}
