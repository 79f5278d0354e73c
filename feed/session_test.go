package feed

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:          url,
		Products:     []string{"BTC-USD"},
		Channels:     []string{"user"},
		Backoff:      50 * time.Millisecond,
		PingInterval: time.Second,
	}
}

// readSubscribe upgrades the connection and consumes the subscribe handshake.
func readSubscribe(t *testing.T, w http.ResponseWriter, r *http.Request) (*websocket.Conn, map[string]interface{}) {
	t.Helper()
	conn, err := upgrader.Upgrade(w, r, nil)
	require.NoError(t, err)
	var sub map[string]interface{}
	require.NoError(t, conn.ReadJSON(&sub))
	return conn, sub
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSessionSubscribesAndDeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, sub := readSubscribe(t, w, r)
		defer conn.Close()
		assert.Equal(t, "subscribe", sub["type"])
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions"}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"received","order_id":"A1","side":"buy","order_type":"limit","price":"100","size":"1","sequence":1}`)))
		holdOpen(conn)
	}))
	defer srv.Close()

	events := make(chan Event, 16)
	s, err := NewSession(testConfig(wsURL(srv)), func(ev Event) { events <- ev })
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Close()

	select {
	case ev := <-events:
		assert.Equal(t, KindReceived, ev.Kind)
		assert.Equal(t, "A1", ev.OrderID)
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
	waitFor(t, time.Second, func() bool { return s.State() == StateListening }, "listening state")
}

func TestSessionDeliversEventsArrivingBeforeSubscribeAck(t *testing.T) {
	// 流不保证次序：生命周期消息可能先于 subscriptions 确认到达
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _ := readSubscribe(t, w, r)
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"received","order_id":"F1","side":"buy","order_type":"limit","price":"100","size":"1","sequence":1}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions"}`)))
		holdOpen(conn)
	}))
	defer srv.Close()

	events := make(chan Event, 16)
	s, err := NewSession(testConfig(wsURL(srv)), func(ev Event) { events <- ev })
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Close()

	select {
	case ev := <-events:
		assert.Equal(t, KindReceived, ev.Kind)
		assert.Equal(t, "F1", ev.OrderID)
	case <-time.After(3 * time.Second):
		t.Fatal("event sent before the subscribe ack was lost")
	}
	waitFor(t, time.Second, func() bool { return s.State() == StateListening }, "listening state")
}

func TestSessionStartTwiceReturnsError(t *testing.T) {
	s, err := NewSession(testConfig("ws://127.0.0.1:1"), func(Event) {})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Close()

	assert.Error(t, s.Start(), "second start must not spawn a second run loop")
}

func TestSessionReconnectsAndVenueRetransmissionIsHarmless(t *testing.T) {
	// 模拟 at-least-once：断线后 venue 把最后 3 条消息原样重发
	batch := []string{
		`{"type":"received","order_id":"A1","side":"buy","order_type":"limit","price":"100","size":"1","sequence":1}`,
		`{"type":"match","maker_order_id":"A1","taker_order_id":"T9","side":"sell","price":"100","size":"1","taker_fee_rate":"0.003","sequence":2}`,
		`{"type":"done","reason":"filled","order_id":"A1","remaining_size":"0","sequence":3}`,
	}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _ := readSubscribe(t, w, r)
		defer conn.Close()
		n := conns.Add(1)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions"}`)))
		for _, msg := range batch {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		}
		if n == 1 {
			return // 掉线，触发客户端重连
		}
		// 第二条连接：重传之后追加一条新事件并保持连接
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"received","order_id":"Z9","side":"sell","order_type":"limit","price":"5","size":"1","sequence":4}`)))
		holdOpen(conn)
	}))
	defer srv.Close()

	var mu sync.Mutex
	count := 0
	ids := map[string]bool{}

	s, err := NewSession(testConfig(wsURL(srv)), func(ev Event) {
		mu.Lock()
		count++
		if ev.OrderID != "" {
			ids[ev.OrderID] = true
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Close()

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ids["Z9"]
	}, "post-reconnect event")

	assert.GreaterOrEqual(t, s.Reconnects(), int64(1))
	// 会话本身只负责投递；重复 3 条照常送达，由下游注册表拒绝
	mu.Lock()
	assert.Equal(t, 7, count, "3 original + 3 retransmitted + 1 new")
	mu.Unlock()
}

func TestSessionAuthRejectionIsFatalNotRetried(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _ := readSubscribe(t, w, r)
		defer conn.Close()
		conns.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"Authentication failed: invalid signature"}`))
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.Credentials = testCreds

	s, err := NewSession(cfg, func(Event) {})
	require.NoError(t, err)

	fatal := make(chan error, 1)
	s.SetFatalErrorHandler(func(err error) { fatal <- err })
	require.NoError(t, s.Start())
	defer s.Close()

	select {
	case err := <-fatal:
		assert.True(t, errors.Is(err, ErrAuthRejected), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("auth rejection not surfaced")
	}
	// 无限重试被拒的凭证是资源泄漏：不允许第二次拨号
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), conns.Load())
}

func TestSessionConnectFailureRetriesUntilClose(t *testing.T) {
	// 无法连接的地址：固定退避下持续重试，Close 后干净退出
	s, err := NewSession(testConfig("ws://127.0.0.1:1"), func(Event) {})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	waitFor(t, 3*time.Second, func() bool { return s.Reconnects() >= 2 }, "retry attempts")
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _ := readSubscribe(t, w, r)
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions"}`))
		holdOpen(conn)
	}))
	defer srv.Close()

	s, err := NewSession(testConfig(wsURL(srv)), func(Event) {})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	waitFor(t, 2*time.Second, func() bool { return s.State() == StateListening }, "listening state")
	s.Close()
	s.Close() // no-op
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionDropsMalformedMessagesAndKeepsListening(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _ := readSubscribe(t, w, r)
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"open","order_id":"B1","sequence":2}`))
		holdOpen(conn)
	}))
	defer srv.Close()

	events := make(chan Event, 16)
	s, err := NewSession(testConfig(wsURL(srv)), func(ev Event) { events <- ev })
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Close()

	select {
	case ev := <-events:
		assert.Equal(t, KindOpen, ev.Kind, "valid message after garbage still delivered")
	case <-time.After(3 * time.Second):
		t.Fatal("listen loop died on malformed payload")
	}
}
