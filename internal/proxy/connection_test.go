package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/botswitch/botswitch/internal/command"
	"github.com/botswitch/botswitch/internal/config"
	"github.com/botswitch/botswitch/internal/store"
)

// wsEcho is a test WebSocket endpoint that records inbound frames and lets
// the test push frames back through the same socket.
type wsEcho struct {
	srv   *httptest.Server
	recv  chan []byte
	conns chan *websocket.Conn
}

func newWSEcho(t *testing.T) *wsEcho {
	t.Helper()
	e := &wsEcho{
		recv:  make(chan []byte, 32),
		conns: make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.conns <- conn
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			e.recv <- frame
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *wsEcho) url() string {
	return "ws://" + strings.TrimPrefix(e.srv.URL, "http://")
}

func (e *wsEcho) expectFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-e.recv:
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (e *wsEcho) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case frame := <-e.recv:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(300 * time.Millisecond):
	}
}

func (e *wsEcho) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-e.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for target dial")
		return nil
	}
}

// startProxy serves one Connection and returns a dialed client socket
// together with the Connection driving it.
func startProxy(t *testing.T, cfg config.ConnectionConfig) (*websocket.Conn, *Connection) {
	t.Helper()
	handler := command.NewHandler(command.NewAuthManager(config.SecurityConfig{}, nil))
	upgrader := websocket.Upgrader{}
	connCh := make(chan *Connection, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConnection("test-conn", cfg, clientConn, r.Header, nil, handler)
		connCh <- conn
		_ = conn.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws://"+strings.TrimPrefix(srv.URL, "http://"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-connCh:
		return client, conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the proxy connection")
		return nil, nil
	}
}

// restartableEcho is a wsEcho on a fixed address that can be killed and
// brought back, for reconnect tests.
type restartableEcho struct {
	t     *testing.T
	addr  string
	srv   *http.Server
	recv  chan []byte
	conns chan *websocket.Conn

	mu   sync.Mutex
	open []*websocket.Conn
}

func newRestartableEcho(t *testing.T) *restartableEcho {
	t.Helper()
	e := &restartableEcho{
		t:     t,
		recv:  make(chan []byte, 32),
		conns: make(chan *websocket.Conn, 4),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	e.addr = ln.Addr().String()
	e.serve(ln)
	t.Cleanup(e.kill)
	return e
}

func (e *restartableEcho) serve(ln net.Listener) {
	upgrader := websocket.Upgrader{}
	e.srv = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.open = append(e.open, conn)
		e.mu.Unlock()
		e.conns <- conn
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			e.recv <- frame
		}
	})}
	go e.srv.Serve(ln)
}

func (e *restartableEcho) kill() {
	if e.srv != nil {
		e.srv.Close()
		e.srv = nil
	}
	// Close() does not touch hijacked connections, so sever the upgraded
	// sockets explicitly.
	e.mu.Lock()
	for _, conn := range e.open {
		conn.Close()
	}
	e.open = nil
	e.mu.Unlock()
}

func (e *restartableEcho) restart() {
	e.t.Helper()
	ln, err := net.Listen("tcp", e.addr)
	require.NoError(e.t, err)
	e.serve(ln)
}

func (e *restartableEcho) url() string {
	return "ws://" + e.addr
}

func (e *restartableEcho) expectFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-e.recv:
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (e *restartableEcho) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-e.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for target dial")
		return nil
	}
}

// shortenReconnect runs the reconnect machinery on a fast clock.
func shortenReconnect(t *testing.T) {
	t.Helper()
	oldDelay, oldSettle := nearReconnectDelay, settleDelay
	nearReconnectDelay = 50 * time.Millisecond
	settleDelay = 50 * time.Millisecond
	t.Cleanup(func() {
		nearReconnectDelay = oldDelay
		settleDelay = oldSettle
	})
}

// shortenKeepalive runs the ping/pong machinery on a fast clock.
func shortenKeepalive(t *testing.T) {
	t.Helper()
	oldInterval, oldTimeout := pingInterval, pingTimeout
	pingInterval = 50 * time.Millisecond
	pingTimeout = 150 * time.Millisecond
	t.Cleanup(func() {
		pingInterval = oldInterval
		pingTimeout = oldTimeout
	})
}

const lifecycleFrame = `{"post_type":"meta_event","meta_event_type":"lifecycle","sub_type":"connect","self_id":10001}`

// readUntil reads client frames until match accepts one; the proxy may
// interleave synthesized notices with the frame under test.
func readUntil(t *testing.T, conn *websocket.Conn, match func([]byte) bool) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		if match(frame) {
			return frame
		}
	}
	t.Fatal("expected frame never arrived")
	return nil
}

func TestFanOutToAllTargets(t *testing.T) {
	t1, t2 := newWSEcho(t), newWSEcho(t)
	client, _ := startProxy(t, config.ConnectionConfig{
		Enabled:         true,
		TargetEndpoints: []config.TargetEndpoint{{URL: t1.url()}, {URL: t2.url()}},
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(lifecycleFrame)))
	assert.Equal(t, "meta_event", gjson.GetBytes(t1.expectFrame(t), "post_type").String())
	assert.Equal(t, "meta_event", gjson.GetBytes(t2.expectFrame(t), "post_type").String())

	event := `{"post_type":"message","message_type":"group","message_id":1,"group_id":2,"user_id":3,"self_id":10001,"sender":{"nickname":"n"},"message":[{"type":"text","data":{"text":"hi"}}]}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(event)))
	assert.Equal(t, "message", gjson.GetBytes(t1.expectFrame(t), "post_type").String())
	assert.Equal(t, "message", gjson.GetBytes(t2.expectFrame(t), "post_type").String())
}

func TestEchoRoutesResponseToCaller(t *testing.T) {
	t1, t2 := newWSEcho(t), newWSEcho(t)
	client, _ := startProxy(t, config.ConnectionConfig{
		Enabled:         true,
		TargetEndpoints: []config.TargetEndpoint{{URL: t1.url()}, {URL: t2.url()}},
	})
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(lifecycleFrame)))
	t1.expectFrame(t)
	t2.expectFrame(t)

	// target 1 issues an API call; it reaches the client
	target1 := t1.conn(t)
	call := `{"action":"get_group_info","params":{"group_id":2},"echo":"req-1"}`
	require.NoError(t, target1.WriteMessage(websocket.TextMessage, []byte(call)))

	frame := readUntil(t, client, func(f []byte) bool {
		return gjson.GetBytes(f, "action").String() == "get_group_info"
	})
	assert.Equal(t, "req-1", gjson.GetBytes(frame, "echo").String())

	// the response goes only to target 1
	resp := `{"status":"ok","retcode":0,"data":{"group_id":2},"echo":"req-1"}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(resp)))

	got := t1.expectFrame(t)
	assert.Equal(t, "req-1", gjson.GetBytes(got, "echo").String())
	t2.expectNoFrame(t)
}

func TestSakoyaTargetSkipsLifecycle(t *testing.T) {
	plain, sak := newWSEcho(t), newWSEcho(t)
	client, _ := startProxy(t, config.ConnectionConfig{
		Enabled: true,
		TargetEndpoints: []config.TargetEndpoint{
			{URL: plain.url()},
			{URL: sak.url() + "/ws/mybot", SakoyaProtocol: true},
		},
	})

	// the lifecycle first frame reaches the plain target only
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(lifecycleFrame)))
	plain.expectFrame(t)
	sak.expectNoFrame(t)

	// a message event reaches both, translated for the Sakoya side
	event := `{"post_type":"message","message_type":"group","message_id":1,"group_id":2,"user_id":3,"self_id":10001,"sender":{"nickname":"n"},"message":[{"type":"text","data":{"text":"hi"}}]}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(event)))
	plain.expectFrame(t)
	translated := sak.expectFrame(t)
	assert.Equal(t, "mybot", gjson.GetBytes(translated, "bot_id").String())
	assert.Equal(t, "group", gjson.GetBytes(translated, "user_type").String())
}

func TestDisabledTargetNeverDialed(t *testing.T) {
	live, dead := newWSEcho(t), newWSEcho(t)
	client, _ := startProxy(t, config.ConnectionConfig{
		Enabled: true,
		TargetEndpoints: []config.TargetEndpoint{
			{URL: live.url()},
			{URL: dead.url(), Disabled: true},
		},
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(lifecycleFrame)))
	live.expectFrame(t)
	dead.expectNoFrame(t)
	select {
	case <-dead.conns:
		t.Fatal("disabled target was dialed")
	default:
	}
}

func TestRebootNoticeSentToClient(t *testing.T) {
	t1 := newWSEcho(t)
	client, _ := startProxy(t, config.ConnectionConfig{
		Enabled:         true,
		TargetEndpoints: []config.TargetEndpoint{{URL: t1.url()}},
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(lifecycleFrame)))

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "bot_reboot", gjson.GetBytes(frame, "notice_type").String())
	assert.Equal(t, int64(10001), gjson.GetBytes(frame, "self_id").Int())
}

func TestTargetHeaderPropagation(t *testing.T) {
	headerCh := make(chan http.Header, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerCh <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	clientHeaders := http.Header{}
	clientHeaders.Set("X-Self-Id", "10001")
	clientHeaders.Set("Authorization", "Bearer tok")
	clientHeaders.Set("X-Ignored", "nope")

	session, err := DialTarget(context.Background(),
		config.TargetEndpoint{
			URL:     "ws://" + strings.TrimPrefix(srv.URL, "http://"),
			Headers: map[string]string{"Authorization": "Bearer custom"},
		}, clientHeaders)
	require.NoError(t, err)
	defer session.Close()

	got := <-headerCh
	assert.Equal(t, "10001", got.Get("X-Self-Id"))
	assert.Equal(t, "Bearer custom", got.Get("Authorization"), "endpoint headers win")
	assert.Empty(t, got.Get("X-Ignored"))
}

func TestFirstFrameReplayPersistsOnce(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	handler := command.NewHandler(command.NewAuthManager(config.SecurityConfig{}, nil))
	c := NewConnection("replay-conn", config.ConnectionConfig{}, nil, nil, st, handler)
	c.firstFrame = []byte(lifecycleFrame)

	c.handleClientFrame(c.firstFrame)
	c.replayFirstFrame(1)
	c.replayFirstFrame(1)

	msgs, err := st.RecentMessages("replay-conn", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "replays must not persist additional rows")
}

func TestTargetReconnectRedialsAndReplays(t *testing.T) {
	shortenReconnect(t)

	target := newRestartableEcho(t)
	client, _ := startProxy(t, config.ConnectionConfig{
		Enabled:         true,
		TargetEndpoints: []config.TargetEndpoint{{URL: target.url()}},
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(lifecycleFrame)))
	target.expectFrame(t)
	target.conn(t)

	// take the framework down and bring it back on the same address
	target.kill()
	target.restart()

	// the proxy redials and replays the first client frame to the new socket
	target.conn(t)
	replayed := target.expectFrame(t)
	assert.Equal(t, "lifecycle", gjson.GetBytes(replayed, "meta_event_type").String())

	// client traffic flows to the recovered target
	event := `{"post_type":"message","message_type":"group","message_id":1,"group_id":2,"user_id":3,"self_id":10001,"sender":{"nickname":"n"},"message":[{"type":"text","data":{"text":"hi"}}]}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(event)))
	assert.Equal(t, "message", gjson.GetBytes(target.expectFrame(t), "post_type").String())
}

func TestReloadTargetsSwapsEndpoints(t *testing.T) {
	shortenReconnect(t)

	oldTarget, newTarget := newWSEcho(t), newWSEcho(t)
	client, pc := startProxy(t, config.ConnectionConfig{
		Enabled:         true,
		TargetEndpoints: []config.TargetEndpoint{{URL: oldTarget.url()}},
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(lifecycleFrame)))
	oldTarget.expectFrame(t)
	oldConn := oldTarget.conn(t)

	pc.ReloadTargets(config.ConnectionConfig{
		Enabled:         true,
		TargetEndpoints: []config.TargetEndpoint{{URL: newTarget.url()}},
	})

	// the new target is dialed and sees the replayed first frame
	newTarget.conn(t)
	replayed := newTarget.expectFrame(t)
	assert.Equal(t, "lifecycle", gjson.GetBytes(replayed, "meta_event_type").String())

	// the old socket was closed and its forwarder did not start a reconnect
	oldConn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := oldConn.ReadMessage()
	assert.Error(t, err, "old target socket stays closed")

	time.Sleep(200 * time.Millisecond)
	select {
	case <-oldTarget.conns:
		t.Fatal("old target redialed after reload")
	case <-newTarget.conns:
		t.Fatal("new target dialed twice after reload")
	default:
	}

	// the client keeps flowing through the swapped target set
	event := `{"post_type":"message","message_type":"group","message_id":1,"group_id":2,"user_id":3,"self_id":10001,"sender":{"nickname":"n"},"message":[{"type":"text","data":{"text":"hi"}}]}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(event)))
	assert.Equal(t, "message", gjson.GetBytes(newTarget.expectFrame(t), "post_type").String())
}

func TestClientKeepaliveDropsSilentClient(t *testing.T) {
	shortenKeepalive(t)

	target := newWSEcho(t)
	client, pc := startProxy(t, config.ConnectionConfig{
		Enabled:         true,
		TargetEndpoints: []config.TargetEndpoint{{URL: target.url()}},
	})
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(lifecycleFrame)))
	target.expectFrame(t)

	// the client never reads, so pings go unanswered and the read deadline fires
	assert.Eventually(t, func() bool { return !pc.Alive() },
		3*time.Second, 50*time.Millisecond, "silent client should be dropped")
}

func TestClientKeepaliveKeepsResponsiveClientAlive(t *testing.T) {
	shortenKeepalive(t)

	target := newWSEcho(t)
	client, pc := startProxy(t, config.ConnectionConfig{
		Enabled:         true,
		TargetEndpoints: []config.TargetEndpoint{{URL: target.url()}},
	})
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(lifecycleFrame)))
	target.expectFrame(t)

	// a reading client answers pings through the default pong handler
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(500 * time.Millisecond) // several ping cycles past the deadline
	assert.True(t, pc.Alive(), "responsive client must stay connected")
}

func TestUnmatchedEchoDroppedWithWarning(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	handler := command.NewHandler(command.NewAuthManager(config.SecurityConfig{}, nil))
	c := NewConnection("echo-warn", config.ConnectionConfig{}, nil, nil, nil, handler)
	c.handleClientFrame([]byte(`{"status":"ok","retcode":0,"data":{},"echo":"ghost"}`))

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && strings.Contains(entry.Message, "unmatched echo") {
			warned = true
		}
	}
	assert.True(t, warned, "dropping an unmatched echo warrants a warning")
}
