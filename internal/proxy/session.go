package proxy

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/botswitch/botswitch/internal/config"
	"github.com/botswitch/botswitch/internal/sakoya"
)

// pingInterval and pingTimeout apply to both sides: the accepted client
// socket and every dialed target. Variables so tests can shorten them.
var (
	pingInterval = 300 * time.Second
	pingTimeout  = 60 * time.Second
)

const handshakeTimeout = 10 * time.Second

// propagatedHeaders are copied from the client handshake onto target dials.
// NoneBot requires X-Self-Id to accept the connection.
var propagatedHeaders = []string{"Authorization", "X-Self-Id", "X-Client-Role", "User-Agent"}

// TargetSession is one downstream framework connection. Send and Recv carry
// OneBot v11 frames; dialect translation happens inside the session.
type TargetSession interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

// wsSession wraps a gorilla connection with a write mutex and keepalive.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newWSSession(conn *websocket.Conn) *wsSession {
	s := &wsSession{conn: conn, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	})
	go s.keepalive()
	return s
}

func (s *wsSession) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *wsSession) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSession) Recv() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	s.conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	return data, nil
}

func (s *wsSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// DialTarget connects to a target endpoint, propagating selected client
// handshake headers. Endpoint headers win over propagated ones. A Sakoya
// endpoint comes back wrapped in the dialect-translating session.
func DialTarget(ctx context.Context, endpoint config.TargetEndpoint, clientHeaders http.Header) (TargetSession, error) {
	headers := http.Header{}
	for _, name := range propagatedHeaders {
		if v := clientHeaders.Get(name); v != "" {
			headers.Set(name, v)
		}
	}
	for k, v := range endpoint.Headers {
		headers.Set(k, v)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint.URL, headers)
	if err != nil {
		return nil, err
	}

	session := newWSSession(conn)
	if !endpoint.SakoyaProtocol {
		return session, nil
	}

	botID := "Bot"
	if u, err := url.Parse(endpoint.URL); err == nil {
		if id := sakoya.BotIDFromPath(u.Path); id != "" {
			botID = id
		} else {
			log.Warnf("cannot extract bot id from path %s, using %q", u.Path, botID)
		}
	}
	return NewSakoyaSession(session, botID), nil
}
