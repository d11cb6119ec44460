// Package server exposes the proxy's listening surface: per-port HTTP
// servers that upgrade WebSocket clients and route them by path to proxy
// connections, plus health, metrics and recent-log endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/botswitch/botswitch/internal/buildinfo"
	"github.com/botswitch/botswitch/internal/command"
	"github.com/botswitch/botswitch/internal/config"
	"github.com/botswitch/botswitch/internal/logging"
	"github.com/botswitch/botswitch/internal/proxy"
	"github.com/botswitch/botswitch/internal/store"
)

const shutdownTimeout = 5 * time.Second

type portRoutes struct {
	host  string
	paths map[string]string // path -> connection id
}

type portListener struct {
	srv *http.Server
}

// Server owns the route table, the per-port listeners and the set of live
// proxy connections. One client socket per connection id.
type Server struct {
	store    *store.Store
	commands *command.Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cfg       *config.Config
	routes    map[int]portRoutes
	listeners map[int]*portListener
	conns     map[string]*proxy.Connection
}

func New(cfg *config.Config, st *store.Store, commands *command.Handler) *Server {
	return &Server{
		store:     st,
		commands:  commands,
		cfg:       cfg,
		routes:    map[int]portRoutes{},
		listeners: map[int]*portListener{},
		conns:     map[string]*proxy.Connection{},
	}
}

// buildRoutes derives the port/path route table from the configuration.
// On a path conflict the connection with the lexicographically smaller id
// wins, matching the deterministic registration order.
func buildRoutes(cfg *config.Config) map[int]portRoutes {
	routes := map[int]portRoutes{}

	ids := make([]string, 0, len(cfg.Connections))
	for id := range cfg.Connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		conn := cfg.Connections[id]
		if !conn.Enabled {
			continue
		}
		route, err := config.ParseClientEndpoint(conn.ClientEndpoint)
		if err != nil {
			log.Errorf("connection %s has an invalid client endpoint: %v", id, err)
			continue
		}
		pr, ok := routes[route.Port]
		if !ok {
			pr = portRoutes{host: route.Host, paths: map[string]string{}}
			routes[route.Port] = pr
		}
		if existing, taken := pr.paths[route.Path]; taken {
			log.Warnf("path conflict on port %d: %s already routed to %s, ignoring %s",
				route.Port, route.Path, existing, id)
			continue
		}
		pr.paths[route.Path] = id
		log.Debugf("route added: %s:%d%s -> %s", route.Host, route.Port, route.Path, id)
	}
	return routes
}

// Start builds the route table and brings up one listener per port. It does
// not block; Stop tears everything down.
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.routes = buildRoutes(s.cfg)
	ports := make([]int, 0, len(s.routes))
	for port := range s.routes {
		ports = append(ports, port)
	}
	s.mu.Unlock()

	if len(ports) == 0 {
		log.Warn("no enabled connections configured")
	}
	sort.Ints(ports)
	for _, port := range ports {
		s.startPort(port)
	}
}

// startPort launches the HTTP server for one port. A bind failure is
// logged and tolerated so the remaining ports still come up.
func (s *Server) startPort(port int) {
	s.mu.Lock()
	pr, ok := s.routes[port]
	if !ok || s.listeners[port] != nil {
		s.mu.Unlock()
		return
	}

	engine := s.newEngine(port)
	srv := &http.Server{
		Addr:    pr.host + ":" + strconv.Itoa(port),
		Handler: engine,
	}
	s.listeners[port] = &portListener{srv: srv}
	s.mu.Unlock()

	go func() {
		log.Infof("listening on %s, routes: %v", srv.Addr, pathsOf(pr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("listener on port %d failed: %v", port, err)
			s.mu.Lock()
			delete(s.listeners, port)
			s.mu.Unlock()
		}
	}()
}

func pathsOf(pr portRoutes) []string {
	out := make([]string, 0, len(pr.paths))
	for p := range pr.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Server) newEngine(port int) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinRecovery())

	engine.GET("/healthz", func(c *gin.Context) {
		s.mu.Lock()
		active := 0
		for _, conn := range s.conns {
			if conn.Alive() {
				active++
			}
		}
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{
			"status":             "ok",
			"version":            buildinfo.Version,
			"active_connections": active,
		})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/logs", func(c *gin.Context) {
		n, _ := strconv.Atoi(c.DefaultQuery("n", "100"))
		c.JSON(http.StatusOK, logging.Buffer().Recent(n))
	})

	engine.NoRoute(func(c *gin.Context) {
		s.handleUpgrade(port, c)
	})
	return engine
}

var upgrader = websocket.Upgrader{
	EnableCompression: true,
	CheckOrigin:       func(*http.Request) bool { return true },
}

// handleUpgrade upgrades an inbound socket and hands it to its proxy
// connection. Close codes follow the route outcome: 1008 for an unknown
// path or an already-connected client, 1011 for a missing configuration.
func (s *Server) handleUpgrade(port int, c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusNotFound, "not found")
		return
	}
	path := c.Request.URL.Path
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("upgrade failed on port %d path %s: %v", port, path, err)
		return
	}

	s.mu.Lock()
	pr := s.routes[port]
	connID, routed := pr.paths[path]
	if !routed {
		s.mu.Unlock()
		log.Warnf("no route for path %s on port %d", path, port)
		closeWith(conn, websocket.ClosePolicyViolation, fmt.Sprintf("no route for path %s", path))
		return
	}
	connCfg, haveCfg := s.cfg.Connections[connID]
	if !haveCfg {
		s.mu.Unlock()
		log.Errorf("connection config missing: %s", connID)
		closeWith(conn, websocket.CloseInternalServerErr, "connection config missing")
		return
	}
	if existing := s.conns[connID]; existing != nil {
		if existing.Alive() {
			s.mu.Unlock()
			log.Warnf("[%s] active client already connected, rejecting %s", connID, c.ClientIP())
			closeWith(conn, websocket.ClosePolicyViolation, "Connection already exists")
			return
		}
		// stale entry from a dead client
		delete(s.conns, connID)
	}

	pc := proxy.NewConnection(connID, connCfg, conn, c.Request.Header, s.store, s.commands)
	s.conns[connID] = pc
	s.mu.Unlock()

	log.Infof("[%s] client connected from %s on %s", connID, c.ClientIP(), path)
	if err := pc.Run(s.ctx); err != nil {
		log.Debugf("[%s] connection ended: %v", connID, err)
	}

	s.mu.Lock()
	if s.conns[connID] == pc {
		delete(s.conns, connID)
	}
	s.mu.Unlock()
	log.Infof("[%s] client connection closed", connID)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// Reload applies a new configuration: the route table is rebuilt, listeners
// are started and stopped to match the port diff, and live connections with
// changed target sets redial their targets.
func (s *Server) Reload(cfg *config.Config) {
	log.Info("reloading routes")

	newRoutes := buildRoutes(cfg)

	s.mu.Lock()
	oldCfg := s.cfg
	s.cfg = cfg

	oldPorts := map[int]bool{}
	for port := range s.routes {
		oldPorts[port] = true
	}
	s.routes = newRoutes

	var toStart, toStop []int
	for port := range newRoutes {
		if !oldPorts[port] {
			toStart = append(toStart, port)
		}
	}
	for port := range oldPorts {
		if _, keep := newRoutes[port]; !keep {
			toStop = append(toStop, port)
		}
	}

	type reloadTarget struct {
		conn *proxy.Connection
		cfg  config.ConnectionConfig
		stop bool
	}
	var pending []reloadTarget
	for id, conn := range s.conns {
		newConnCfg, ok := cfg.Connections[id]
		switch {
		case !ok || !newConnCfg.Enabled:
			pending = append(pending, reloadTarget{conn: conn, stop: true})
			delete(s.conns, id)
		case !targetsEqual(oldCfg.Connections[id], newConnCfg):
			pending = append(pending, reloadTarget{conn: conn, cfg: newConnCfg})
		}
	}
	s.mu.Unlock()

	for _, port := range toStart {
		log.Infof("new port %d detected, starting listener", port)
		s.startPort(port)
	}
	for _, port := range toStop {
		log.Infof("port %d no longer routed, stopping listener", port)
		s.stopPort(port)
	}
	for _, p := range pending {
		if p.stop {
			log.Infof("[%s] removed or disabled by reload, stopping", p.conn.ID)
			p.conn.Stop()
		} else {
			p.conn.ReloadTargets(p.cfg)
		}
	}
	log.Infof("route reload complete: %d ports active", len(newRoutes))
}

func targetsEqual(a, b config.ConnectionConfig) bool {
	if len(a.TargetEndpoints) != len(b.TargetEndpoints) {
		return false
	}
	for i := range a.TargetEndpoints {
		x, y := a.TargetEndpoints[i], b.TargetEndpoints[i]
		if x.URL != y.URL || x.SakoyaProtocol != y.SakoyaProtocol || x.Disabled != y.Disabled {
			return false
		}
		if len(x.Headers) != len(y.Headers) {
			return false
		}
		for k, v := range x.Headers {
			if y.Headers[k] != v {
				return false
			}
		}
	}
	return true
}

func (s *Server) stopPort(port int) {
	s.mu.Lock()
	l := s.listeners[port]
	delete(s.listeners, port)
	s.mu.Unlock()
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := l.srv.Shutdown(ctx); err != nil {
		log.Warnf("shutdown of port %d: %v", port, err)
	}
}

// Stop closes every connection and listener, waiting up to five seconds.
func (s *Server) Stop() {
	log.Info("stopping proxy server")
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	conns := make([]*proxy.Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = map[string]*proxy.Connection{}
	listeners := make([]*portListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listeners = map[int]*portListener{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			conn.Stop()
			return nil
		})
	}
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			return l.srv.Shutdown(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Warnf("shutdown finished with errors: %v", err)
	}
	log.Info("proxy server stopped")
}
