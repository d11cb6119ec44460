package proxy

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/botswitch/botswitch/internal/command"
	"github.com/botswitch/botswitch/internal/config"
	"github.com/botswitch/botswitch/internal/metrics"
	"github.com/botswitch/botswitch/internal/onebot"
	"github.com/botswitch/botswitch/internal/store"
	"github.com/botswitch/botswitch/internal/util"
)

// Near-phase reconnect: nearReconnectAttempts tries every
// nearReconnectDelay, then the far phase retries every farReconnectDelay
// for as long as the client stays connected. settleDelay is waited after
// a non-Sakoya target redial before frames flow again; frameworks like
// NoneBot finish their own handshake first. Variables so tests can run
// the reconnect machinery on a short clock.
var (
	nearReconnectAttempts = 40
	nearReconnectDelay    = 3 * time.Second
	farReconnectDelay     = 600 * time.Second
	settleDelay           = 5 * time.Second
)

const stopTimeout = 3 * time.Second

// Connection proxies one client socket to the connection's target slots.
// Target indices are 1-based on the outside; index 0 is the proxy itself
// and carries command replies and synthesized notices.
type Connection struct {
	ID string

	client        *websocket.Conn
	clientMu      sync.Mutex
	clientHeaders http.Header

	store    *store.Store
	commands *command.Handler
	echoes   *EchoCache

	running   atomic.Bool
	reloading atomic.Bool
	selfID    atomic.Int64

	mu      sync.Mutex
	cfg     config.ConnectionConfig
	targets []TargetSession

	firstFrame []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConnection(id string, cfg config.ConnectionConfig, client *websocket.Conn, headers http.Header, st *store.Store, commands *command.Handler) *Connection {
	return &Connection{
		ID:            id,
		client:        client,
		clientHeaders: headers,
		store:         st,
		commands:      commands,
		echoes:        NewEchoCache(id),
		cfg:           cfg,
		targets:       make([]TargetSession, len(cfg.TargetEndpoints)),
	}
}

// Run drives the connection until the client disconnects or ctx is
// cancelled. The first client frame is held back until targets are dialed:
// Yunzai registers itself with a lifecycle frame that every target must see.
func (c *Connection) Run(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	c.running.Store(true)
	metrics.ActiveClients.WithLabelValues(c.ID).Set(1)
	defer metrics.ActiveClients.WithLabelValues(c.ID).Set(0)
	defer c.Stop()

	c.client.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	c.client.SetPongHandler(func(string) error {
		return c.client.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	})
	c.wg.Add(1)
	go c.clientKeepalive()

	_, first, err := c.client.ReadMessage()
	if err != nil {
		return err
	}
	c.firstFrame = first

	c.connectTargets()
	c.handleClientFrame(first)
	c.sendRebootNotice()

	c.mu.Lock()
	for i, t := range c.targets {
		if t != nil {
			c.startForwarding(i+1, t, false)
		}
	}
	c.mu.Unlock()

	for c.running.Load() {
		_, frame, err := c.client.ReadMessage()
		if err != nil {
			log.Infof("[%s] client disconnected: %v", c.ID, err)
			break
		}
		c.client.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		c.handleClientFrame(frame)
	}
	return nil
}

// clientKeepalive pings the chat platform client on the same cadence used
// for targets. A client that stops answering pongs runs into the read
// deadline and the connection winds down.
func (c *Connection) clientKeepalive() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.clientMu.Lock()
			err := c.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout))
			c.clientMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// connectTargets dials every enabled slot in parallel. Failed slots get a
// delayed background reconnect so a briefly-down framework still joins.
func (c *Connection) connectTargets() {
	c.mu.Lock()
	endpoints := c.cfg.TargetEndpoints
	c.mu.Unlock()

	var g errgroup.Group
	results := make([]TargetSession, len(endpoints))
	for i, ep := range endpoints {
		if ep.Disabled {
			log.Infof("[%s] target %d is disabled, skipping", c.ID, i+1)
			continue
		}
		i, ep := i, ep
		g.Go(func() error {
			session, err := DialTarget(c.ctx, ep, c.clientHeaders)
			if err != nil {
				log.Errorf("[%s] connect target %d (%s): %v", c.ID, i+1, ep.URL, err)
				return nil
			}
			log.Infof("[%s] connected to target %d: %s", c.ID, i+1, ep.URL)
			results[i] = session
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	copy(c.targets, results)
	c.mu.Unlock()

	for i, session := range results {
		if session == nil && !endpoints[i].Disabled {
			idx := i + 1
			log.Warnf("[%s] target %d failed to connect, starting background reconnect", c.ID, idx)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(settleDelay):
				}
				c.reconnectTarget(idx)
			}()
		}
	}
}

// startForwarding runs the target-to-client loop for one slot.
func (c *Connection) startForwarding(targetIndex int, session TargetSession, delayed bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if delayed {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(settleDelay):
			}
		}
		c.forwardTarget(targetIndex, session)
	}()
}

func (c *Connection) forwardTarget(targetIndex int, session TargetSession) {
	for {
		frame, err := session.Recv()
		if err != nil {
			if c.reloading.Load() || !c.running.Load() {
				log.Infof("[%s] target %d closed, no reconnect", c.ID, targetIndex)
				return
			}
			log.Warnf("[%s] target %d connection lost: %v", c.ID, targetIndex, err)
			c.reconnectTarget(targetIndex)
			return
		}
		c.handleTargetFrame(frame, targetIndex)
	}
}

// reconnectTarget redials a slot: a near phase of quick retries, then a far
// phase with long pauses. The endpoint config is re-read on every attempt
// so disabling a target in a reload stops the loop.
func (c *Connection) reconnectTarget(targetIndex int) {
	log.Infof("[%s] target %d down, retrying for %ds", c.ID, targetIndex, int(nearReconnectDelay.Seconds())*nearReconnectAttempts)

	for attempt := 1; attempt <= nearReconnectAttempts; attempt++ {
		if !c.reconnectWait(targetIndex, nearReconnectDelay) {
			return
		}
		log.Debugf("[%s] reconnect target %d attempt %d/%d", c.ID, targetIndex, attempt, nearReconnectAttempts)
		if c.redial(targetIndex) {
			return
		}
	}

	for {
		if !c.reconnectWait(targetIndex, farReconnectDelay) {
			return
		}
		if c.redial(targetIndex) {
			return
		}
	}
}

// reconnectWait sleeps before an attempt and reports whether the loop may
// continue: the slot must still exist, be enabled, and the client alive.
func (c *Connection) reconnectWait(targetIndex int, delay time.Duration) bool {
	c.mu.Lock()
	var (
		exists   = targetIndex-1 < len(c.cfg.TargetEndpoints)
		disabled = exists && c.cfg.TargetEndpoints[targetIndex-1].Disabled
	)
	c.mu.Unlock()

	switch {
	case !exists:
		log.Warnf("[%s] target %d no longer configured, stopping reconnect", c.ID, targetIndex)
		return false
	case disabled:
		log.Infof("[%s] target %d disabled, stopping reconnect", c.ID, targetIndex)
		return false
	case !c.running.Load():
		log.Infof("[%s] client gone, stopping reconnect of target %d", c.ID, targetIndex)
		return false
	}

	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// redial performs one reconnect attempt. On success the first client frame
// is replayed so frameworks that register on it see the client again.
func (c *Connection) redial(targetIndex int) bool {
	metrics.ReconnectAttempts.WithLabelValues(c.ID).Inc()

	c.mu.Lock()
	if targetIndex-1 >= len(c.cfg.TargetEndpoints) {
		c.mu.Unlock()
		return false
	}
	endpoint := c.cfg.TargetEndpoints[targetIndex-1]
	c.mu.Unlock()

	session, err := DialTarget(c.ctx, endpoint, c.clientHeaders)
	if err != nil {
		log.Debugf("[%s] reconnect target %d failed: %v", c.ID, targetIndex, err)
		return false
	}

	c.mu.Lock()
	c.targets[targetIndex-1] = session
	c.mu.Unlock()

	c.replayFirstFrame(targetIndex)

	if endpoint.SakoyaProtocol {
		log.Infof("[%s] target %d recovered, forwarding immediately", c.ID, targetIndex)
		c.startForwarding(targetIndex, session, false)
	} else {
		log.Infof("[%s] target %d recovered, forwarding in %s", c.ID, targetIndex, settleDelay)
		c.startForwarding(targetIndex, session, true)
	}
	return true
}

// replayFirstFrame delivers the retained first client frame to one slot
// after a redial or reload. Replays bypass persistence and command
// handling: the frame already went through the full pipeline when it
// first arrived, only the fresh socket needs to see it again.
func (c *Connection) replayFirstFrame(targetIndex int) {
	if c.firstFrame == nil {
		return
	}

	c.mu.Lock()
	var (
		session  TargetSession
		endpoint config.TargetEndpoint
	)
	if targetIndex-1 >= 0 && targetIndex-1 < len(c.targets) {
		session = c.targets[targetIndex-1]
	}
	if targetIndex-1 >= 0 && targetIndex-1 < len(c.cfg.TargetEndpoints) {
		endpoint = c.cfg.TargetEndpoints[targetIndex-1]
	}
	c.mu.Unlock()

	if session == nil || endpoint.Disabled {
		return
	}
	if endpoint.SakoyaProtocol && onebot.SkipForSakoya(c.firstFrame) {
		return
	}
	c.sendToTargetSession(targetIndex, session, c.firstFrame)
}

// handleClientFrame processes one frame from the chat platform: persist it,
// answer built-in commands, then either route it to the target that asked
// (echo match) or fan it out to every live target.
func (c *Connection) handleClientFrame(frame []byte) {
	if !gjson.ValidBytes(frame) {
		log.Warnf("[%s] non-JSON client frame: %s", c.ID, util.Truncate(string(frame), 200))
		metrics.FramesDropped.WithLabelValues(c.ID, "invalid_json").Inc()
		return
	}

	if selfID, ok := onebot.SelfID(frame); ok && selfID != 0 {
		if old := c.selfID.Load(); old != 0 && old != selfID {
			// account switching on a live connection is not supported
			log.Warnf("[%s] client account switched to %d, restart this connection", c.ID, selfID)
		}
		c.selfID.Store(selfID)
	}

	frame = c.commands.Preprocess(frame)
	c.persistClientFrame(frame)

	if reply := c.commands.HandleEvent(frame); reply != nil {
		// answered locally; the event is not the frameworks' business
		c.handleTargetFrame(reply, 0)
		return
	}

	c.mu.Lock()
	numTargets := len(c.targets)
	c.mu.Unlock()

	if echo := onebot.Echo(frame); echo != "" {
		entry, ok := c.echoes.Pop(echo, numTargets)
		if !ok || entry.TargetIndex <= 0 {
			log.Warnf("[%s] response with unmatched echo %q dropped", c.ID, echo)
			metrics.FramesDropped.WithLabelValues(c.ID, "unmatched_echo").Inc()
			return
		}
		c.sendToTarget(entry.TargetIndex, frame)
		return
	}

	skipSakoya := onebot.SkipForSakoya(frame)
	c.mu.Lock()
	endpoints := c.cfg.TargetEndpoints
	targets := make([]TargetSession, len(c.targets))
	copy(targets, c.targets)
	c.mu.Unlock()

	for i, session := range targets {
		if session == nil {
			continue
		}
		if i < len(endpoints) && endpoints[i].Disabled {
			continue
		}
		if skipSakoya && i < len(endpoints) && endpoints[i].SakoyaProtocol {
			log.Debugf("[%s] skipping lifecycle frame for sakoya target %d", c.ID, i+1)
			continue
		}
		c.sendToTargetSession(i+1, session, frame)
	}
}

func (c *Connection) sendToTarget(targetIndex int, frame []byte) {
	c.mu.Lock()
	var session TargetSession
	if targetIndex-1 < len(c.targets) {
		session = c.targets[targetIndex-1]
	}
	c.mu.Unlock()
	if session == nil {
		metrics.FramesDropped.WithLabelValues(c.ID, "target_down").Inc()
		return
	}
	c.sendToTargetSession(targetIndex, session, frame)
}

func (c *Connection) sendToTargetSession(targetIndex int, session TargetSession, frame []byte) {
	if err := session.Send(frame); err != nil {
		log.Errorf("[%s] send to target %d failed: %v", c.ID, targetIndex, err)
		metrics.FramesDropped.WithLabelValues(c.ID, "send_failed").Inc()
		return
	}
	metrics.FramesForwarded.WithLabelValues(c.ID, "client_to_target").Inc()
}

// persistClientFrame stores the frame. A successful send response is stored
// as a synthesized message_sent event built from the pending call; failed
// responses are logged with the call that caused them.
func (c *Connection) persistClientFrame(frame []byte) {
	c.mu.Lock()
	numTargets := len(c.targets)
	c.mu.Unlock()

	if onebot.Classify(frame) == onebot.KindAPIResponse {
		echo := onebot.Echo(frame)
		entry, ok := c.echoes.Peek(echo, numTargets)
		if onebot.IsSuccessResponse(frame) {
			if ok && gjson.GetBytes(frame, "data").IsObject() {
				messageID := gjson.GetBytes(frame, "data.message_id").Raw
				synth, err := onebot.MessageSentFromCall(entry.Frame, c.selfID.Load(), messageID)
				if err == nil && synth != nil {
					c.saveMessage("SEND", synth)
				}
			}
			return
		}
		if ok {
			log.Warnf("[%s] API call failed: %s -> %s", c.ID,
				util.Truncate(string(entry.Frame), 200), util.Truncate(string(frame), 200))
		}
		return
	}

	c.saveMessage("RECV", frame)
}

// handleTargetFrame processes one frame from a target (or, for index 0,
// from the proxy itself) and forwards it to the client. Calls carrying an
// echo are remembered for response routing; echo-less send calls are
// persisted as outgoing messages right away.
func (c *Connection) handleTargetFrame(frame []byte, targetIndex int) {
	if !gjson.ValidBytes(frame) {
		log.Warnf("[%s] non-JSON frame from target %d: %s", c.ID, targetIndex, util.Truncate(string(frame), 200))
		metrics.FramesDropped.WithLabelValues(c.ID, "invalid_json").Inc()
		return
	}

	if echo := onebot.Echo(frame); echo != "" {
		c.echoes.Put(targetIndex, echo, frame)
	} else if onebot.IsSendAction(onebot.Action(frame)) {
		// frameworks that send without echo still get their messages logged
		synth, err := onebot.MessageSentFromCall(frame, c.selfID.Load(), "")
		if err == nil && synth != nil {
			c.saveMessage("SEND", synth)
		}
	}

	c.clientMu.Lock()
	err := c.client.WriteMessage(websocket.TextMessage, frame)
	c.clientMu.Unlock()
	if err != nil {
		log.Warnf("[%s] send to client failed: %v", c.ID, err)
		metrics.FramesDropped.WithLabelValues(c.ID, "client_send_failed").Inc()
		return
	}
	metrics.FramesForwarded.WithLabelValues(c.ID, "target_to_client").Inc()
}

func (c *Connection) sendRebootNotice() {
	if selfID := c.selfID.Load(); selfID != 0 {
		c.handleTargetFrame(onebot.RebootNotice(selfID), 0)
	}
}

func (c *Connection) saveMessage(direction string, frame []byte) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveMessage(c.ID, direction, c.selfID.Load(), frame); err != nil {
		log.Errorf("[%s] persist %s frame: %v", c.ID, direction, err)
	}
}

// Alive reports whether the client socket is still being served.
func (c *Connection) Alive() bool {
	return c.running.Load()
}

// Stop closes every target and the client socket, waiting up to three
// seconds for forwarding goroutines to drain.
func (c *Connection) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	targets := make([]TargetSession, len(c.targets))
	copy(targets, c.targets)
	for i := range c.targets {
		c.targets[i] = nil
	}
	c.mu.Unlock()

	for _, session := range targets {
		if session != nil {
			_ = session.Close()
		}
	}
	_ = c.client.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		log.Warnf("[%s] timed out waiting for forwarders to stop", c.ID)
	}
	log.Infof("[%s] connection stopped", c.ID)
}

// ReloadTargets tears down the current target set and dials the one in
// newCfg. The client socket is untouched; the first frame is replayed so
// targets that register on it come back up correctly.
func (c *Connection) ReloadTargets(newCfg config.ConnectionConfig) {
	if !c.running.Load() {
		return
	}
	log.Infof("[%s] reloading target endpoints", c.ID)
	c.reloading.Store(true)
	defer c.reloading.Store(false)

	c.mu.Lock()
	old := make([]TargetSession, len(c.targets))
	copy(old, c.targets)
	c.cfg = newCfg
	c.targets = make([]TargetSession, len(newCfg.TargetEndpoints))
	c.mu.Unlock()

	for _, session := range old {
		if session != nil {
			_ = session.Close()
		}
	}

	c.connectTargets()

	c.mu.Lock()
	numTargets := len(c.targets)
	c.mu.Unlock()
	for i := 1; i <= numTargets; i++ {
		c.replayFirstFrame(i)
	}

	c.mu.Lock()
	for i, session := range c.targets {
		if session != nil {
			c.startForwarding(i+1, session, false)
		}
	}
	c.mu.Unlock()
	log.Infof("[%s] target endpoints reloaded", c.ID)
}
