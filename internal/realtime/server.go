package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ptyhive/internal/protocol"
	"ptyhive/internal/session"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	sendBuffer     = 256
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // access is decided by the Authorizer
	},
}

// Server exposes a session manager over a websocket and a REST API.
type Server struct {
	sessionMgr *session.Manager
	auth       Authorizer
	log        *slog.Logger
	staticDir  string

	clients   map[*client]struct{}
	clientsMu sync.RWMutex
}

// Option configures a Server.
type Option func(*Server)

// WithAuthorizer sets who may use the API. The default allows everyone.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.auth = a }
}

// WithStaticDir serves a directory of static files at "/".
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a new realtime server.
func New(sessionMgr *session.Manager, opts ...Option) *Server {
	s := &Server{
		sessionMgr: sessionMgr,
		clients:    make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = AllowAll
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.requireAuth(s.handleWebSocket))

	mux.HandleFunc("POST /sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("POST /sessions/{id}/input", s.requireAuth(s.handleInput))
	mux.HandleFunc("POST /sessions/{id}/resize", s.requireAuth(s.handleResize))
	mux.HandleFunc("POST /sessions/{id}/pause", s.requireAuth(s.handlePause))
	mux.HandleFunc("POST /sessions/{id}/resume", s.requireAuth(s.handleResume))
	mux.HandleFunc("GET /sessions/{id}/output", s.requireAuth(s.handleOutput))
	mux.HandleFunc("GET /stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /metrics", s.requireAuth(s.handleMetrics))

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close disconnects every websocket client.
func (s *Server) Close() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// client is one websocket connection. Only writePump writes to conn.
type client struct {
	conn   *websocket.Conn
	codec  protocol.Codec
	out    chan []byte
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	server *Server

	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]*session.Subscription // sessionID → live subscription
}

// handleWebSocket upgrades an HTTP connection to WebSocket. The
// "encoding" query parameter selects the wire format.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	codec, err := protocol.CodecByName(r.URL.Query().Get("encoding"))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		codec:  codec,
		out:    make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		server: s,
		subs:   make(map[string]*session.Subscription),
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	s.log.Debug("websocket client connected", "remote", r.RemoteAddr, "encoding", codec.Name())

	// Send current session list to new client.
	for _, info := range s.sessionMgr.List() {
		if msg, err := protocol.NewMessage(codec, protocol.TypeSessionUpdate, updatePayload(info)); err == nil {
			c.offer(msg)
		}
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer c.server.removeClient(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug("websocket read failed", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes queued frames and keepalive pings. It owns the
// connection and closes it on the way out.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.server.removeClient(c)
		_ = c.conn.Close()
	}()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(frameType, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient forgets a client and ends its subscriptions.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)
		// Every subscription was taken with c.ctx.
		c.cancel()
	})
}

// queue sends msg, waiting while the client's buffer is full. It returns
// false once the client is gone.
func (c *client) queue(msg *protocol.Message) bool {
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.server.log.Error("encode message", "type", msg.Type, "error", err)
		return false
	}
	select {
	case c.out <- data:
		return true
	case <-c.done:
		return false
	}
}

// offer sends msg unless the client's buffer is full.
func (c *client) offer(msg *protocol.Message) {
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.server.log.Error("encode message", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.out <- data:
	default:
		// Client buffer full, skip.
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(c.codec, raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch p := msg.Body.(type) {
	case protocol.SessionCreatePayload:
		err = s.handleWSCreateSession(c, p)
	case protocol.SessionWritePayload:
		err = s.sessionMgr.Write(p.SessionID, p.Data)
	case protocol.SessionResizePayload:
		err = s.sessionMgr.Resize(p.SessionID, p.Rows, p.Cols)
	case protocol.SessionSubscribePayload:
		err = s.subscribeClient(c, p.SessionID, p.Offset)
	case protocol.SessionIDPayload:
		switch msg.Type {
		case protocol.TypeSessionPause:
			if err = s.sessionMgr.Pause(p.SessionID); err == nil {
				s.broadcastSessionUpdate(p.SessionID)
			}
		case protocol.TypeSessionResume:
			if err = s.sessionMgr.Resume(p.SessionID); err == nil {
				s.broadcastSessionUpdate(p.SessionID)
			}
		case protocol.TypeSessionClose:
			if err = s.sessionMgr.Close(c.ctx, p.SessionID); err == nil {
				s.broadcastSessionUpdate(p.SessionID)
			}
		case protocol.TypeSessionUnsubscribe:
			c.unsubscribe(p.SessionID)
		}
	}

	if err != nil {
		code, _ := errorCode(err)
		s.sendError(c, code, err.Error())
	}
}

func (s *Server) handleWSCreateSession(c *client, p protocol.SessionCreatePayload) error {
	info, err := s.sessionMgr.Create(c.ctx, session.Config{
		WorkDir: p.WorkDir,
		Label:   p.Label,
		Command: p.Command,
		Env:     p.Env,
		Rows:    p.Rows,
		Cols:    p.Cols,
	})
	if err != nil {
		return err
	}

	s.broadcast(protocol.TypeSessionUpdate, updatePayload(info))

	// The creator sees the session's output from its first byte.
	var start uint64
	return s.subscribeClient(c, info.ID, &start)
}

// subscribeClient attaches c to a session's output. With from set, output
// buffered since that offset is replayed ahead of the live stream.
func (s *Server) subscribeClient(c *client, sessionID string, from *uint64) error {
	c.mu.Lock()
	if _, exists := c.subs[sessionID]; exists {
		c.mu.Unlock()
		return nil // Already subscribed.
	}
	c.mu.Unlock()

	sub, err := s.sessionMgr.Subscribe(c.ctx, sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.subs[sessionID]; exists {
		c.mu.Unlock()
		sub.Close()
		return nil
	}
	c.subs[sessionID] = sub
	c.mu.Unlock()

	if from != nil && *from < sub.Start {
		data, next, err := s.sessionMgr.ReadFrom(sessionID, *from)
		switch {
		case errors.Is(err, session.ErrClosed):
			// Gone already; the subscription carries the terminal event.
		case err != nil:
			c.dropSub(sub)
			sub.Close()
			return err
		case len(data) > 0:
			// The live stream starts at sub.Start; anything later arrives there.
			if next > sub.Start {
				data = data[:len(data)-int(next-sub.Start)]
			}
			msg, err := protocol.NewMessage(c.codec, protocol.TypeSessionOutput, protocol.SessionOutputPayload{
				SessionID: sessionID,
				Offset:    *from,
				Data:      data,
			})
			if err == nil {
				c.queue(msg)
			}
		}
	}

	var skip uint64
	if from != nil && *from > sub.Start {
		skip = *from
	}
	go s.forward(c, sub, skip)
	return nil
}

// forward relays a subscription to the client. It blocks while the client
// is slow, so a stalled client falls behind in the session's broadcaster
// and is told it lagged. Output before skip is not sent again.
func (s *Server) forward(c *client, sub *session.Subscription, skip uint64) {
	defer c.dropSub(sub)

	for ev := range sub.Events() {
		if ev.Type == session.EventData && ev.Offset < skip {
			end := ev.Offset + uint64(len(ev.Data))
			if end <= skip {
				continue
			}
			ev.Data = ev.Data[skip-ev.Offset:]
			ev.Offset = skip
		}
		if ev.Terminal() {
			// A client told it lagged may re-subscribe as soon as it reads this.
			c.dropSub(sub)
		}
		msg, err := eventMessage(c.codec, ev)
		if err != nil {
			s.log.Error("build output message", "session", ev.SessionID, "type", ev.Type, "error", err)
			continue
		}
		if !c.queue(msg) {
			sub.Close()
			return
		}
	}
}

func (c *client) unsubscribe(sessionID string) {
	c.mu.Lock()
	sub := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// dropSub forgets sub if it is still the client's subscription for its
// session.
func (c *client) dropSub(sub *session.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sub.SessionID] == sub {
		delete(c.subs, sub.SessionID)
	}
}

// eventMessage maps one output event to its wire message.
func eventMessage(codec protocol.Codec, ev session.OutputEvent) (*protocol.Message, error) {
	switch ev.Type {
	case session.EventData:
		return protocol.NewMessage(codec, protocol.TypeSessionOutput, protocol.SessionOutputPayload{
			SessionID: ev.SessionID,
			Offset:    ev.Offset,
			Data:      ev.Data,
			Events:    ev.Events,
		})

	case session.EventIdle:
		p := protocol.SessionIdlePayload{SessionID: ev.SessionID, Offset: ev.Offset}
		if len(ev.Events) > 0 {
			p.Question = ev.Events[0]
		}
		return protocol.NewMessage(codec, protocol.TypeSessionIdle, p)

	case session.EventExit, session.EventClosed:
		return protocol.NewMessage(codec, protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
			SessionID: ev.SessionID,
			ExitCode:  ev.ExitCode,
			Reason:    string(ev.Type),
			Offset:    ev.Offset,
		})

	case session.EventLagged:
		return protocol.NewMessage(codec, protocol.TypeSessionLagged, protocol.SessionLaggedPayload{
			SessionID: ev.SessionID,
			Offset:    ev.Offset,
		})
	}
	return nil, errors.New("unknown event type " + string(ev.Type))
}

func updatePayload(info session.Info) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:        info.ID,
		State:     string(info.State),
		WorkDir:   info.WorkDir,
		Label:     info.Label,
		Command:   info.Command,
		Pid:       info.Pid,
		Rows:      info.Rows,
		Cols:      info.Cols,
		Offset:    info.Offset,
		CreatedAt: info.CreatedAt.Format(time.RFC3339Nano),
	}
}

// broadcastSessionUpdate sends a session's current state to all clients.
func (s *Server) broadcastSessionUpdate(sessionID string) {
	info, err := s.sessionMgr.Get(sessionID)
	if err != nil {
		return
	}
	s.broadcast(protocol.TypeSessionUpdate, updatePayload(info))
}

// broadcast sends a message to all connected clients, each in its own
// encoding.
func (s *Server) broadcast(msgType string, payload any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		msg, err := protocol.NewMessage(c.codec, msgType, payload)
		if err != nil {
			s.log.Error("build broadcast message", "type", msgType, "error", err)
			return
		}
		c.offer(msg)
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(c.codec, code, message)
	if err != nil {
		return
	}
	c.queue(msg)
}

// errorCode maps a manager error to its protocol code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrSessionNotFound, http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return protocol.ErrSessionTerminated, http.StatusConflict
	case errors.Is(err, session.ErrCapacityExceeded):
		return protocol.ErrMaxSessions, http.StatusTooManyRequests
	case errors.Is(err, session.ErrOffsetExpired):
		return protocol.ErrOffsetExpired, http.StatusGone
	case errors.Is(err, session.ErrSpawnFailed):
		return protocol.ErrSpawnFailed, http.StatusBadGateway
	}
	return protocol.ErrInternal, http.StatusInternalServerError
}
