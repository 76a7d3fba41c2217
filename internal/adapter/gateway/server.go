package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"toolhost/internal/domain"
	"toolhost/internal/infra/middleware"
)

const (
	sendQueueSize = 64
	maxFrameBytes = 4 << 20
	writeTimeout  = 5 * time.Second
)

// RPCHandler handles a single RPC method call. The result is marshalled
// into the response payload.
type RPCHandler func(ctx context.Context, conn *Conn, payload json.RawMessage) (any, error)

// AuditRecorder records gateway authentication failures.
type AuditRecorder interface {
	LogAction(ctx context.Context, typ domain.AuditEventType, pluginID, action string, err error) error
}

// Options tune a Server. The zero value is usable.
type Options struct {
	// Limiter throttles upgrades per client IP and requests per connection.
	Limiter        *middleware.Limiter
	TrustedProxies []string
	Audit          AuditRecorder
	// OriginPatterns are accepted in addition to loopback origins.
	OriginPatterns []string
}

// Conn is one connected UI client. It owns the surfaces it bound and the
// plugin start references it took.
type Conn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	surfaces map[string]struct{}
	starts   map[string][]domain.PluginLease
}

// ID returns the connection id.
func (c *Conn) ID() uint64 { return c.id }

// Client returns the authenticated client.
func (c *Conn) Client() *ClientInfo { return c.info }

// Owns reports whether the connection bound surfaceID.
func (c *Conn) Owns(surfaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.surfaces[surfaceID]
	return ok
}

// Event queues an event frame for the client. A full queue drops the event.
func (c *Conn) Event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	return c.enqueue(Frame{Type: FrameTypeEvent, Method: name, Payload: data})
}

func (c *Conn) enqueue(f Frame) error {
	select {
	case <-c.done:
		return domain.NewDomainError("gateway.send", domain.ErrNotFound, "connection closed")
	default:
	}
	select {
	case c.sendCh <- f:
		return nil
	default:
		return domain.NewDomainError("gateway.send", domain.ErrLimitReached, "client send queue full")
	}
}

func (c *Conn) close() { c.closeOnce.Do(func() { close(c.done) }) }

// Server is the WebSocket gateway UI surfaces use to reach the host.
type Server struct {
	bus        domain.EventBus
	auth       Authenticator // nil accepts loopback clients only
	opts       Options
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	logger     *slog.Logger
	addr       string
	httpSrv    *http.Server
	boundAddr  atomic.Value // string
	nextID     atomic.Uint64
	unsubAll   func()
	httpRoutes []httpRoute // additional HTTP routes

	mu       sync.Mutex
	conns    map[uint64]*Conn
	surfaces map[string]*Conn
	onClose  []func(surfaceID string)
	onLeave  []func(conn *Conn)
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server.
func NewServer(bus domain.EventBus, auth Authenticator, addr string, opts Options, logger *slog.Logger) *Server {
	return &Server{
		bus:      bus,
		auth:     auth,
		opts:     opts,
		handlers: make(map[string]RPCHandler),
		logger:   logger.With("component", "gateway"),
		addr:     addr,
		conns:    make(map[uint64]*Conn),
		surfaces: make(map[string]*Conn),
	}
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// OnSurfaceClosed registers fn to run when a bound surface goes away,
// either unbound explicitly or with its connection.
func (s *Server) OnSurfaceClosed(fn func(surfaceID string)) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// OnDisconnect registers fn to run after a connection's surfaces are
// released.
func (s *Server) OnDisconnect(fn func(conn *Conn)) {
	s.mu.Lock()
	s.onLeave = append(s.onLeave, fn)
	s.mu.Unlock()
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}
	var h http.Handler = mux
	if s.opts.Limiter != nil {
		h = middleware.RateLimit(s.opts.Limiter, s.opts.TrustedProxies)(h)
	}
	return middleware.SecurityHeaders(h)
}

// Start begins accepting WebSocket connections. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	// Forward host events to every client.
	if s.bus != nil {
		s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
			s.Broadcast(string(event.Type), event)
		})
	}

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Broadcast sends an event frame to every connected client.
func (s *Server) Broadcast(name string, payload any) {
	for _, cc := range s.connections() {
		if err := cc.Event(name, payload); err != nil {
			s.logger.Warn("dropped event for client", "conn_id", cc.id, "event", name, "error", err)
		}
	}
}

func (s *Server) connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, cc := range s.conns {
		out = append(out, cc)
	}
	return out
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}
	for _, cc := range s.connections() {
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SurfaceCount returns the number of bound surfaces.
func (s *Server) SurfaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.surfaces)
}

// BindSurface records that conn hosts surfaceID. A surface held by another
// connection cannot be taken over.
func (s *Server) BindSurface(conn *Conn, surfaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.surfaces[surfaceID]; ok && owner != conn {
		return domain.NewSubSystemError("exthost", "gateway.bind", domain.ErrAccessDenied,
			fmt.Sprintf("surface %q is bound by another client", surfaceID))
	}
	s.surfaces[surfaceID] = conn
	conn.mu.Lock()
	conn.surfaces[surfaceID] = struct{}{}
	conn.mu.Unlock()
	return nil
}

// ReleaseSurface forgets surfaceID and runs the surface-closed hooks.
// Unknown surfaces are ignored.
func (s *Server) ReleaseSurface(surfaceID string) {
	s.mu.Lock()
	conn, ok := s.surfaces[surfaceID]
	delete(s.surfaces, surfaceID)
	hooks := append([]func(string){}, s.onClose...)
	s.mu.Unlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	delete(conn.surfaces, surfaceID)
	conn.mu.Unlock()
	for _, fn := range hooks {
		fn(surfaceID)
	}
}

// NotifySurface pushes an event to the client hosting surfaceID.
func (s *Server) NotifySurface(surfaceID, event string, payload any) error {
	s.mu.Lock()
	conn, ok := s.surfaces[surfaceID]
	s.mu.Unlock()
	if !ok {
		return domain.NewDomainError("gateway.notify", domain.ErrNotFound, "surface "+surfaceID)
	}
	return conn.Event(event, map[string]any{"surfaceId": surfaceID, "data": payload})
}

func (s *Server) authenticate(r *http.Request) (*ClientInfo, error) {
	if s.auth == nil {
		ip := net.ParseIP(middleware.ClientIP(r, nil))
		if ip == nil || !ip.IsLoopback() {
			return nil, domain.NewDomainError("gateway.auth", domain.ErrGatewayAuthFailed, "no tokens configured; loopback clients only")
		}
		return &ClientInfo{Name: "local"}, nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearer(r.Header.Get("Authorization"))
	}
	return s.auth.Authenticate(token)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientInfo, err := s.authenticate(r)
	if err != nil {
		if s.opts.Audit != nil {
			s.opts.Audit.LogAction(r.Context(), domain.AuditGatewayAuth, "", "connect from "+r.RemoteAddr, err)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: append([]string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		}, s.opts.OriginPatterns...),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	cc := &Conn{
		id:       s.nextID.Add(1),
		info:     clientInfo,
		ws:       ws,
		sendCh:   make(chan Frame, sendQueueSize),
		done:     make(chan struct{}),
		surfaces: make(map[string]struct{}),
		starts:   make(map[string][]domain.PluginLease),
	}
	s.mu.Lock()
	s.conns[cc.id] = cc
	s.mu.Unlock()

	s.logger.Info("gateway client connected", "conn_id", cc.id, "client", clientInfo.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.leave(cc)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", cc.id)
}

// leave releases everything the connection held.
func (s *Server) leave(cc *Conn) {
	s.mu.Lock()
	delete(s.conns, cc.id)
	leave := append([]func(*Conn){}, s.onLeave...)
	s.mu.Unlock()

	cc.mu.Lock()
	surfaces := make([]string, 0, len(cc.surfaces))
	for id := range cc.surfaces {
		surfaces = append(surfaces, id)
	}
	cc.mu.Unlock()
	for _, id := range surfaces {
		s.ReleaseSurface(id)
	}
	for _, fn := range leave {
		fn(cc)
	}
	if s.opts.Limiter != nil {
		s.opts.Limiter.Forget(connKey(cc))
	}
}

func connKey(cc *Conn) string { return fmt.Sprintf("conn:%d", cc.id) }

func (s *Server) readLoop(ctx context.Context, cc *Conn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return // connection closed or error
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		if s.opts.Limiter != nil && !s.opts.Limiter.Allow(connKey(cc)) {
			s.sendResponse(cc, frame.ID, nil, domain.NewDomainError("gateway."+frame.Method, domain.ErrLimitReached, "too many requests"))
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *Conn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *Conn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, req.ID, nil, domain.NewDomainError("gateway.dispatch", domain.ErrRPCMethodNotFound, req.Method))
		return
	}

	result, err := s.invoke(ctx, handler, cc, req)
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) invoke(ctx context.Context, handler RPCHandler, cc *Conn, req Frame) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gateway handler panicked", "method", req.Method, "panic", r)
			err = domain.NewDomainError("gateway."+req.Method, domain.ErrIOFailure, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler(ctx, cc, req.Payload)
}

func (s *Server) sendResponse(cc *Conn, id uint64, result any, err error) {
	resp := Frame{Type: FrameTypeResponse, ID: id}
	if err != nil {
		resp.Error = frameError(err)
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = frameError(domain.NewDomainError("gateway.encode", domain.ErrRPCInvalidPayload, merr.Error()))
		} else {
			resp.Payload = data
		}
	}
	if qerr := cc.enqueue(resp); qerr != nil {
		s.logger.Warn("dropped RPC response", "conn_id", cc.id, "frame_id", id, "error", qerr)
	}
}
