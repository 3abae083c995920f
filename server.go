package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handler processes one request payload and returns the result payload. A
// returned error becomes a SerializedError response for that request only.
type Handler func(ctx context.Context, payload any) (any, error)

// DisconnectBehavior controls what happens when the single client
// disconnects.
type DisconnectBehavior string

const (
	// DisconnectShutdown tears the whole server down (default).
	DisconnectShutdown DisconnectBehavior = "shutdown"
	// DisconnectKeepAlive leaves the listener open for a new connection.
	DisconnectKeepAlive DisconnectBehavior = "keep-alive"
)

// ServerOptions configures StartWorkerServer. When Endpoint and Port are
// both unset the endpoint is read from WORKER_IPC_ENDPOINT.
type ServerOptions struct {
	Endpoint           string
	Port               *Port // in-memory transport for thread workers
	Serializer         Serializer
	Timeouts           TimeoutConfig
	Middleware         []Middleware
	DisconnectBehavior DisconnectBehavior
	Logger             *slog.Logger
	LogLevel           string
}

// WorkerServer is the worker side: it binds exactly one listener, splits the
// incoming byte stream into frames, and dispatches decoded messages to
// registered handlers.
type WorkerServer struct {
	handlers   map[string]Handler
	transport  ServerTransport
	middleware []Middleware
	behavior   DisconnectBehavior
	logger     *slog.Logger

	mu      sync.Mutex
	conn    ServerConn
	stopped bool
	done    chan struct{}
}

// StartWorkerServer binds a listener and begins serving the given handlers.
// A host-connect timer (SERVER_CONNECT timeout, 0 = infinite) shuts the
// server down if no client connects in time.
func StartWorkerServer(handlers map[string]Handler, opts ServerOptions) (*WorkerServer, error) {
	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = os.Getenv(EnvLogLevel)
	}
	logger := newLogger(opts.Logger, logLevel)

	ser := opts.Serializer
	if ser == nil {
		ser = JSONSerializer()
	}
	// Serializer mismatch between the two ends is a startup error, never
	// runtime corruption.
	if want := os.Getenv(EnvSerializer); want != "" && want != ser.Name() {
		return nil, fmt.Errorf("serializer mismatch: spawning side uses %q, server configured with %q", want, ser.Name())
	}

	transport, err := bindServerTransport(opts, ser)
	if err != nil {
		return nil, err
	}

	behavior := opts.DisconnectBehavior
	if behavior == "" {
		behavior = DisconnectShutdown
	}

	s := &WorkerServer{
		handlers:   make(map[string]Handler, len(handlers)+1),
		transport:  transport,
		middleware: opts.Middleware,
		behavior:   behavior,
		logger:     logger,
		done:       make(chan struct{}),
	}
	for name, h := range handlers {
		s.handlers[name] = h
	}
	if _, ok := s.handlers[heartbeatType]; !ok {
		s.handlers[heartbeatType] = func(ctx context.Context, payload any) (any, error) {
			return payload, nil
		}
	}

	connectMs := getTimeoutValue(opts.Timeouts, TimeoutServerConnect, builtinTimeoutDefaults)
	if _, ok := opts.Timeouts[TimeoutServerConnect]; !ok {
		connectMs = parseEnvTimeout(os.Getenv(EnvServerConnectTimeout), connectMs)
	}

	go s.acceptLoop(connectMs)
	logger.Info("worker server listening", "endpoint", transport.Endpoint())
	return s, nil
}

func bindServerTransport(opts ServerOptions, ser Serializer) (ServerTransport, error) {
	if opts.Port != nil {
		return &portServerTransport{port: opts.Port}, nil
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv(EnvEndpoint)
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no endpoint: set ServerOptions.Endpoint or %s", EnvEndpoint)
	}
	scheme, addr := parseEndpoint(endpoint)
	if scheme == "tcp" {
		return listenZMQRouter(addr, ser)
	}
	return listenUnix(addr, ser)
}

// acceptLoop serves one connection at a time. The host-connect timer only
// guards the first connection; once a client has connected, keep-alive waits
// indefinitely for replacements.
func (s *WorkerServer) acceptLoop(connectTimeoutMs int) {
	for {
		ctx := context.Background()
		var cancel context.CancelFunc
		if connectTimeoutMs > 0 {
			ctx, cancel = context.WithTimeout(ctx, msDuration(connectTimeoutMs))
		}
		conn, err := s.transport.Accept(ctx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if s.isStopped() {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				s.logger.Error("no client connected in time", "timeout_ms", connectTimeoutMs)
			} else if !errors.Is(err, io.EOF) {
				s.logger.Error("accept failed", "error", err)
			}
			s.Stop()
			return
		}
		connectTimeoutMs = 0

		s.setConn(conn)
		s.serveConn(conn)
		s.setConn(nil)

		if s.isStopped() {
			return
		}
		if s.behavior == DisconnectShutdown {
			s.logger.Info("client disconnected, shutting down")
			s.Stop()
			return
		}
		s.logger.Info("client disconnected, keeping listener alive")
	}
}

// serveConn dispatches frames strictly in arrival order: middleware, type
// checks and handler lookup run on this loop, and only the handler call is
// handed to its own goroutine. Completions may therefore finish out of order;
// no cross-request backpressure is applied.
func (s *WorkerServer) serveConn(conn ServerConn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isStopped() {
				s.logger.Warn("receive failed", "error", err)
			}
			return
		}
		s.dispatch(conn, msg)
	}
}

func (s *WorkerServer) dispatch(conn ServerConn, msg Message) {
	m, err := applyMiddleware(s.middleware, directionIncoming, msg)
	if err != nil {
		s.logger.Error("incoming middleware failed", "type", msg.Type, "error", err)
		if msg.Tx != "" {
			s.sendResponse(conn, newErrorResponse(msg.Tx, msg.Type, err))
		}
		return
	}
	if !IsRequest(m) {
		s.logger.Debug("ignoring non-request message", "type", m.Type)
		return
	}

	handler, ok := s.handlers[m.Type]
	if !ok {
		s.sendResponse(conn, newErrorResponse(m.Tx, m.Type, &RemoteError{
			Name:    "UnknownMessageTypeError",
			Message: fmt.Sprintf("Unknown message type: %s", m.Type),
		}))
		return
	}
	go s.runHandler(conn, handler, m)
}

func (s *WorkerServer) runHandler(conn ServerConn, handler Handler, m Message) {
	result, err := s.callHandler(handler, m)
	if err != nil {
		s.logger.Error("handler failed", "type", m.Type, "error", err)
		s.sendResponse(conn, newErrorResponse(m.Tx, m.Type, err))
		return
	}
	s.sendResponse(conn, newResponse(m.Tx, m.Type, result))
}

func (s *WorkerServer) callHandler(handler Handler, m Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(context.Background(), m.Payload)
}

func (s *WorkerServer) sendResponse(conn ServerConn, msg Message) {
	out, err := applyMiddleware(s.middleware, directionOutgoing, msg)
	if err != nil {
		s.logger.Error("outgoing middleware failed", "type", msg.Type, "error", err)
		return
	}
	if err := conn.Send(out); err != nil && !s.isStopped() {
		s.logger.Error("failed to send response", "type", msg.Type, "error", err)
	}
}

func (s *WorkerServer) setConn(conn ServerConn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *WorkerServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Endpoint returns the bound endpoint.
func (s *WorkerServer) Endpoint() string { return s.transport.Endpoint() }

// Done returns a channel that closes when the server stops.
func (s *WorkerServer) Done() <-chan struct{} { return s.done }

// Stop ends the active connection, closes the listener and releases the
// bound resource. Idempotent.
func (s *WorkerServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	err := s.transport.Close()
	close(s.done)
	return err
}

// Run blocks until the server stops, shutting down cleanly on SIGINT or
// SIGTERM. Intended as the tail of a worker's main.
func (s *WorkerServer) Run() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		s.logger.Info("received signal, shutting down")
		s.Stop()
	case <-s.done:
	}
	<-s.done
}
