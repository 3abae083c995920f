package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// heartbeatType is the built-in message type used by the heartbeat monitor.
// The server answers it internally by echoing the payload.
const heartbeatType = "__heartbeat"

// UnexpectedShutdownStrategy selects what happens to pending requests when
// the channel dies unexpectedly.
type UnexpectedShutdownStrategy string

const (
	// ShutdownStrategyReject fails every pending request with a CrashError.
	ShutdownStrategyReject UnexpectedShutdownStrategy = "reject"
	// ShutdownStrategyRetry reconnects and resends pending requests. It is
	// only honored when the driver reports the reconnect capability;
	// otherwise it silently degrades to reject.
	ShutdownStrategyRetry UnexpectedShutdownStrategy = "retry"
)

// UnexpectedShutdownConfig controls crash recovery. PerType overrides the
// global strategy for individual message types. A retried request reuses its
// original tx: the pending entry is the request's identity and the attempt
// counter, not the tx, records retries.
type UnexpectedShutdownConfig struct {
	Strategy UnexpectedShutdownStrategy
	Attempts int                                   // max retry attempts per request
	Delay    float64                               // base reconnect delay in ms, default 100
	MaxDelay float64                               // reconnect delay cap in ms, default 5000
	PerType  map[string]UnexpectedShutdownStrategy
}

// HeartbeatConfig enables the optional liveness monitor. After MaxMisses
// consecutive failed heartbeats the channel is treated as having shut down
// unexpectedly.
type HeartbeatConfig struct {
	Interval  time.Duration // default 30s
	MaxMisses int           // default 3
}

// WorkerOptions configures CreateWorker.
type WorkerOptions struct {
	Driver     Driver
	ScriptPath string
	Args       []string
	Env        map[string]string

	Timeouts    TimeoutConfig
	Serializer  Serializer
	TxGenerator TxGenerator
	Middleware  []Middleware
	Logger      *slog.Logger
	LogLevel    string

	UnexpectedShutdown UnexpectedShutdownConfig
	Heartbeat          *HeartbeatConfig

	// Process driver extras.
	Detached     bool
	WorkerName   string
	AttachTo     string
	Registry     *WorkerRegistry
	ConnectRetry ConnectRetryConfig

	// Thread driver entry point.
	ThreadMain func(*Port)
}

// WorkerClient is the host side of a spawned worker. One client owns one
// channel and a private pending-request map; requests are correlated to
// responses by tx.
type WorkerClient struct {
	driver     Driver
	channel    Channel
	caps       Capabilities
	timeouts   TimeoutConfig
	txGen      TxGenerator
	middleware []Middleware
	logger     *slog.Logger
	shutdown   UnexpectedShutdownConfig
	metrics    *Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
	crashed bool
	hbStop  chan struct{}
	unsubs  []func()
}

// pendingRequest tracks one in-flight request. Its result and error channels
// are buffered so the settling side never blocks; the map entry is removed
// before either is written, which makes a later event for the same tx a
// no-op.
type pendingRequest struct {
	msg      Message
	resultCh chan any
	errCh    chan error
	attempt  int
}

// CreateWorker spawns an isolated worker via the configured driver and
// returns a client for it. Spawn failure is fatal to the call: no client and
// no partial channel remain.
func CreateWorker(ctx context.Context, opts WorkerOptions) (*WorkerClient, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("worker driver is required")
	}
	logger := newLogger(opts.Logger, opts.LogLevel)

	startupMs := getTimeoutValue(opts.Timeouts, TimeoutWorkerStartup, builtinTimeoutDefaults)
	spawnCtx, cancel := context.WithTimeout(ctx, msDuration(startupMs))
	defer cancel()

	channel, err := opts.Driver.Spawn(spawnCtx, opts.ScriptPath, SpawnOptions{
		Args:         opts.Args,
		Env:          opts.Env,
		Serializer:   opts.Serializer,
		Logger:       opts.Logger,
		LogLevel:     opts.LogLevel,
		Timeouts:     opts.Timeouts,
		Detached:     opts.Detached,
		WorkerName:   opts.WorkerName,
		AttachTo:     opts.AttachTo,
		Registry:     opts.Registry,
		ConnectRetry: opts.ConnectRetry,
		ThreadMain:   opts.ThreadMain,
	})
	if err != nil {
		return nil, &SpawnError{Driver: opts.Driver.Name(), Err: err}
	}

	shutdown := opts.UnexpectedShutdown
	if shutdown.Strategy == "" {
		shutdown.Strategy = ShutdownStrategyReject
	}
	if shutdown.Delay <= 0 {
		shutdown.Delay = 100
	}
	if shutdown.MaxDelay <= 0 {
		shutdown.MaxDelay = 5000
	}

	c := &WorkerClient{
		driver:     opts.Driver,
		channel:    channel,
		caps:       opts.Driver.Capabilities(),
		timeouts:   opts.Timeouts,
		txGen:      opts.TxGenerator,
		middleware: opts.Middleware,
		logger:     logger,
		shutdown:   shutdown,
		metrics:    NewMetrics(0),
		pending:    make(map[string]*pendingRequest),
	}
	c.unsubs = append(c.unsubs,
		channel.OnMessage(c.handleMessage),
		channel.OnError(c.handleChannelError),
		channel.OnClose(c.handleShutdown),
	)

	if opts.Heartbeat != nil {
		hb := *opts.Heartbeat
		if hb.Interval <= 0 {
			hb.Interval = 30 * time.Second
		}
		if hb.MaxMisses <= 0 {
			hb.MaxMisses = 3
		}
		c.hbStop = make(chan struct{})
		go c.heartbeatLoop(hb, c.hbStop)
	}
	return c, nil
}

// Send issues a typed request and blocks until the worker responds, the
// request's resolved timeout fires, the context is done, or the channel
// shuts down. Every request settles exactly once.
func (c *WorkerClient) Send(ctx context.Context, msgType string, payload any) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	msg := newRequest(msgType, payload, c.txGen)
	p := &pendingRequest{
		msg:      msg,
		resultCh: make(chan any, 1),
		errCh:    make(chan error, 1),
	}
	c.pending[msg.Tx] = p
	c.mu.Unlock()

	timeoutMs := getTimeoutValue(c.timeouts, msgType, builtinTimeoutDefaults)
	start := c.metrics.StartRequest()

	out, err := applyMiddleware(c.middleware, directionOutgoing, msg)
	if err != nil {
		c.removePending(msg.Tx)
		c.metrics.EndRequest(start, false)
		c.logger.Error("outgoing middleware failed", "type", msgType, "error", err)
		return nil, err
	}
	if err := c.channel.Send(out); err != nil {
		c.removePending(msg.Tx)
		c.metrics.EndRequest(start, false)
		return nil, fmt.Errorf("send %q: %w", msgType, err)
	}

	timer := time.NewTimer(msDuration(timeoutMs))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.removePending(msg.Tx)
		c.metrics.EndRequest(start, false)
		return nil, ctx.Err()
	case <-timer.C:
		c.removePending(msg.Tx)
		c.metrics.EndRequest(start, false)
		terr := &TimeoutError{MessageType: msgType, TimeoutMs: timeoutMs}
		c.logger.Error("request timed out", "type", msgType, "timeout_ms", timeoutMs)
		return nil, terr
	case v := <-p.resultCh:
		c.metrics.EndRequest(start, true)
		return v, nil
	case err := <-p.errCh:
		c.metrics.EndRequest(start, false)
		return nil, err
	}
}

// Metrics returns a snapshot of this client's request metrics.
func (c *WorkerClient) Metrics() MetricsSnapshot { return c.metrics.Snapshot() }

// ResetMetrics clears this client's request metrics.
func (c *WorkerClient) ResetMetrics() { c.metrics.Reset() }

// Capabilities reports the static capability set of the client's driver.
func (c *WorkerClient) Capabilities() Capabilities { return c.caps }

// PID reports the worker's process id when the transport crosses a process
// boundary.
func (c *WorkerClient) PID() (int, bool) { return c.channel.PID() }

// Active reports whether the client can still send requests.
func (c *WorkerClient) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *WorkerClient) removePending(tx string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[tx]
	if !ok {
		return nil
	}
	delete(c.pending, tx)
	return p
}

func (c *WorkerClient) handleMessage(msg Message) {
	m, err := applyMiddleware(c.middleware, directionIncoming, msg)
	if err != nil {
		c.logger.Error("incoming middleware failed", "type", msg.Type, "error", err)
		return
	}
	if !IsResult(m) && !IsError(m) {
		c.logger.Debug("ignoring non-response message", "type", m.Type)
		return
	}
	p := c.removePending(m.Tx)
	if p == nil {
		return
	}
	if IsError(m) {
		p.errCh <- deserializeError(m.Payload)
		return
	}
	p.resultCh <- m.Payload
}

func (c *WorkerClient) handleChannelError(err error) {
	c.logger.Warn("channel error", "error", err)
}

// handleShutdown reacts to an unexpected channel shutdown. The first
// shutdown-class event settles or re-queues every pending request; later
// ones are no-ops until a successful reconnect arms the client again.
func (c *WorkerClient) handleShutdown(reason ShutdownReason) {
	c.mu.Lock()
	if c.closed || c.crashed {
		c.mu.Unlock()
		return
	}
	c.crashed = true

	var rejected, retried []*pendingRequest
	for tx, p := range c.pending {
		if c.retryEligible(p) {
			p.attempt++
			retried = append(retried, p)
			continue
		}
		delete(c.pending, tx)
		rejected = append(rejected, p)
	}
	c.mu.Unlock()

	if len(rejected)+len(retried) > 0 {
		c.logger.Error("worker shut down unexpectedly",
			"reason", reason.String(), "rejected", len(rejected), "retried", len(retried))
	}
	for _, p := range rejected {
		p.errCh <- &CrashError{
			Reason:      reason,
			MessageType: p.msg.Type,
			Attempt:     p.attempt,
			MaxAttempts: c.shutdown.Attempts,
		}
	}
	if len(retried) > 0 {
		go c.reconnectAndResend(reason, retried)
	}
}

// retryEligible decides, under c.mu, whether a pending request rides out the
// crash via reconnect-and-resend. The retry strategy is only honored when
// the driver reports the reconnect capability.
func (c *WorkerClient) retryEligible(p *pendingRequest) bool {
	strategy := c.shutdown.Strategy
	if s, ok := c.shutdown.PerType[p.msg.Type]; ok {
		strategy = s
	}
	if strategy != ShutdownStrategyRetry || !c.caps.Reconnect {
		return false
	}
	return p.attempt < c.shutdown.Attempts
}

func (c *WorkerClient) reconnectAndResend(reason ShutdownReason, retried []*pendingRequest) {
	rejectAll := func() {
		for _, p := range retried {
			if got := c.removePending(p.msg.Tx); got == nil {
				continue
			}
			p.errCh <- &CrashError{
				Reason:      reason,
				MessageType: p.msg.Type,
				Attempt:     p.attempt,
				MaxAttempts: c.shutdown.Attempts,
			}
		}
	}

	rc, ok := c.channel.(ReconnectableChannel)
	if !ok {
		rejectAll()
		return
	}

	attempt := retried[0].attempt - 1
	if attempt < 0 {
		attempt = 0
	}
	delay := calculateDelay(c.shutdown.Delay, attempt, c.shutdown.MaxDelay)
	time.Sleep(time.Duration(delay) * time.Millisecond)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	startupMs := getTimeoutValue(c.timeouts, TimeoutWorkerStartup, builtinTimeoutDefaults)
	ctx, cancel := context.WithTimeout(context.Background(), msDuration(startupMs))
	err := rc.Reconnect(ctx)
	cancel()
	if err != nil {
		c.logger.Error("reconnect failed", "error", err)
		rejectAll()
		return
	}

	// Re-arm shutdown handling for the new connection lifetime.
	c.mu.Lock()
	c.crashed = false
	c.mu.Unlock()

	for _, p := range retried {
		c.mu.Lock()
		_, still := c.pending[p.msg.Tx]
		c.mu.Unlock()
		if !still {
			continue
		}
		if err := c.channel.Send(p.msg); err != nil {
			if got := c.removePending(p.msg.Tx); got != nil {
				p.errCh <- &CrashError{
					Reason:      reason,
					MessageType: p.msg.Type,
					Attempt:     p.attempt,
					MaxAttempts: c.shutdown.Attempts,
				}
			}
		}
	}
}

// Close rejects remaining pending requests with ErrClientClosed (never the
// crash-error type), stops the heartbeat monitor, closes the channel and
// marks the client inactive. Idempotent.
func (c *WorkerClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	drained := c.pending
	c.pending = make(map[string]*pendingRequest)
	hbStop := c.hbStop
	c.hbStop = nil
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	if hbStop != nil {
		close(hbStop)
	}
	for _, p := range drained {
		p.errCh <- ErrClientClosed
	}
	for _, unsub := range unsubs {
		unsub()
	}
	return c.channel.Close()
}

func (c *WorkerClient) heartbeatLoop(cfg HeartbeatConfig, stop chan struct{}) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		start := time.Now()
		_, err := c.Send(ctx, heartbeatType, map[string]any{"ts": start.UnixMilli()})
		cancel()

		if err != nil {
			misses++
			c.metrics.RecordHeartbeatMiss()
			c.logger.Warn("heartbeat missed", "misses", misses, "max", cfg.MaxMisses, "error", err)
			if misses >= cfg.MaxMisses {
				c.handleShutdown(ShutdownReason{
					Type:  ShutdownError,
					Cause: fmt.Errorf("heartbeat: %d consecutive misses", misses),
				})
				return
			}
			continue
		}
		misses = 0
		c.metrics.RecordHeartbeatRTT(float64(time.Since(start).Milliseconds()))
	}
}

// ReconnectableWorker is the reconnect companion of a WorkerClient. It only
// exists for drivers that report the reconnect capability.
type ReconnectableWorker struct {
	client *WorkerClient
	rc     ReconnectableChannel
}

// Reconnectable returns the reconnect surface of c, or an
// UnsupportedCapabilityError when the driver cannot reconnect.
func Reconnectable(c *WorkerClient) (*ReconnectableWorker, error) {
	if !c.caps.Reconnect {
		return nil, &UnsupportedCapabilityError{Capability: "reconnect", Driver: c.driver.Name()}
	}
	rc, ok := c.channel.(ReconnectableChannel)
	if !ok {
		return nil, &UnsupportedCapabilityError{Capability: "reconnect", Driver: c.driver.Name()}
	}
	return &ReconnectableWorker{client: c, rc: rc}, nil
}

// Disconnect parks the channel without killing the worker.
func (r *ReconnectableWorker) Disconnect() error { return r.rc.Disconnect() }

// Reconnect re-establishes communication with the parked worker.
func (r *ReconnectableWorker) Reconnect(ctx context.Context) error {
	err := r.rc.Reconnect(ctx)
	if err == nil {
		r.client.mu.Lock()
		r.client.crashed = false
		r.client.mu.Unlock()
	}
	return err
}
