package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// NewProcessDriver returns the driver that spawns a separate OS process and
// talks to it over a unix domain socket. Its channels expose the worker pid
// and support reconnect and detach; shared memory is not possible across the
// process boundary.
func NewProcessDriver() Driver {
	return DefineDriver(DriverConfig{
		Name:  "process",
		Spawn: spawnProcessWorker,
		Traits: Traits{
			Reconnect: true,
			Detach:    true,
		},
	})
}

func spawnProcessWorker(ctx context.Context, scriptPath string, opts SpawnOptions) (Channel, error) {
	ser := opts.Serializer
	if ser == nil {
		ser = JSONSerializer()
	}
	if err := validateStreamSerializer(ser); err != nil {
		return nil, err
	}
	logger := newLogger(opts.Logger, opts.LogLevel)
	retry := opts.ConnectRetry.withDefaults()

	if opts.AttachTo != "" {
		return attachProcessWorker(ctx, opts.AttachTo, ser, logger, retry, opts.Registry)
	}
	if scriptPath == "" {
		return nil, errors.New("process driver needs a worker executable path")
	}

	endpoint := filepath.Join(os.TempDir(), fmt.Sprintf("worker-%s.sock", uuid.NewString()[:8]))
	connectMs := getTimeoutValue(opts.Timeouts, TimeoutServerConnect, builtinTimeoutDefaults)

	cmd := exec.Command(scriptPath, opts.Args...)
	env := os.Environ()
	env = append(env,
		EnvEndpoint+"="+endpoint,
		EnvServerConnectTimeout+"="+strconv.Itoa(connectMs),
		EnvSerializer+"="+ser.Name(),
	)
	if opts.LogLevel != "" {
		env = append(env, EnvLogLevel+"="+opts.LogLevel)
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if opts.Detached {
		// Own session so the worker survives the host's process group.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", scriptPath, err)
	}

	conn, err := dialUnixRetry(ctx, endpoint, retry)
	if err != nil {
		// Atomic failure: no orphan worker on a failed spawn.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("connect to worker socket: %w", err)
	}

	ch := &processChannel{
		serializer: ser,
		endpoint:   endpoint,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		detached:   opts.Detached,
		retry:      retry,
		logger:     logger,
		sc:         newStreamConn(conn, ser),
		connected:  true,
		gen:        1,
	}
	go ch.readLoop(ch.sc, 1)
	go ch.watchExit()

	if opts.Detached {
		name := opts.WorkerName
		if name == "" {
			name = filepath.Base(scriptPath)
		}
		reg := opts.Registry
		if reg == nil {
			reg = NewWorkerRegistry("")
		}
		if err := reg.Register(name, WorkerInfo{Endpoint: endpoint, PID: ch.pid, StartTime: time.Now()}); err != nil {
			logger.Warn("failed to register detached worker", "name", name, "error", err)
		}
	}
	return ch, nil
}

// attachProcessWorker connects to an already-running detached worker found
// in the registry instead of spawning a new process.
func attachProcessWorker(ctx context.Context, name string, ser Serializer, logger *slog.Logger, retry ConnectRetryConfig, reg *WorkerRegistry) (Channel, error) {
	if reg == nil {
		reg = NewWorkerRegistry("")
	}
	info, err := reg.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("attach to %q: %w", name, err)
	}
	conn, err := dialUnixRetry(ctx, info.Endpoint, retry)
	if err != nil {
		return nil, fmt.Errorf("attach to %q at %s: %w", name, info.Endpoint, err)
	}
	ch := &processChannel{
		serializer: ser,
		endpoint:   info.Endpoint,
		pid:        info.PID,
		detached:   true,
		retry:      retry,
		logger:     logger,
		sc:         newStreamConn(conn, ser),
		connected:  true,
		gen:        1,
	}
	go ch.readLoop(ch.sc, 1)
	return ch, nil
}

// dialUnixRetry is the initial-connect retry loop: the freshly spawned
// worker needs time to bind its socket, so refusals back off exponentially
// via calculateDelay until the attempt budget runs out.
func dialUnixRetry(ctx context.Context, path string, retry ConnectRetryConfig) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < retry.Attempts; attempt++ {
		if attempt > 0 {
			delay := calculateDelay(retry.Delay, attempt-1, retry.MaxDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(delay) * time.Millisecond):
			}
		}
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("no connection after %d attempts: %w", retry.Attempts, lastErr)
}

// processChannel is the socket-backed channel of the process driver. It
// implements ReconnectableChannel: Disconnect parks the connection without
// killing the worker, Reconnect dials the same endpoint again.
type processChannel struct {
	serializer Serializer
	endpoint   string
	cmd        *exec.Cmd // nil when attached to an existing worker
	pid        int
	detached   bool
	retry      ConnectRetryConfig
	logger     *slog.Logger

	msgSubs   subscribers[Message]
	errSubs   subscribers[error]
	closeSubs subscribers[ShutdownReason]

	mu           sync.Mutex
	sc           *streamConn
	connected    bool
	userClosed   bool
	parked       bool
	gen          int
	closeEmitted bool
	exitReason   *ShutdownReason
}

func (c *processChannel) Send(m Message) error {
	c.mu.Lock()
	sc, ok := c.sc, c.connected
	c.mu.Unlock()
	if !ok || sc == nil {
		return errors.New("channel not connected")
	}
	return sc.Send(m)
}

func (c *processChannel) OnMessage(fn func(Message)) func()      { return c.msgSubs.add(fn) }
func (c *processChannel) OnError(fn func(error)) func()          { return c.errSubs.add(fn) }
func (c *processChannel) OnClose(fn func(ShutdownReason)) func() { return c.closeSubs.add(fn) }

func (c *processChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *processChannel) PID() (int, bool) { return c.pid, c.pid > 0 }

func (c *processChannel) readLoop(sc *streamConn, gen int) {
	for {
		msg, err := sc.Receive()
		if err != nil {
			c.handleReadError(gen, err)
			return
		}
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.msgSubs.emit(msg)
	}
}

func (c *processChannel) handleReadError(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.userClosed || c.parked {
		c.mu.Unlock()
		return
	}
	c.connected = false
	exitKnown := c.exitReason != nil
	var reason ShutdownReason
	switch {
	case exitKnown:
		reason = *c.exitReason
	case errors.Is(err, io.EOF):
		reason = ShutdownReason{Type: ShutdownClose}
	default:
		reason = ShutdownReason{Type: ShutdownError, Cause: err}
	}
	c.mu.Unlock()

	if !exitKnown && errors.Is(err, io.EOF) && c.cmd != nil {
		// The stream usually breaks a beat before the exit status lands;
		// watchExit will emit the richer exit reason.
		return
	}
	if !errors.Is(err, io.EOF) {
		c.errSubs.emit(err)
	}
	c.emitClose(reason)
}

// watchExit waits for the child process and reports its exit as the
// shutdown reason.
func (c *processChannel) watchExit() {
	err := c.cmd.Wait()
	reason := ShutdownReason{Type: ShutdownExit}
	if state := c.cmd.ProcessState; state != nil {
		reason.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			reason.Signal = ws.Signal().String()
		}
	} else if err != nil {
		reason = ShutdownReason{Type: ShutdownError, Cause: err}
	}
	c.mu.Lock()
	c.exitReason = &reason
	userClosed := c.userClosed
	c.connected = false
	c.mu.Unlock()
	if userClosed {
		return
	}
	c.emitClose(reason)
}

func (c *processChannel) emitClose(reason ShutdownReason) {
	c.mu.Lock()
	if c.closeEmitted {
		c.mu.Unlock()
		return
	}
	c.closeEmitted = true
	c.connected = false
	c.mu.Unlock()
	c.closeSubs.emit(reason)
}

func (c *processChannel) Close() error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return nil
	}
	c.userClosed = true
	c.connected = false
	sc := c.sc
	c.mu.Unlock()

	if sc != nil {
		_ = sc.Close()
	}
	if c.cmd != nil && !c.detached {
		c.terminateProcess()
	}
	c.emitClose(ShutdownReason{Type: ShutdownClose})
	return nil
}

// terminateProcess asks the worker to exit and escalates to SIGKILL after a
// grace period.
func (c *processChannel) terminateProcess() {
	if c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Signal(os.Interrupt)

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		exited := c.exitReason != nil
		c.mu.Unlock()
		for !exited {
			time.Sleep(20 * time.Millisecond)
			c.mu.Lock()
			exited = c.exitReason != nil
			c.mu.Unlock()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = c.cmd.Process.Kill()
	}
}

func (c *processChannel) Disconnect() error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return errors.New("channel is closed")
	}
	c.parked = true
	c.connected = false
	sc := c.sc
	c.sc = nil
	c.gen++
	c.mu.Unlock()
	if sc != nil {
		return sc.Close()
	}
	return nil
}

func (c *processChannel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return errors.New("channel is closed")
	}
	endpoint, retry := c.endpoint, c.retry
	c.mu.Unlock()

	conn, err := dialUnixRetry(ctx, endpoint, retry)
	if err != nil {
		return fmt.Errorf("reconnect to %s: %w", endpoint, err)
	}

	c.mu.Lock()
	c.sc = newStreamConn(conn, c.serializer)
	c.parked = false
	c.connected = true
	c.closeEmitted = false
	c.gen++
	gen := c.gen
	sc := c.sc
	c.mu.Unlock()
	go c.readLoop(sc, gen)
	return nil
}
