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
	"strconv"
	"sync"
	"syscall"
	"time"

	zmq "github.com/go-zeromq/zmq4"
)

// NewZMQDriver returns the driver that spawns a separate OS process and
// talks to it over a ZeroMQ DEALER/ROUTER pair on loopback TCP. The host
// binds a DEALER socket; the worker's ROUTER dials in, so ZeroMQ's own
// reconnect handling backs the reconnect capability. The transport is
// message-oriented: one zmq frame carries one encoded Message and no frame
// terminator is involved, which also makes this the natural home for the
// msgpack serializer.
func NewZMQDriver() Driver {
	return DefineDriver(DriverConfig{
		Name:  "zmq",
		Spawn: spawnZMQWorker,
		Traits: Traits{
			Reconnect: true,
		},
	})
}

func spawnZMQWorker(ctx context.Context, scriptPath string, opts SpawnOptions) (Channel, error) {
	if scriptPath == "" {
		return nil, errors.New("zmq driver needs a worker executable path")
	}
	ser := opts.Serializer
	if ser == nil {
		ser = JSONSerializer()
	}
	logger := newLogger(opts.Logger, opts.LogLevel)

	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}
	endpoint := fmt.Sprintf("tcp://127.0.0.1:%d", port)
	connectMs := getTimeoutValue(opts.Timeouts, TimeoutServerConnect, builtinTimeoutDefaults)

	socket := zmq.NewDealer(context.Background())
	if err := socket.Listen(endpoint); err != nil {
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}

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

	if err := cmd.Start(); err != nil {
		socket.Close()
		return nil, fmt.Errorf("start %s: %w", scriptPath, err)
	}

	ch := &zmqChannel{
		socket:     socket,
		serializer: ser,
		endpoint:   endpoint,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		logger:     logger,
		connected:  true,
	}
	go ch.readLoop(socket)
	go ch.watchExit()
	return ch, nil
}

// findFreePort asks the kernel for an available loopback TCP port.
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// zmqChannel is the host side of the DEALER/ROUTER pair.
type zmqChannel struct {
	serializer Serializer
	endpoint   string
	cmd        *exec.Cmd
	pid        int
	logger     *slog.Logger

	msgSubs   subscribers[Message]
	errSubs   subscribers[error]
	closeSubs subscribers[ShutdownReason]

	mu           sync.Mutex
	socket       zmq.Socket
	connected    bool
	userClosed   bool
	parked       bool
	closeEmitted bool
	exitReason   *ShutdownReason
}

func (c *zmqChannel) Send(m Message) error {
	c.mu.Lock()
	socket, ok := c.socket, c.connected
	c.mu.Unlock()
	if !ok || socket == nil {
		return errors.New("channel not connected")
	}
	data, err := c.serializer.Encode(m)
	if err != nil {
		return err
	}
	// DEALER envelope: [empty_frame, message_data]
	return socket.Send(zmq.NewMsgFrom([]byte{}, data))
}

func (c *zmqChannel) OnMessage(fn func(Message)) func()      { return c.msgSubs.add(fn) }
func (c *zmqChannel) OnError(fn func(error)) func()          { return c.errSubs.add(fn) }
func (c *zmqChannel) OnClose(fn func(ShutdownReason)) func() { return c.closeSubs.add(fn) }

func (c *zmqChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *zmqChannel) PID() (int, bool) { return c.pid, c.pid > 0 }

func (c *zmqChannel) readLoop(socket zmq.Socket) {
	for {
		msg, err := socket.Recv()
		if err != nil {
			c.mu.Lock()
			stale := socket != c.socket
			done := c.userClosed || c.parked
			exit := c.exitReason
			c.mu.Unlock()
			if stale || done {
				return
			}
			reason := ShutdownReason{Type: ShutdownError, Cause: err}
			if exit != nil {
				reason = *exit
			}
			c.emitClose(reason)
			return
		}
		frames := msg.Frames
		if len(frames) < 2 {
			continue
		}
		decoded, err := c.serializer.Decode(frames[len(frames)-1])
		if err != nil {
			c.logger.Warn("failed to decode frame", "error", err)
			c.errSubs.emit(err)
			continue
		}
		c.msgSubs.emit(decoded)
	}
}

func (c *zmqChannel) watchExit() {
	_ = c.cmd.Wait()
	reason := ShutdownReason{Type: ShutdownExit}
	if state := c.cmd.ProcessState; state != nil {
		reason.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			reason.Signal = ws.Signal().String()
		}
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

func (c *zmqChannel) emitClose(reason ShutdownReason) {
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

func (c *zmqChannel) Close() error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return nil
	}
	c.userClosed = true
	c.connected = false
	socket := c.socket
	c.mu.Unlock()

	if socket != nil {
		_ = socket.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(os.Interrupt)
		go func() {
			time.Sleep(2 * time.Second)
			c.mu.Lock()
			exited := c.exitReason != nil
			c.mu.Unlock()
			if !exited {
				_ = c.cmd.Process.Kill()
			}
		}()
	}
	c.emitClose(ShutdownReason{Type: ShutdownClose})
	return nil
}

func (c *zmqChannel) Disconnect() error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return errors.New("channel is closed")
	}
	c.parked = true
	c.connected = false
	socket := c.socket
	c.socket = nil
	c.mu.Unlock()
	if socket != nil {
		return socket.Close()
	}
	return nil
}

func (c *zmqChannel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return errors.New("channel is closed")
	}
	endpoint := c.endpoint
	old := c.socket
	c.socket = nil
	c.mu.Unlock()

	// The crash path leaves the dead socket bound to the endpoint; it must
	// release the port before a new listener can take it.
	if old != nil {
		_ = old.Close()
	}

	socket := zmq.NewDealer(context.Background())
	if err := socket.Listen(endpoint); err != nil {
		socket.Close()
		return fmt.Errorf("reconnect to %s: %w", endpoint, err)
	}

	c.mu.Lock()
	c.socket = socket
	c.parked = false
	c.connected = true
	c.closeEmitted = false
	c.mu.Unlock()
	go c.readLoop(socket)
	return nil
}

// zmqServerTransport is the worker side: a ROUTER socket dialing the host's
// DEALER. ZeroMQ is connection-less from the application's view, so a client
// "connection" is observed on its first message, and replies go to the most
// recent sender identity.
type zmqServerTransport struct {
	socket   zmq.Socket
	endpoint string
	ser      Serializer

	msgs chan Message
	stop chan struct{}

	mu         sync.Mutex
	closed     bool
	lastSender []byte
}

func listenZMQRouter(endpoint string, ser Serializer) (*zmqServerTransport, error) {
	socket := zmq.NewRouter(context.Background())
	if err := socket.Dial(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	t := &zmqServerTransport{
		socket:   socket,
		endpoint: endpoint,
		ser:      ser,
		msgs:     make(chan Message, 64),
		stop:     make(chan struct{}),
	}
	go t.recvLoop()
	return t, nil
}

func (t *zmqServerTransport) Endpoint() string { return t.endpoint }

func (t *zmqServerTransport) recvLoop() {
	defer close(t.msgs)
	for {
		// ROUTER envelope: [sender_id, empty_frame, message_data]
		msg, err := t.socket.Recv()
		if err != nil {
			return
		}
		frames := msg.Frames
		if len(frames) < 3 {
			continue
		}
		t.mu.Lock()
		t.lastSender = frames[0]
		t.mu.Unlock()
		decoded, err := t.ser.Decode(frames[2])
		if err != nil {
			continue
		}
		select {
		case t.msgs <- decoded:
		case <-t.stop:
			return
		}
	}
}

func (t *zmqServerTransport) Accept(ctx context.Context) (ServerConn, error) {
	select {
	case m, ok := <-t.msgs:
		if !ok {
			return nil, io.EOF
		}
		return &zmqServerConn{t: t, pending: &m}, nil
	case <-t.stop:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *zmqServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.stop)
	return t.socket.Close()
}

type zmqServerConn struct {
	t       *zmqServerTransport
	mu      sync.Mutex
	pending *Message
}

func (c *zmqServerConn) Receive() (Message, error) {
	c.mu.Lock()
	if c.pending != nil {
		m := *c.pending
		c.pending = nil
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()
	select {
	case m, ok := <-c.t.msgs:
		if !ok {
			return Message{}, io.EOF
		}
		return m, nil
	case <-c.t.stop:
		return Message{}, io.EOF
	}
}

func (c *zmqServerConn) Send(m Message) error {
	data, err := c.t.ser.Encode(m)
	if err != nil {
		return err
	}
	c.t.mu.Lock()
	sender := c.t.lastSender
	c.t.mu.Unlock()
	if len(sender) == 0 {
		return errors.New("no client identity yet")
	}
	return c.t.socket.Send(zmq.NewMsgFrom(sender, []byte{}, data))
}

func (c *zmqServerConn) Close() error { return nil }
