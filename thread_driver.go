package workers

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrPortClosed is returned by sends on a closed Port.
var ErrPortClosed = errors.New("message port closed")

// Port is one end of an in-memory, bidirectional message pipe connecting a
// host to a worker goroutine. Messages pass by reference; nothing is
// serialized on this transport.
type Port struct {
	in     chan Message
	out    chan Message
	closed chan struct{}
	once   *sync.Once
}

// NewPortPair creates the two connected ends of a message pipe. Closing
// either end closes both.
func NewPortPair() (*Port, *Port) {
	a := make(chan Message, 64)
	b := make(chan Message, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &Port{in: a, out: b, closed: closed, once: once},
		&Port{in: b, out: a, closed: closed, once: once}
}

// Send queues a message for the other end.
func (p *Port) Send(m Message) error {
	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}
	select {
	case p.out <- m:
		return nil
	case <-p.closed:
		return ErrPortClosed
	}
}

// Receive blocks for the next message. Buffered messages drain before the
// close is observed; after that it returns io.EOF.
func (p *Port) Receive() (Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	default:
	}
	select {
	case m := <-p.in:
		return m, nil
	case <-p.closed:
		// Drain anything that raced with the close.
		select {
		case m := <-p.in:
			return m, nil
		default:
			return Message{}, io.EOF
		}
	}
}

// Close shuts both ends down. Idempotent.
func (p *Port) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Done is closed when the port shuts down.
func (p *Port) Done() <-chan struct{} { return p.closed }

// NewThreadDriver returns the driver that runs the worker as a goroutine in
// the same process, connected over an in-memory message port. Spawn requires
// SpawnOptions.ThreadMain; scriptPath is recorded for logging only. There is
// no pid, no reconnect and no detach, but payloads move by reference, so the
// driver reports the shared-memory capability.
func NewThreadDriver() Driver {
	return DefineDriver(DriverConfig{
		Name:  "thread",
		Spawn: spawnThreadWorker,
		Traits: Traits{
			SharedMemory: true,
		},
	})
}

func spawnThreadWorker(ctx context.Context, scriptPath string, opts SpawnOptions) (Channel, error) {
	if opts.ThreadMain == nil {
		return nil, errors.New("thread driver needs SpawnOptions.ThreadMain")
	}
	logger := newLogger(opts.Logger, opts.LogLevel)
	hostPort, workerPort := NewPortPair()

	go func() {
		defer workerPort.Close()
		opts.ThreadMain(workerPort)
	}()

	ch := &threadChannel{port: hostPort}
	go ch.readLoop()
	logger.Debug("thread worker started", "script", scriptPath)
	return ch, nil
}

// threadChannel adapts the host end of a Port to the Channel contract.
type threadChannel struct {
	port *Port

	msgSubs   subscribers[Message]
	closeSubs subscribers[ShutdownReason]
	errSubs   subscribers[error]

	mu           sync.Mutex
	userClosed   bool
	closeEmitted bool
}

func (c *threadChannel) Send(m Message) error {
	return c.port.Send(m)
}

// SendShared is identical to Send on this transport: the payload already
// crosses by reference without serialization.
func (c *threadChannel) SendShared(m Message) error {
	return c.port.Send(m)
}

func (c *threadChannel) OnMessage(fn func(Message)) func()      { return c.msgSubs.add(fn) }
func (c *threadChannel) OnError(fn func(error)) func()          { return c.errSubs.add(fn) }
func (c *threadChannel) OnClose(fn func(ShutdownReason)) func() { return c.closeSubs.add(fn) }

func (c *threadChannel) Connected() bool {
	select {
	case <-c.port.closed:
		return false
	default:
		return true
	}
}

func (c *threadChannel) PID() (int, bool) { return 0, false }

func (c *threadChannel) readLoop() {
	for {
		msg, err := c.port.Receive()
		if err != nil {
			c.mu.Lock()
			userClosed := c.userClosed
			c.mu.Unlock()
			if !userClosed {
				c.emitClose(ShutdownReason{Type: ShutdownClose})
			}
			return
		}
		c.msgSubs.emit(msg)
	}
}

func (c *threadChannel) emitClose(reason ShutdownReason) {
	c.mu.Lock()
	if c.closeEmitted {
		c.mu.Unlock()
		return
	}
	c.closeEmitted = true
	c.mu.Unlock()
	c.closeSubs.emit(reason)
}

func (c *threadChannel) Close() error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return nil
	}
	c.userClosed = true
	c.mu.Unlock()
	_ = c.port.Close()
	c.emitClose(ShutdownReason{Type: ShutdownClose})
	return nil
}

// portServerTransport serves the worker side of a Port from within
// StartWorkerServer.
type portServerTransport struct {
	port *Port

	mu       sync.Mutex
	accepted bool
}

func (t *portServerTransport) Endpoint() string { return "port://in-memory" }

func (t *portServerTransport) Accept(ctx context.Context) (ServerConn, error) {
	t.mu.Lock()
	first := !t.accepted
	t.accepted = true
	t.mu.Unlock()
	if first {
		// The port pair is already wired; the connection exists as soon as
		// the worker goroutine starts.
		return &portServerConn{port: t.port}, nil
	}
	select {
	case <-t.port.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *portServerTransport) Close() error { return t.port.Close() }

type portServerConn struct {
	port *Port
}

func (c *portServerConn) Receive() (Message, error) { return c.port.Receive() }
func (c *portServerConn) Send(m Message) error      { return c.port.Send(m) }
func (c *portServerConn) Close() error              { return c.port.Close() }
