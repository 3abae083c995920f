package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Capabilities is the static feature set of a Driver. It is decided once at
// driver construction and never probed per call or per channel.
type Capabilities struct {
	Reconnect    bool
	Detach       bool
	SharedMemory bool
}

// ShutdownType tags the variant of a ShutdownReason.
type ShutdownType string

const (
	ShutdownExit  ShutdownType = "exit"  // process exited; Code and Signal are set
	ShutdownError ShutdownType = "error" // transport failure; Cause is set
	ShutdownClose ShutdownType = "close" // stream ended without further detail
)

// ShutdownReason describes why a channel died.
type ShutdownReason struct {
	Type   ShutdownType
	Code   int
	Signal string
	Cause  error
}

func (r ShutdownReason) String() string {
	switch r.Type {
	case ShutdownExit:
		if r.Signal != "" {
			return fmt.Sprintf("exit code=%d signal=%s", r.Code, r.Signal)
		}
		return fmt.Sprintf("exit code=%d", r.Code)
	case ShutdownError:
		return fmt.Sprintf("error: %v", r.Cause)
	default:
		return "close"
	}
}

// Channel is a live, bidirectional, message-oriented connection to a worker,
// uniform across drivers. Send resolves on write acceptance, not on remote
// processing. Subscriber registration is multi-subscriber; each call returns
// an unsubscribe func. Close is an idempotent no-op after the first call.
type Channel interface {
	Send(Message) error
	OnMessage(func(Message)) (unsubscribe func())
	OnError(func(error)) (unsubscribe func())
	OnClose(func(ShutdownReason)) (unsubscribe func())
	Close() error
	Connected() bool
	// PID reports the worker's OS process id. ok is false for channels that
	// do not cross a process boundary.
	PID() (pid int, ok bool)
}

// ReconnectableChannel is the companion surface of channels whose driver
// reports the reconnect capability. Disconnect parks the channel without
// killing the worker; Reconnect re-establishes communication.
type ReconnectableChannel interface {
	Channel
	Disconnect() error
	Reconnect(ctx context.Context) error
}

// SharedMemoryChannel is the companion surface of channels whose driver
// reports the shared-memory capability. SendShared hands the payload to the
// worker by reference, without any serialization.
type SharedMemoryChannel interface {
	Channel
	SendShared(Message) error
}

// ConnectRetryConfig tunes the process driver's retry loop for the initial
// socket connect.
type ConnectRetryConfig struct {
	Attempts int     // default 5
	Delay    float64 // base delay in ms, default 100
	MaxDelay float64 // cap in ms, default 2000
}

func (c ConnectRetryConfig) withDefaults() ConnectRetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.Delay <= 0 {
		c.Delay = 100
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2000
	}
	return c
}

// SpawnOptions carries per-spawn settings from CreateWorker down to the
// driver. Drivers read only the fields that concern them.
type SpawnOptions struct {
	Args       []string
	Env        map[string]string
	Serializer Serializer
	Logger     *slog.Logger
	LogLevel   string
	Timeouts   TimeoutConfig

	// Process driver.
	Detached     bool
	WorkerName   string
	AttachTo     string
	Registry     *WorkerRegistry
	ConnectRetry ConnectRetryConfig

	// Thread driver.
	ThreadMain func(*Port)
}

// SpawnFunc establishes a worker and yields its channel. It must fail
// atomically: on error no partial channel (and no orphan worker) remains.
type SpawnFunc func(ctx context.Context, scriptPath string, opts SpawnOptions) (Channel, error)

// Driver is a pluggable transport implementation that spawns a worker and
// yields a Channel.
type Driver interface {
	Name() string
	Capabilities() Capabilities
	Spawn(ctx context.Context, scriptPath string, opts SpawnOptions) (Channel, error)
}

// Traits declares which optional channel surfaces a driver's channels
// implement. The declaration is made once, at driver construction, and
// becomes the driver's capability set; spawn verifies the channel actually
// carries the declared surfaces so a misconfigured driver fails early
// instead of surprising callers later.
type Traits struct {
	Reconnect    bool
	Detach       bool
	SharedMemory bool
}

// DriverConfig defines a custom driver.
type DriverConfig struct {
	Name   string
	Spawn  SpawnFunc
	Traits Traits
}

// DefineDriver builds a Driver from a spawn function and its declared
// traits. This is the public driver-definition entry point; the bundled
// process, thread and zmq drivers are defined through it as well.
func DefineDriver(cfg DriverConfig) Driver {
	return &definedDriver{
		name:  cfg.Name,
		caps:  Capabilities(cfg.Traits),
		spawn: cfg.Spawn,
	}
}

type definedDriver struct {
	name  string
	caps  Capabilities
	spawn SpawnFunc
}

func (d *definedDriver) Name() string { return d.name }

func (d *definedDriver) Capabilities() Capabilities { return d.caps }

func (d *definedDriver) Spawn(ctx context.Context, scriptPath string, opts SpawnOptions) (Channel, error) {
	if d.spawn == nil {
		return nil, errors.New("driver has no spawn function")
	}
	ch, err := d.spawn(ctx, scriptPath, opts)
	if err != nil {
		return nil, err
	}
	if err := d.checkTraits(ch); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

func (d *definedDriver) checkTraits(ch Channel) error {
	if d.caps.Reconnect {
		if _, ok := ch.(ReconnectableChannel); !ok {
			return fmt.Errorf("driver %q declares reconnect but its channel does not implement it", d.name)
		}
	}
	if d.caps.SharedMemory {
		if _, ok := ch.(SharedMemoryChannel); !ok {
			return fmt.Errorf("driver %q declares shared memory but its channel does not implement it", d.name)
		}
	}
	return nil
}

// ServerTransport is the worker-side counterpart of a Driver: it owns one
// bound listener and accepts client connections one at a time.
type ServerTransport interface {
	Accept(ctx context.Context) (ServerConn, error)
	Endpoint() string
	Close() error
}

// ServerConn is one accepted client connection. Receive blocks until a full
// message arrives and returns io.EOF when the client disconnects.
type ServerConn interface {
	Receive() (Message, error)
	Send(Message) error
	Close() error
}

// subscribers is a minimal multi-subscriber callback list shared by the
// channel implementations.
type subscribers[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *subscribers[T]) emit(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
