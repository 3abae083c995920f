package workers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

var noDeadline time.Time

// streamConn frames messages over a byte stream: each frame is the
// serializer's encoding of one Message followed by the serializer's
// terminator. Incoming bytes are buffered and split on that terminator.
type streamConn struct {
	conn       net.Conn
	reader     *bufio.Reader
	serializer Serializer
	writeMu    sync.Mutex
}

func newStreamConn(conn net.Conn, serializer Serializer) *streamConn {
	return &streamConn{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		serializer: serializer,
	}
}

func (c *streamConn) Receive() (Message, error) {
	frame, err := readFrame(c.reader, c.serializer.Terminator())
	if err != nil {
		return Message{}, err
	}
	return c.serializer.Decode(frame)
}

func (c *streamConn) Send(m Message) error {
	data, err := c.serializer.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	_, err = c.conn.Write(c.serializer.Terminator())
	return err
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

// readFrame reads up to and including the terminator and returns the frame
// without it. The terminator may span multiple bytes.
func readFrame(r *bufio.Reader, term []byte) ([]byte, error) {
	if len(term) == 0 {
		return nil, errors.New("empty frame terminator")
	}
	last := term[len(term)-1]
	var frame []byte
	for {
		chunk, err := r.ReadBytes(last)
		frame = append(frame, chunk...)
		if err != nil {
			return nil, err
		}
		if bytes.HasSuffix(frame, term) {
			return frame[:len(frame)-len(term)], nil
		}
		if len(frame) > maxFrameSize {
			return nil, fmt.Errorf("frame size %d exceeds limit %d", len(frame), maxFrameSize)
		}
	}
}

// unixServerTransport binds a unix domain socket listener for the worker
// side of the socket transport.
type unixServerTransport struct {
	listener *net.UnixListener
	path     string
	ser      Serializer

	mu     sync.Mutex
	closed bool
}

func listenUnix(path string, ser Serializer) (*unixServerTransport, error) {
	if err := validateStreamSerializer(ser); err != nil {
		return nil, err
	}
	// A stale socket file from a dead worker blocks the bind.
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	return &unixServerTransport{listener: l, path: path, ser: ser}, nil
}

func (t *unixServerTransport) Endpoint() string { return t.path }

func (t *unixServerTransport) Accept(ctx context.Context) (ServerConn, error) {
	if dl, ok := ctx.Deadline(); ok {
		if err := t.listener.SetDeadline(dl); err != nil {
			return nil, err
		}
		defer t.listener.SetDeadline(noDeadline)
	}
	conn, err := t.listener.Accept()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return newStreamConn(conn, t.ser), nil
}

func (t *unixServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	err := t.listener.Close()
	_ = os.Remove(t.path)
	return err
}

// parseEndpoint splits an endpoint into a transport scheme and address.
// "tcp://..." selects the zmq transport, everything else is a unix socket
// path (an optional "unix://" prefix is stripped).
func parseEndpoint(endpoint string) (scheme, addr string) {
	if strings.HasPrefix(endpoint, "tcp://") {
		return "tcp", endpoint
	}
	return "unix", strings.TrimPrefix(endpoint, "unix://")
}
