package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChannel is an in-memory Channel for exercising the client state
// machine without a transport.
type mockChannel struct {
	mu        sync.Mutex
	sent      []Message
	closes    int
	connected bool
	sendErr   error
	respond   func(Message) *Message

	msgSubs   subscribers[Message]
	errSubs   subscribers[error]
	closeSubs subscribers[ShutdownReason]
}

func newMockChannel() *mockChannel {
	return &mockChannel{connected: true}
}

func (c *mockChannel) Send(m Message) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, m)
	respond := c.respond
	c.mu.Unlock()
	if respond != nil {
		if resp := respond(m); resp != nil {
			go c.msgSubs.emit(*resp)
		}
	}
	return nil
}

func (c *mockChannel) OnMessage(fn func(Message)) func()      { return c.msgSubs.add(fn) }
func (c *mockChannel) OnError(fn func(error)) func()          { return c.errSubs.add(fn) }
func (c *mockChannel) OnClose(fn func(ShutdownReason)) func() { return c.closeSubs.add(fn) }

func (c *mockChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *mockChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockChannel) PID() (int, bool) { return 0, false }

func (c *mockChannel) fireShutdown(reason ShutdownReason) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.closeSubs.emit(reason)
}

func (c *mockChannel) sentMessages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// echoResponder answers every request with a result echoing the payload.
func echoResponder(m Message) *Message {
	resp := newResponse(m.Tx, m.Type, m.Payload)
	return &resp
}

func newMockDriver(name string, traits Traits, ch Channel) Driver {
	return DefineDriver(DriverConfig{
		Name:   name,
		Traits: traits,
		Spawn: func(ctx context.Context, scriptPath string, opts SpawnOptions) (Channel, error) {
			return ch, nil
		},
	})
}

// mockReconnectChannel adds the reconnect surface for retry tests.
type mockReconnectChannel struct {
	*mockChannel
	reconnectMu  sync.Mutex
	disconnects  int
	reconnects   int
	reconnectErr error
}

func (c *mockReconnectChannel) Disconnect() error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	c.disconnects++
	return nil
}

func (c *mockReconnectChannel) Reconnect(ctx context.Context) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	c.reconnects++
	if c.reconnectErr != nil {
		return c.reconnectErr
	}
	c.mockChannel.mu.Lock()
	c.mockChannel.connected = true
	c.mockChannel.mu.Unlock()
	return nil
}

func (c *mockReconnectChannel) reconnectCount() int {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	return c.reconnects
}

func pendingCount(c *WorkerClient) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func newTestClient(t *testing.T, ch Channel, traits Traits, mutate func(*WorkerOptions)) *WorkerClient {
	t.Helper()
	opts := WorkerOptions{Driver: newMockDriver("mock", traits, ch)}
	if mutate != nil {
		mutate(&opts)
	}
	client, err := CreateWorker(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestWorkerClient_Send(t *testing.T) {
	t.Run("request resolves with the response payload", func(t *testing.T) {
		ch := newMockChannel()
		ch.respond = echoResponder
		client := newTestClient(t, ch, Traits{}, nil)

		result, err := client.Send(context.Background(), "ping", map[string]any{"message": "hi"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"message": "hi"}, result)
		assert.Zero(t, pendingCount(client))
	})

	t.Run("custom tx generator is used", func(t *testing.T) {
		ch := newMockChannel()
		ch.respond = echoResponder
		client := newTestClient(t, ch, Traits{}, func(o *WorkerOptions) {
			o.TxGenerator = func(draft Message) string { return "fixed-" + draft.Type }
		})

		_, err := client.Send(context.Background(), "ping", nil)
		require.NoError(t, err)
		sent := ch.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, "fixed-ping", sent[0].Tx)
	})

	t.Run("timeout rejects only that request", func(t *testing.T) {
		ch := newMockChannel()
		client := newTestClient(t, ch, Traits{}, func(o *WorkerOptions) {
			o.Timeouts = TimeoutConfig{"slow": 50}
		})

		_, err := client.Send(context.Background(), "slow", nil)
		require.Error(t, err)
		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "Request timeout after 50ms: slow", err.Error())
		assert.Zero(t, pendingCount(client))
		assert.True(t, client.Active())
	})

	t.Run("late response for a settled tx is a no-op", func(t *testing.T) {
		ch := newMockChannel()
		client := newTestClient(t, ch, Traits{}, func(o *WorkerOptions) {
			o.Timeouts = TimeoutConfig{"slow": 20}
		})

		_, err := client.Send(context.Background(), "slow", nil)
		require.Error(t, err)

		sent := ch.sentMessages()
		require.Len(t, sent, 1)
		// Response arrives after the timeout already settled the request.
		ch.msgSubs.emit(newResponse(sent[0].Tx, "slow", "too late"))
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, pendingCount(client))
	})

	t.Run("error response carries the remote error", func(t *testing.T) {
		ch := newMockChannel()
		ch.respond = func(m Message) *Message {
			resp := newErrorResponse(m.Tx, m.Type, &RemoteError{Name: "ValidationError", Message: "bad input", Code: "E400"})
			return &resp
		}
		client := newTestClient(t, ch, Traits{}, nil)

		_, err := client.Send(context.Background(), "validate", nil)
		require.Error(t, err)
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "ValidationError", re.Name)
		assert.Equal(t, "E400", re.Code)
	})

	t.Run("send after close fails fast", func(t *testing.T) {
		ch := newMockChannel()
		client := newTestClient(t, ch, Traits{}, nil)
		require.NoError(t, client.Close())

		_, err := client.Send(context.Background(), "ping", nil)
		assert.ErrorIs(t, err, ErrClientClosed)
	})
}

func TestWorkerClient_UnexpectedShutdown(t *testing.T) {
	t.Run("crash rejects pending requests with the fired reason", func(t *testing.T) {
		ch := newMockChannel()
		client := newTestClient(t, ch, Traits{}, nil)

		errCh := make(chan error, 1)
		go func() {
			_, err := client.Send(context.Background(), "work", nil)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return pendingCount(client) == 1 }, time.Second, 5*time.Millisecond)

		reason := ShutdownReason{Type: ShutdownExit, Code: 137, Signal: "killed"}
		ch.fireShutdown(reason)

		var err error
		select {
		case err = <-errCh:
		case <-time.After(time.Second):
			t.Fatal("request did not settle after shutdown")
		}
		var cerr *CrashError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, reason, cerr.Reason)
		assert.Equal(t, "work", cerr.MessageType)
		assert.Equal(t, 0, cerr.Attempt)

		// Later shutdown-class events are no-ops.
		ch.fireShutdown(ShutdownReason{Type: ShutdownClose})
		ch.fireShutdown(ShutdownReason{Type: ShutdownError, Cause: errors.New("again")})
		assert.Zero(t, pendingCount(client))
	})

	t.Run("retry degrades to reject without reconnect capability", func(t *testing.T) {
		ch := newMockChannel()
		client := newTestClient(t, ch, Traits{}, func(o *WorkerOptions) {
			o.UnexpectedShutdown = UnexpectedShutdownConfig{
				Strategy: ShutdownStrategyRetry,
				Attempts: 1,
			}
		})

		errCh := make(chan error, 1)
		go func() {
			_, err := client.Send(context.Background(), "work", nil)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return pendingCount(client) == 1 }, time.Second, 5*time.Millisecond)

		ch.fireShutdown(ShutdownReason{Type: ShutdownExit, Code: 1})

		var err error
		select {
		case err = <-errCh:
		case <-time.After(time.Second):
			t.Fatal("request did not settle after shutdown")
		}
		var cerr *CrashError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, 1, cerr.MaxAttempts)
	})

	t.Run("retry reconnects and resends with the same tx", func(t *testing.T) {
		ch := &mockReconnectChannel{mockChannel: newMockChannel()}
		client := newTestClient(t, ch, Traits{Reconnect: true}, func(o *WorkerOptions) {
			o.UnexpectedShutdown = UnexpectedShutdownConfig{
				Strategy: ShutdownStrategyRetry,
				Attempts: 2,
				Delay:    1,
				MaxDelay: 2,
			}
		})

		resultCh := make(chan any, 1)
		errCh := make(chan error, 1)
		go func() {
			result, err := client.Send(context.Background(), "work", "payload")
			resultCh <- result
			errCh <- err
		}()
		require.Eventually(t, func() bool { return pendingCount(client) == 1 }, time.Second, 5*time.Millisecond)

		ch.fireShutdown(ShutdownReason{Type: ShutdownError, Cause: errors.New("conn reset")})

		// The request is resent on the new connection with its original tx.
		require.Eventually(t, func() bool { return len(ch.sentMessages()) == 2 }, 2*time.Second, 5*time.Millisecond)
		sent := ch.sentMessages()
		assert.Equal(t, sent[0].Tx, sent[1].Tx)
		assert.Equal(t, 1, ch.reconnectCount())

		ch.msgSubs.emit(newResponse(sent[1].Tx, "work", "done"))
		select {
		case result := <-resultCh:
			assert.Equal(t, "done", result)
			assert.NoError(t, <-errCh)
		case <-time.After(time.Second):
			t.Fatal("retried request did not settle")
		}
	})

	t.Run("failed reconnect rejects the retried requests", func(t *testing.T) {
		ch := &mockReconnectChannel{mockChannel: newMockChannel()}
		ch.reconnectErr = errors.New("endpoint gone")
		client := newTestClient(t, ch, Traits{Reconnect: true}, func(o *WorkerOptions) {
			o.UnexpectedShutdown = UnexpectedShutdownConfig{
				Strategy: ShutdownStrategyRetry,
				Attempts: 1,
				Delay:    1,
				MaxDelay: 2,
			}
		})

		errCh := make(chan error, 1)
		go func() {
			_, err := client.Send(context.Background(), "work", nil)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return pendingCount(client) == 1 }, time.Second, 5*time.Millisecond)

		reason := ShutdownReason{Type: ShutdownExit, Code: 9}
		ch.fireShutdown(reason)

		select {
		case err := <-errCh:
			var cerr *CrashError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, reason, cerr.Reason)
			assert.Equal(t, 1, cerr.Attempt)
			assert.Equal(t, 1, cerr.MaxAttempts)
		case <-time.After(2 * time.Second):
			t.Fatal("request did not settle after failed reconnect")
		}
	})
}

func TestWorkerClient_Close(t *testing.T) {
	t.Run("close rejects pending requests with a plain closed error", func(t *testing.T) {
		ch := newMockChannel()
		client := newTestClient(t, ch, Traits{}, nil)

		errCh := make(chan error, 1)
		go func() {
			_, err := client.Send(context.Background(), "work", nil)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return pendingCount(client) == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, client.Close())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrClientClosed)
			var cerr *CrashError
			assert.False(t, errors.As(err, &cerr), "voluntary close must not look like a crash")
		case <-time.After(time.Second):
			t.Fatal("request did not settle on close")
		}
		assert.False(t, client.Active())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		ch := newMockChannel()
		client := newTestClient(t, ch, Traits{}, nil)

		require.NoError(t, client.Close())
		require.NoError(t, client.Close())
		ch.mu.Lock()
		defer ch.mu.Unlock()
		assert.Equal(t, 1, ch.closes)
	})
}

func TestWorkerClient_Reconnectable(t *testing.T) {
	t.Run("unavailable without the capability", func(t *testing.T) {
		ch := newMockChannel()
		client := newTestClient(t, ch, Traits{}, nil)

		_, err := Reconnectable(client)
		var uerr *UnsupportedCapabilityError
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, "reconnect", uerr.Capability)
	})

	t.Run("delegates to the channel when available", func(t *testing.T) {
		ch := &mockReconnectChannel{mockChannel: newMockChannel()}
		client := newTestClient(t, ch, Traits{Reconnect: true}, nil)

		rw, err := Reconnectable(client)
		require.NoError(t, err)
		require.NoError(t, rw.Disconnect())
		require.NoError(t, rw.Reconnect(context.Background()))
		assert.Equal(t, 1, ch.disconnects)
		assert.Equal(t, 1, ch.reconnectCount())
	})
}

func TestWorkerClient_Heartbeat(t *testing.T) {
	t.Run("healthy heartbeats record round trips", func(t *testing.T) {
		ch := newMockChannel()
		ch.respond = echoResponder
		client := newTestClient(t, ch, Traits{}, func(o *WorkerOptions) {
			o.Heartbeat = &HeartbeatConfig{Interval: 20 * time.Millisecond, MaxMisses: 3}
		})

		require.Eventually(t, func() bool {
			return client.Metrics().RequestsSuccess >= 2
		}, 2*time.Second, 10*time.Millisecond)
		assert.Zero(t, client.Metrics().HeartbeatMisses)
	})

	t.Run("missed heartbeats trigger an unexpected shutdown", func(t *testing.T) {
		ch := newMockChannel() // never responds
		client := newTestClient(t, ch, Traits{}, func(o *WorkerOptions) {
			o.Heartbeat = &HeartbeatConfig{Interval: 20 * time.Millisecond, MaxMisses: 1}
		})

		errCh := make(chan error, 1)
		go func() {
			_, err := client.Send(context.Background(), "work", nil)
			errCh <- err
		}()

		select {
		case err := <-errCh:
			var cerr *CrashError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, ShutdownError, cerr.Reason.Type)
			assert.Contains(t, cerr.Reason.Cause.Error(), "heartbeat")
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not rejected by heartbeat monitor")
		}
	})
}

func TestWorkerClient_Metrics(t *testing.T) {
	ch := newMockChannel()
	ch.respond = echoResponder
	client := newTestClient(t, ch, Traits{}, func(o *WorkerOptions) {
		o.Timeouts = TimeoutConfig{"slow": 20}
	})

	_, err := client.Send(context.Background(), "ping", nil)
	require.NoError(t, err)

	ch.mu.Lock()
	ch.respond = nil
	ch.mu.Unlock()
	_, err = client.Send(context.Background(), "slow", nil)
	require.Error(t, err)

	snap := client.Metrics()
	assert.Equal(t, 2, snap.RequestsTotal)
	assert.Equal(t, 1, snap.RequestsSuccess)
	assert.Equal(t, 1, snap.RequestsFailed)

	client.ResetMetrics()
	assert.Zero(t, client.Metrics().RequestsTotal)
}
