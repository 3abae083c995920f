package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveThread runs a worker server over the in-memory port, the way a thread
// worker's entry point would.
func serveThread(handlers map[string]Handler, serverCh chan<- *WorkerServer) func(*Port) {
	return func(port *Port) {
		server, err := StartWorkerServer(handlers, ServerOptions{Port: port})
		if err != nil {
			return
		}
		if serverCh != nil {
			serverCh <- server
		}
		<-server.Done()
	}
}

func TestThreadWorker_EndToEnd(t *testing.T) {
	t.Run("request round trip", func(t *testing.T) {
		client, err := CreateWorker(context.Background(), WorkerOptions{
			Driver: NewThreadDriver(),
			ThreadMain: serveThread(map[string]Handler{
				"ping": func(ctx context.Context, payload any) (any, error) {
					return payload, nil
				},
			}, nil),
		})
		require.NoError(t, err)
		defer client.Close()

		result, err := client.Send(context.Background(), "ping", map[string]any{"message": "hi"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"message": "hi"}, result)
	})

	t.Run("unknown message type surfaces as a remote error", func(t *testing.T) {
		client, err := CreateWorker(context.Background(), WorkerOptions{
			Driver:     NewThreadDriver(),
			ThreadMain: serveThread(map[string]Handler{}, nil),
		})
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Send(context.Background(), "nonsense", nil)
		require.Error(t, err)
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "UnknownMessageTypeError", re.Name)
		assert.Equal(t, "Unknown message type: nonsense", re.Message)
	})

	t.Run("capabilities and pid", func(t *testing.T) {
		client, err := CreateWorker(context.Background(), WorkerOptions{
			Driver:     NewThreadDriver(),
			ThreadMain: serveThread(map[string]Handler{}, nil),
		})
		require.NoError(t, err)
		defer client.Close()

		caps := client.Capabilities()
		assert.True(t, caps.SharedMemory)
		assert.False(t, caps.Reconnect)
		assert.False(t, caps.Detach)

		_, ok := client.PID()
		assert.False(t, ok, "thread workers have no pid")
	})

	t.Run("server stop rejects in-flight requests", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		serverCh := make(chan *WorkerServer, 1)

		client, err := CreateWorker(context.Background(), WorkerOptions{
			Driver: NewThreadDriver(),
			ThreadMain: serveThread(map[string]Handler{
				"hang": func(ctx context.Context, payload any) (any, error) {
					<-release
					return nil, nil
				},
			}, serverCh),
		})
		require.NoError(t, err)
		defer client.Close()

		var server *WorkerServer
		select {
		case server = <-serverCh:
		case <-time.After(2 * time.Second):
			t.Fatal("worker server never started")
		}

		errCh := make(chan error, 1)
		go func() {
			_, err := client.Send(context.Background(), "hang", nil)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return pendingCount(client) == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, server.Stop())

		select {
		case err := <-errCh:
			var cerr *CrashError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, ShutdownClose, cerr.Reason.Type)
			assert.Equal(t, "hang", cerr.MessageType)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request survived the server stop")
		}
	})

	t.Run("spawn requires an entry point", func(t *testing.T) {
		_, err := CreateWorker(context.Background(), WorkerOptions{Driver: NewThreadDriver()})
		require.Error(t, err)
		var serr *SpawnError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "thread", serr.Driver)
	})
}

func TestThreadWorker_SendShared(t *testing.T) {
	d := NewThreadDriver()
	ch, err := d.Spawn(context.Background(), "", SpawnOptions{
		ThreadMain: func(port *Port) {
			for {
				m, err := port.Receive()
				if err != nil {
					return
				}
				_ = port.Send(newResponse(m.Tx, m.Type, m.Payload))
			}
		},
	})
	require.NoError(t, err)
	defer ch.Close()

	smc, ok := ch.(SharedMemoryChannel)
	require.True(t, ok, "thread channel must expose the shared-memory surface")

	got := make(chan Message, 1)
	unsub := ch.OnMessage(func(m Message) { got <- m })
	defer unsub()

	type blob struct{ data []byte }
	payload := &blob{data: []byte("zero copy")}
	req := newRequest("share", payload, nil)
	require.NoError(t, smc.SendShared(req))

	select {
	case resp := <-got:
		assert.Equal(t, req.Tx, resp.Tx)
		// No serialization on this transport: the exact pointer comes back.
		assert.Same(t, payload, resp.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no response from thread worker")
	}
}
