package workers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *WorkerRegistry {
	t.Helper()
	return NewWorkerRegistry(filepath.Join(t.TempDir(), "registry.json"))
}

func TestWorkerRegistry(t *testing.T) {
	t.Run("register and lookup a live worker", func(t *testing.T) {
		reg := newTestRegistry(t)
		info := WorkerInfo{Endpoint: "/tmp/w.sock", PID: os.Getpid(), StartTime: time.Now()}
		require.NoError(t, reg.Register("cruncher", info))

		got, err := reg.Lookup("cruncher")
		require.NoError(t, err)
		assert.Equal(t, info.Endpoint, got.Endpoint)
		assert.Equal(t, info.PID, got.PID)
	})

	t.Run("unknown name", func(t *testing.T) {
		reg := newTestRegistry(t)
		_, err := reg.Lookup("nobody")
		assert.ErrorIs(t, err, ErrWorkerNotFound)
	})

	t.Run("dead pid is pruned on lookup", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register("zombie", WorkerInfo{Endpoint: "/tmp/z.sock", PID: 99999999}))

		_, err := reg.Lookup("zombie")
		assert.ErrorIs(t, err, ErrWorkerNotFound)

		// The stale entry is gone for good, not just hidden.
		entries, err := reg.List()
		require.NoError(t, err)
		assert.NotContains(t, entries, "zombie")
	})

	t.Run("unregister removes the entry", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register("temp", WorkerInfo{PID: os.Getpid()}))
		require.NoError(t, reg.Unregister("temp"))

		_, err := reg.Lookup("temp")
		assert.ErrorIs(t, err, ErrWorkerNotFound)
	})

	t.Run("list keeps live entries and prunes dead ones", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register("alive", WorkerInfo{PID: os.Getpid()}))
		require.NoError(t, reg.Register("dead", WorkerInfo{PID: 99999999}))

		entries, err := reg.List()
		require.NoError(t, err)
		assert.Contains(t, entries, "alive")
		assert.NotContains(t, entries, "dead")
	})

	t.Run("corrupt registry file starts fresh", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "registry.json")
		require.NoError(t, os.WriteFile(path, []byte("{{{ not json"), 0o644))
		reg := NewWorkerRegistry(path)

		require.NoError(t, reg.Register("fresh", WorkerInfo{PID: os.Getpid()}))
		_, err := reg.Lookup("fresh")
		assert.NoError(t, err)
	})

	t.Run("register replaces a previous entry", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register("w", WorkerInfo{Endpoint: "/tmp/old.sock", PID: os.Getpid()}))
		require.NoError(t, reg.Register("w", WorkerInfo{Endpoint: "/tmp/new.sock", PID: os.Getpid()}))

		got, err := reg.Lookup("w")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/new.sock", got.Endpoint)
	})
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
	assert.False(t, processAlive(99999999))
}
