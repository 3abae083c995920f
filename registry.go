package workers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

const registryFileName = "isolated_workers.json"

// WorkerInfo is one registry entry for a detached worker.
type WorkerInfo struct {
	Endpoint  string    `json:"endpoint"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
}

// WorkerRegistry maps worker names to live detached workers through a JSON
// file in the temp directory, so a later client can attach to a worker that
// outlived its original host. It is an injected dependency of the process
// driver, never a package-global.
type WorkerRegistry struct {
	filePath string
	lock     *flock.Flock
}

// NewWorkerRegistry opens the registry at path, or the default temp-dir
// location when path is empty.
func NewWorkerRegistry(path string) *WorkerRegistry {
	if path == "" {
		path = filepath.Join(os.TempDir(), registryFileName)
	}
	return &WorkerRegistry{
		filePath: path,
		lock:     flock.New(path + ".lock"),
	}
}

// Register records a detached worker under name, replacing any stale entry.
func (r *WorkerRegistry) Register(name string, info WorkerInfo) error {
	return r.update(func(entries map[string]WorkerInfo) {
		entries[name] = info
	})
}

// Unregister removes name's entry if present.
func (r *WorkerRegistry) Unregister(name string) error {
	return r.update(func(entries map[string]WorkerInfo) {
		delete(entries, name)
	})
}

// Lookup returns the entry for name. Entries whose process is no longer
// alive are pruned and reported as not found.
func (r *WorkerRegistry) Lookup(name string) (WorkerInfo, error) {
	if err := r.lock.Lock(); err != nil {
		return WorkerInfo{}, fmt.Errorf("lock registry: %w", err)
	}
	defer r.lock.Unlock()

	entries, err := r.load()
	if err != nil {
		return WorkerInfo{}, err
	}
	info, ok := entries[name]
	if !ok {
		return WorkerInfo{}, fmt.Errorf("%q: %w", name, ErrWorkerNotFound)
	}
	if !processAlive(info.PID) {
		delete(entries, name)
		_ = r.save(entries)
		return WorkerInfo{}, fmt.Errorf("%q (pid %d is dead): %w", name, info.PID, ErrWorkerNotFound)
	}
	return info, nil
}

// List returns all entries whose process is still alive, pruning the rest.
func (r *WorkerRegistry) List() (map[string]WorkerInfo, error) {
	if err := r.lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock registry: %w", err)
	}
	defer r.lock.Unlock()

	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	pruned := false
	for name, info := range entries {
		if !processAlive(info.PID) {
			delete(entries, name)
			pruned = true
		}
	}
	if pruned {
		_ = r.save(entries)
	}
	return entries, nil
}

func (r *WorkerRegistry) update(mutate func(map[string]WorkerInfo)) error {
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer r.lock.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}
	mutate(entries)
	return r.save(entries)
}

func (r *WorkerRegistry) load() (map[string]WorkerInfo, error) {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]WorkerInfo), nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	entries := make(map[string]WorkerInfo)
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt registry only holds crash leftovers; start fresh.
		return make(map[string]WorkerInfo), nil
	}
	return entries, nil
}

func (r *WorkerRegistry) save(entries map[string]WorkerInfo) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return os.Rename(tmp, r.filePath)
}

// processAlive checks liveness with a null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
