package call

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Mirror is the persisted snapshot of one session, written on every
// transition so a reload or a sibling instance can rehydrate.
type Mirror struct {
	Call      *State `json:"call"`
	Minimized bool   `json:"minimized"`
	Muted     bool   `json:"muted"`
}

// Store persists the session mirror under a single key.
type Store interface {
	Save(Mirror) error
	Load() (Mirror, bool, error)
	Clear() error
}

// FileStore keeps the mirror in one JSON file, written atomically. Sibling
// session instances sharing the path converge by watching it.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store at the given path. Parent directories are
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Save(m Mirror) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mirror: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write mirror: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("commit mirror: %w", err)
	}
	return nil
}

func (f *FileStore) Load() (Mirror, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	payload, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Mirror{}, false, nil
		}
		return Mirror{}, false, fmt.Errorf("read mirror: %w", err)
	}

	var m Mirror
	if err := json.Unmarshal(payload, &m); err != nil {
		return Mirror{}, false, fmt.Errorf("parse mirror: %w", err)
	}
	return m, true, nil
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear mirror: %w", err)
	}
	return nil
}

// Watch polls the mirror for changes and emits the new value on each one.
// A cleared mirror emits a Mirror with a nil Call. The channel closes when
// the context ends.
func (f *FileStore) Watch(ctx context.Context, interval time.Duration) <-chan Mirror {
	out := make(chan Mirror, 1)

	go func() {
		defer close(out)

		var lastMod time.Time
		var lastSeen bool
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			info, err := os.Stat(f.path)
			if err != nil {
				if lastSeen {
					lastSeen = false
					lastMod = time.Time{}
					select {
					case out <- Mirror{}:
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			if lastSeen && info.ModTime().Equal(lastMod) {
				continue
			}
			lastSeen = true
			lastMod = info.ModTime()

			m, ok, err := f.Load()
			if err != nil || !ok {
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
