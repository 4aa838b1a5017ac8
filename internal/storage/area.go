package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"video-pipeline/internal/telemetry"
)

// Area manages the shared temporary directory. Every path it hands out is
// tracked until exactly one Release removes it.
type Area struct {
	root   string
	mu     sync.Mutex
	leases map[string]*Lease
}

// New creates (if needed) and wraps the storage root.
func New(root string) (*Area, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Area{
		root:   root,
		leases: make(map[string]*Lease),
	}, nil
}

// Root returns the storage root directory.
func (a *Area) Root() string { return a.root }

// Lease is exclusive ownership of one path. Release is safe to call more
// than once; only the first call removes the file.
type Lease struct {
	area *Area
	path string
	once sync.Once
}

// Path returns the owned filesystem path.
func (l *Lease) Path() string { return l.path }

// Release removes the file (if present) and drops tracking. A missing file
// is not an error: a failed transcode may never have produced it.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = fmt.Errorf("remove %s: %w", l.path, rmErr)
		}
		l.area.untrack(l.path)
		telemetry.StorageLeases.Dec()
	})
	return err
}

// Allocate reserves a fresh path for jobID in the given role. No file is
// created; the caller (usually the engine) writes it.
func (a *Area) Allocate(jobID, role, ext string) (*Lease, error) {
	path := filepath.Join(a.root, fmt.Sprintf("%s_%s.%s", jobID, role, ext))
	return a.track(path)
}

// Adopt takes ownership of an already-written file, typically the uploaded
// input, so that it is reclaimed along with the job.
func (a *Area) Adopt(jobID, path string) (*Lease, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("adopt %s: %w", path, err)
	}
	return a.track(path)
}

func (a *Area) track(path string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.leases[path]; exists {
		return nil, fmt.Errorf("path already leased: %s", path)
	}
	l := &Lease{area: a, path: path}
	a.leases[path] = l
	telemetry.StorageLeases.Inc()
	return l, nil
}

func (a *Area) untrack(path string) {
	a.mu.Lock()
	delete(a.leases, path)
	a.mu.Unlock()
}

// Live returns how many leases are currently outstanding.
func (a *Area) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}

// Sweep removes unleased files under the root older than maxAge. Leased
// paths are left alone regardless of age; a crash between process restarts
// is the only way files become orphaned here.
func (a *Area) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return 0, fmt.Errorf("read storage root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(a.root, e.Name())
		a.mu.Lock()
		_, leased := a.leases[path]
		a.mu.Unlock()
		if leased {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}
