// Package registry maps queue names to live *queue.Queue handles: lazy
// creation on first reference, startup discovery of existing queue
// directories, and erase-with-rename for asynchronous deletion (spec §4.5).
//
// Grounded on the teacher's daemon/manager/store.go SessionStore — a
// map[string]*Session guarded by a sync.RWMutex with Add/Get/Delete/List —
// generalized here from sessions to queues.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/qbroker/qbroker/internal/kv"
	"github.com/qbroker/qbroker/internal/queue"
)

// ErrInvalidName is returned when a queue name contains '/' or is empty.
var ErrInvalidName = fmt.Errorf("registry: invalid queue name")

var validName = regexp.MustCompile(`^[^/]+$`)

// ValidName reports whether name is an acceptable queue name: non-empty,
// containing no '/' (spec §3 "Queue").
func ValidName(name string) bool {
	return name != "" && validName.MatchString(name)
}

// Registry owns every open queue for one data root directory.
type Registry struct {
	mu   sync.Mutex
	root string
	qs   map[string]*queue.Queue
}

// New opens dir (creating it if missing) and discovers existing queues by
// enumerating its immediate subdirectories, each one a queue by name (spec
// §4.5: "scan the data directory and open each sub-directory as a queue").
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: mkdir %s: %w", dir, err)
	}
	r := &Registry{root: dir, qs: make(map[string]*queue.Queue)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !ValidName(name) {
			continue
		}
		q, err := queue.Open(name, filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("registry: open %s: %w", name, err)
		}
		r.qs[name] = q
	}
	return r, nil
}

// Get returns the named queue, creating it on first reference.
func (r *Registry) Get(name string) (*queue.Queue, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.qs[name]; ok {
		return q, nil
	}
	q, err := queue.Open(name, filepath.Join(r.root, name))
	if err != nil {
		return nil, err
	}
	r.qs[name] = q
	return q, nil
}

// Erase destroys the named queue (renaming its directory so the name is
// immediately free) and, if recreate is true, opens a fresh empty queue at
// the same name before returning (spec §4.5 erase). If the queue was never
// referenced nothing is destroyed and it is not an error: with recreate
// false Erase is a no-op, with recreate true an empty queue is opened.
func (r *Registry) Erase(name string, recreate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.qs[name]
	if !ok {
		if !recreate {
			return nil
		}
		nq, err := queue.Open(name, filepath.Join(r.root, name))
		if err != nil {
			return err
		}
		r.qs[name] = nq
		return nil
	}

	renamed, err := q.Destroy()
	if err != nil {
		return err
	}
	delete(r.qs, name)
	go func() { _ = kv.RemoveRenamed(renamed) }()

	if recreate {
		nq, err := queue.Open(name, filepath.Join(r.root, name))
		if err != nil {
			return err
		}
		r.qs[name] = nq
	}
	return nil
}

// FlushAll discards the contents of every known queue in place.
func (r *Registry) FlushAll() error {
	r.mu.Lock()
	qs := make([]*queue.Queue, 0, len(r.qs))
	for _, q := range r.qs {
		qs = append(qs, q)
	}
	r.mu.Unlock()

	for _, q := range qs {
		if err := q.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// All returns a snapshot slice of every currently-open queue, sorted by
// nothing in particular — callers that need deterministic order should
// sort by Name() themselves (e.g. for STATS output).
func (r *Registry) All() []*queue.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*queue.Queue, 0, len(r.qs))
	for _, q := range r.qs {
		out = append(out, q)
	}
	return out
}

// Close closes every open queue's store handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, q := range r.qs {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
