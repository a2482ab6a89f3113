// Package registry tracks the named map layers of a session, which of them
// are visible, and when each visible layer has finished loading.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/metrics"
)

// DefaultReadyTimeout bounds Await when no timeout is given.
const DefaultReadyTimeout = 20 * time.Second

// ErrUnknownLayer is returned for operations on unregistered names.
var ErrUnknownLayer = errors.New("unknown layer")

// Entry is one registered layer.
type Entry struct {
	LayerName string `json:"layerName" doc:"Layer name, unique within the session"`
	IsActive  bool   `json:"isActive" doc:"Whether the layer is shown"`
}

// Change describes a registry mutation delivered to watchers.
type Change struct {
	Action  string  // registered, removed, activated, deactivated, reset, cleared
	Layer   string  // empty for reset and cleared
	Entries []Entry // state after the change
}

// Registry is safe for concurrent use. Watchers run synchronously after
// each mutation, outside the lock, so a mutation returns only once every
// watcher has seen it.
type Registry struct {
	log zerolog.Logger

	mu       sync.Mutex
	entries  []Entry
	ready    map[string]*future
	watchers map[int]func(Change)
	nextID   int
}

type future struct {
	ch   chan struct{}
	done bool
}

func newFuture() *future { return &future{ch: make(chan struct{})} }

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		log:      logging.Component("registry"),
		ready:    make(map[string]*future),
		watchers: make(map[int]func(Change)),
	}
}

// Watch registers fn to be called after every mutation and returns a
// function removing it.
func (r *Registry) Watch(fn func(Change)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify(action, layer string) {
	r.mu.Lock()
	c := Change{Action: action, Layer: layer, Entries: r.snapshot()}
	fns := make([]func(Change), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (r *Registry) snapshot() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) index(name string) int {
	for i, e := range r.entries {
		if e.LayerName == name {
			return i
		}
	}
	return -1
}

// Register adds name as an inactive layer in front of the existing ones.
// It returns false when the name is already registered.
func (r *Registry) Register(name string) bool {
	r.mu.Lock()
	if r.index(name) >= 0 {
		r.mu.Unlock()
		return false
	}
	r.entries = append([]Entry{{LayerName: name}}, r.entries...)
	r.mu.Unlock()
	r.notify("registered", name)
	return true
}

// Remove drops name from the registry.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	i := r.index(name)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	delete(r.ready, name)
	r.mu.Unlock()
	r.notify("removed", name)
	return true
}

// SetActive sets the visibility of a registered layer. Unknown names are
// ignored. Deactivating a layer resets its readiness.
func (r *Registry) SetActive(name string, active bool) {
	r.mu.Lock()
	i := r.index(name)
	if i < 0 || r.entries[i].IsActive == active {
		r.mu.Unlock()
		return
	}
	r.setLocked(i, active)
	r.mu.Unlock()
	r.notify(action(active), name)
}

func (r *Registry) setLocked(i int, active bool) {
	r.entries[i].IsActive = active
	if !active {
		if f, ok := r.ready[r.entries[i].LayerName]; ok && f.done {
			r.ready[r.entries[i].LayerName] = newFuture()
		}
	}
}

func action(active bool) string {
	if active {
		return "activated"
	}
	return "deactivated"
}

// Toggle flips the visibility of name and returns the new state.
func (r *Registry) Toggle(name string) (bool, error) {
	r.mu.Lock()
	i := r.index(name)
	if i < 0 {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	active := !r.entries[i].IsActive
	r.setLocked(i, active)
	r.mu.Unlock()
	r.notify(action(active), name)
	return active, nil
}

// ResetAll deactivates every layer.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	for i := range r.entries {
		r.setLocked(i, false)
	}
	r.mu.Unlock()
	r.notify("reset", "")
}

// Clear empties the registry, used when the bundle selection changes.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.ready = make(map[string]*future)
	r.mu.Unlock()
	r.notify("cleared", "")
}

// ResetAllAndWait deactivates every layer and returns the resulting state
// once all watchers have observed it.
func (r *Registry) ResetAllAndWait(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.ResetAll()
	return r.Entries(), nil
}

// ToggleAndWait toggles name and returns the resulting state once all
// watchers have observed it.
func (r *Registry) ToggleAndWait(ctx context.Context, name string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := r.Toggle(name); err != nil {
		return nil, err
	}
	return r.Entries(), nil
}

// Entries returns the registered layers, newest first.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Active returns the names of the visible layers in registry order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.entries {
		if e.IsActive {
			names = append(names, e.LayerName)
		}
	}
	return names
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.index(name); i >= 0 {
		return r.entries[i], true
	}
	return Entry{}, false
}

func (r *Registry) futureLocked(name string) *future {
	f, ok := r.ready[name]
	if !ok {
		f = newFuture()
		r.ready[name] = f
	}
	return f
}

// MarkReady signals that name has finished loading. Repeated calls are
// harmless.
func (r *Registry) MarkReady(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.futureLocked(name)
	if !f.done {
		f.done = true
		close(f.ch)
	}
}

// Ready reports whether name has signalled readiness since it was last
// deactivated.
func (r *Registry) Ready(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.ready[name]
	return ok && f.done
}

// Await waits until every distinct name in names is ready, ctx ends or
// timeout elapses. It returns how many names became ready and whether all
// did. Giving up is not an error: callers proceed with what has loaded.
func (r *Registry) Await(ctx context.Context, names []string, timeout time.Duration) (int, bool) {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	seen := make(map[string]bool, len(names))
	var chans []chan struct{}
	r.mu.Lock()
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		chans = append(chans, r.futureLocked(n).ch)
	}
	r.mu.Unlock()
	if len(chans) == 0 {
		return 0, true
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ready := 0
	for i, ch := range chans {
		select {
		case <-ch:
			ready++
		case <-ctx.Done():
			for _, rest := range chans[i+1:] {
				select {
				case <-rest:
					ready++
				default:
				}
			}
			metrics.LayerReadyTimeouts.Inc()
			r.log.Warn().Int("ready", ready).Int("expected", len(chans)).Msg("timed out waiting for layers, proceeding")
			return ready, false
		}
	}
	return ready, true
}
