package catalog

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/TFMV/polyroute/pkg/errors"
)

// ChangeListener is notified after a refresh published a snapshot in which
// the placement metadata of the given entities changed.
type ChangeListener interface {
	OnCatalogChange(changed []int64)
}

// ChangeListenerFunc adapts a function to ChangeListener.
type ChangeListenerFunc func(changed []int64)

// OnCatalogChange calls f.
func (f ChangeListenerFunc) OnCatalogChange(changed []int64) {
	f(changed)
}

// View holds the current snapshot. Readers never block; refreshes are
// serialized and swap the snapshot pointer atomically, so a reader sees
// either the old or the new snapshot.
type View struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners []ChangeListener
}

// NewView creates a view publishing the initial snapshot.
func NewView(initial *Snapshot) *View {
	v := &View{}
	v.current.Store(initial)
	return v
}

// Current returns the snapshot to use for one routing operation.
func (v *View) Current() *Snapshot {
	return v.current.Load()
}

// Subscribe registers a listener for subsequent refreshes.
func (v *View) Subscribe(l ChangeListener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, l)
}

// Refresh publishes next and returns the ids of the entities whose placement
// metadata changed. Listeners run after the swap, before Refresh returns.
// A snapshot whose version is not newer than the current one is rejected.
func (v *View) Refresh(next *Snapshot) ([]int64, error) {
	if next == nil {
		return nil, errors.New(errors.CodeInvalidRequest, "nil catalog snapshot")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	prev := v.current.Load()
	var changed []int64
	if prev != nil {
		if next.version <= prev.version {
			return nil, errors.Newf(errors.CodeInvalidRequest,
				"catalog snapshot version %d is not newer than %d", next.version, prev.version)
		}
		next, changed = next.rebase(prev)
	} else {
		for id := range next.entities {
			changed = append(changed, id)
		}
		slices.Sort(changed)
	}
	v.current.Store(next)

	if len(changed) > 0 {
		for _, l := range v.listeners {
			l.OnCatalogChange(changed)
		}
	}
	return changed, nil
}
