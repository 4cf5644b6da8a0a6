// Package registry implements the shared session registry (§4.6): the
// server core records every live session here, and the manager endpoint's
// CONNECTIONS command reads the same store, so the two never drift.
package registry

import (
	"sync"

	ftpserver "github.com/clockwork-project/cogwheelftp"
)

// Registry is a concurrency-safe, ordered-by-arrival store of
// ftpserver.SessionInfo, satisfying ftpserver.Registry.
type Registry struct {
	mu    sync.Mutex
	byID  map[uint32]ftpserver.SessionInfo
	order []uint32
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[uint32]ftpserver.SessionInfo)}
}

func (r *Registry) Add(info ftpserver.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[info.ID]; !exists {
		r.order = append(r.order, info.ID)
	}

	r.byID[info.ID] = info
}

func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byID, id)

	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)

			break
		}
	}
}

func (r *Registry) Update(id uint32, fn func(*ftpserver.SessionInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.byID[id]
	if !ok {
		return
	}

	fn(&info)
	r.byID[id] = info
}

// Snapshot returns every live session, oldest first, for CONNECTIONS.
func (r *Registry) Snapshot() []ftpserver.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ftpserver.SessionInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}

	return out
}

// Count returns the number of live sessions without allocating a snapshot.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byID)
}
