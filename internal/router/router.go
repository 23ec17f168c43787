// Package router implements the client/session layer of spec.md §4.5: it
// tracks which backend each client is currently attached to, routes lookups
// through the media store, and bounds the number of concurrently tracked
// clients.
package router

import (
	"container/list"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/streamhouse/hlsvod/internal/backend"
	"github.com/streamhouse/hlsvod/internal/media"
)

type association struct {
	mediaType string
	path      string
	quality   string
	backend   *backend.Backend
}

// Router holds one association per client id, evicting the oldest when a
// new client arrives and the tracker is full.
type Router struct {
	logger   hclog.Logger
	store    *media.Store
	capacity int

	mu           sync.Mutex
	associations map[string]association
	order        *list.List
	elems        map[string]*list.Element
}

// New constructs a Router over store, bounding the number of tracked
// clients at capacity (the deployment contract in spec.md §4.5 requires
// capacity to stay below the media store's own capacity).
func New(logger hclog.Logger, store *media.Store, capacity int) *Router {
	return &Router{
		logger:       logger.Named("router"),
		store:        store,
		capacity:     capacity,
		associations: make(map[string]association),
		order:        list.New(),
		elems:        make(map[string]*list.Element),
	}
}

// GetBackend resolves the backend for (mediaType, relPath, qualityName) and
// records clientID's association with it, per spec.md §4.5.
func (r *Router) GetBackend(clientID, mediaType, relPath, qualityName string) (*backend.Backend, error) {
	r.mu.Lock()
	if assoc, ok := r.associations[clientID]; ok {
		if assoc.mediaType == mediaType && assoc.path == relPath && assoc.quality == qualityName {
			r.mu.Unlock()
			return assoc.backend, nil
		}
		r.dropLocked(clientID)
		r.mu.Unlock()
		assoc.backend.RemoveClient(clientID)
	} else {
		r.evictIfFullLocked()
		r.mu.Unlock()
	}

	d, err := r.store.Get(media.Key{Type: mediaType, Path: relPath})
	if err != nil {
		return nil, err
	}
	b, err := d.Backend(qualityName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.attachLocked(clientID, association{mediaType: mediaType, path: relPath, quality: qualityName, backend: b})
	r.mu.Unlock()

	return b, nil
}

// RemoveClient implements spec.md §4.5's removeClient: resolve and call the
// backend's RemoveClient, then drop the tracker entry.
func (r *Router) RemoveClient(clientID string) {
	r.mu.Lock()
	assoc, ok := r.associations[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.dropLocked(clientID)
	r.mu.Unlock()

	assoc.backend.RemoveClient(clientID)
}

// evictIfFullLocked evicts the oldest tracked client if the tracker has
// reached capacity. Caller must hold mu.
func (r *Router) evictIfFullLocked() {
	if len(r.associations) < r.capacity {
		return
	}
	front := r.order.Front()
	if front == nil {
		return
	}
	oldestID := front.Value.(string)
	oldAssoc := r.associations[oldestID]
	r.dropLocked(oldestID)
	r.logger.Debug("evicting oldest tracked client", "client", oldestID)
	go oldAssoc.backend.RemoveClient(oldestID)
}

func (r *Router) dropLocked(clientID string) {
	if elem, ok := r.elems[clientID]; ok {
		r.order.Remove(elem)
		delete(r.elems, clientID)
	}
	delete(r.associations, clientID)
}

func (r *Router) attachLocked(clientID string, assoc association) {
	r.associations[clientID] = assoc
	r.elems[clientID] = r.order.PushBack(clientID)
}

// Len reports the number of tracked client associations.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.associations)
}

// BackendInfo identifies one distinct backend currently reachable through a
// tracked client association, for operator reporting.
type BackendInfo struct {
	MediaType string
	Path      string
	Quality   string
	Backend   *backend.Backend
}

// LiveBackends returns one entry per distinct backend currently referenced
// by a tracked client, deduplicated since several clients commonly share
// one backend.
func (r *Router) LiveBackends() []BackendInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[*backend.Backend]bool, len(r.associations))
	out := make([]BackendInfo, 0, len(r.associations))
	for _, assoc := range r.associations {
		if seen[assoc.backend] {
			continue
		}
		seen[assoc.backend] = true
		out = append(out, BackendInfo{
			MediaType: assoc.mediaType,
			Path:      assoc.path,
			Quality:   assoc.quality,
			Backend:   assoc.backend,
		})
	}
	return out
}
