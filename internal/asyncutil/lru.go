package asyncutil

import (
	"container/list"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// future is a one-shot result slot, the async-map equivalent of a promise:
// exactly one of construct/destruct sets it, any number of callers may wait.
type future[V any] struct {
	done  chan struct{}
	value V
	err   error
}

func newFuture[V any]() *future[V] {
	return &future[V]{done: make(chan struct{})}
}

func (f *future[V]) complete(value V, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

func (f *future[V]) wait() (V, error) {
	<-f.done
	return f.value, f.err
}

// AsyncLRU is a bounded map whose entries are constructed and destructed
// asynchronously, with the serialisation guarantee that a key's constructor
// never runs while that key's destructor is still in flight — essential when
// the destructor tears down state (an output directory, a file handle) that
// the next constructor for the same key would otherwise race to recreate.
type AsyncLRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = least recently used, back = most recently used
	elems    map[K]*list.Element
	cache    map[K]*future[V]
	destruct map[K]*future[struct{}]

	construct  func(key K) (V, error)
	destructFn func(key K, value V)
	logger     hclog.Logger
}

// New creates an AsyncLRU with the given capacity and construct/destruct
// callbacks. capacity must be positive.
func New[K comparable, V any](capacity int, construct func(K) (V, error), destruct func(K, V), logger hclog.Logger) *AsyncLRU[K, V] {
	return &AsyncLRU[K, V]{
		capacity:   capacity,
		order:      list.New(),
		elems:      make(map[K]*list.Element),
		cache:      make(map[K]*future[V]),
		destruct:   make(map[K]*future[struct{}]),
		construct:  construct,
		destructFn: destruct,
		logger:     logger,
	}
}

// Get returns the value for key, constructing it if necessary, and blocks
// until construction completes. Re-fetching an already-cached key refreshes
// its recency without re-running the constructor.
func (l *AsyncLRU[K, V]) Get(key K) (V, error) {
	l.mu.Lock()
	if fut, ok := l.cache[key]; ok {
		l.touch(key)
		l.mu.Unlock()
		return fut.wait()
	}

	var waitForDestruct *future[struct{}]
	if d, ok := l.destruct[key]; ok {
		waitForDestruct = d
	}

	fut := newFuture[V]()
	l.cache[key] = fut
	l.elems[key] = l.order.PushBack(key)

	var evictKey K
	var shouldEvict bool
	if l.order.Len() > l.capacity {
		front := l.order.Front()
		evictKey = front.Value.(K)
		shouldEvict = true
	}
	l.mu.Unlock()

	if shouldEvict {
		if l.logger != nil {
			l.logger.Debug("evicting lru entry over capacity", "key", evictKey, "capacity", l.capacity)
		}
		// Eviction is fire-and-forget: the spec calls delete(headKey) without
		// awaiting it from within get().
		go l.Delete(evictKey)
	}

	go func() {
		if waitForDestruct != nil {
			// Both branches of the prior destruction — success or failure —
			// must let this constructor proceed; its outcome is irrelevant
			// to whether the key is safe to rebuild.
			waitForDestruct.wait()
		}
		v, err := l.construct(key)
		if err != nil {
			if l.logger != nil {
				l.logger.Warn("lru construct failed", "key", key, "error", err)
			}
			l.mu.Lock()
			if l.cache[key] == fut {
				delete(l.cache, key)
				if elem, ok := l.elems[key]; ok {
					l.order.Remove(elem)
					delete(l.elems, key)
				}
			}
			l.mu.Unlock()
		}
		fut.complete(v, err)
	}()

	return fut.wait()
}

// touch moves key to the back (most recently used) of the order list.
// Caller must hold l.mu.
func (l *AsyncLRU[K, V]) touch(key K) {
	if elem, ok := l.elems[key]; ok {
		l.order.MoveToBack(elem)
	}
}

// Delete removes key from the cache and begins asynchronous destruction,
// returning a channel that is closed when destruction completes. If the key
// is not in the cache but a destruction is already in flight, that
// destruction's channel is returned instead. If neither applies, Delete is a
// no-op and returns a channel that is already closed.
func (l *AsyncLRU[K, V]) Delete(key K) <-chan struct{} {
	l.mu.Lock()
	fut, inCache := l.cache[key]
	if !inCache {
		if existing, ok := l.destruct[key]; ok {
			l.mu.Unlock()
			return existing.done
		}
		l.mu.Unlock()
		closed := make(chan struct{})
		close(closed)
		return closed
	}

	delete(l.cache, key)
	if elem, ok := l.elems[key]; ok {
		l.order.Remove(elem)
		delete(l.elems, key)
	}

	d := newFuture[struct{}]()
	l.destruct[key] = d
	l.mu.Unlock()

	go func() {
		value, err := fut.wait()
		if err == nil {
			l.destructFn(key, value)
		}
		l.mu.Lock()
		delete(l.destruct, key)
		l.mu.Unlock()
		d.complete(struct{}{}, nil)
	}()

	return d.done
}

// Len returns the number of entries currently cached (constructed or under
// construction), not counting entries mid-destruction.
func (l *AsyncLRU[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}
