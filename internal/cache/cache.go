// Package cache holds finished response payloads keyed by their full
// output identity. Payload entries carry the wall-clock cost of the miss
// that produced them and their byte size; eviction prefers dropping cheap
// bytes first. Concurrent misses on one key are collapsed so the payload
// is computed once. Failed computations are never stored. The cache is
// process-local.
package cache

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached response payload.
type Entry struct {
	Payload   []byte
	MediaType string

	// Cost is the wall-clock time of the computation that produced the
	// payload; Size its byte length. GetOrCompute fills both when left
	// zero.
	Cost time.Duration
	Size int
}

// Config sizes the two tiers.
type Config struct {
	// MaxPayloadBytes bounds the payload tier. Zero means 256 MiB.
	MaxPayloadBytes int64
	// MetadataEntries bounds the metadata document tier. Zero means 256.
	MetadataEntries int
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	PayloadBytes   int64
	PayloadEntries int
	DocEntries     int
}

// Manager is the process-local response cache.
type Manager struct {
	mu    sync.Mutex
	store *costStore
	docs  *lru.Cache[string, []byte]

	flight singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewManager creates a cache with the configured bounds.
func NewManager(cfg Config) (*Manager, error) {
	maxBytes := cfg.MaxPayloadBytes
	if maxBytes == 0 {
		maxBytes = 256 << 20
	}
	if maxBytes < 0 {
		return nil, errors.New("cache: negative payload budget")
	}
	docEntries := cfg.MetadataEntries
	if docEntries == 0 {
		docEntries = 256
	}
	docs, err := lru.New[string, []byte](docEntries)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store: newCostStore(maxBytes),
		docs:  docs,
	}, nil
}

// Get returns the entry stored under key, if any, and rewards it against
// eviction.
func (m *Manager) Get(key string) (*Entry, bool) {
	m.mu.Lock()
	e, ok := m.store.get(key)
	m.mu.Unlock()
	if ok {
		m.hits.Add(1)
		return e, true
	}
	m.misses.Add(1)
	return nil, false
}

// Put stores an entry, evicting lowest-scored entries while the tier is
// over budget. Entries larger than the whole budget are not stored.
func (m *Manager) Put(key string, e *Entry) {
	if e == nil {
		return
	}
	if e.Size == 0 {
		e.Size = len(e.Payload)
	}
	m.mu.Lock()
	evicted := m.store.put(key, e)
	m.mu.Unlock()
	if evicted > 0 {
		m.evictions.Add(uint64(evicted))
	}
}

// GetOrCompute returns the cached entry for key, or runs compute to
// produce, time and store it. Concurrent callers of one key share a
// single computation. The hit result reports whether the entry came from
// the cache. A compute error is returned to every waiting caller and
// nothing is stored.
func (m *Manager) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (*Entry, error)) (*Entry, bool, error) {
	if e, ok := m.Get(key); ok {
		return e, true, nil
	}
	v, err, _ := m.flight.Do(key, func() (interface{}, error) {
		// A racing caller may have stored the entry while we queued.
		m.mu.Lock()
		e, ok := m.store.get(key)
		m.mu.Unlock()
		if ok {
			return e, nil
		}
		start := time.Now()
		e, cerr := compute(ctx)
		if cerr != nil {
			return nil, cerr
		}
		if e.Cost == 0 {
			e.Cost = time.Since(start)
		}
		m.Put(key, e)
		return e, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Entry), false, nil
}

// GetDoc returns a cached metadata document.
func (m *Manager) GetDoc(key string) ([]byte, bool) {
	doc, ok := m.docs.Get(key)
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return doc, ok
}

// PutDoc stores a metadata document in the LRU tier.
func (m *Manager) PutDoc(key string, doc []byte) {
	m.docs.Add(key, doc)
}

// Stats snapshots the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	bytes := m.store.curBytes
	entries := len(m.store.items)
	m.mu.Unlock()
	return Stats{
		Hits:           m.hits.Load(),
		Misses:         m.misses.Load(),
		Evictions:      m.evictions.Load(),
		PayloadBytes:   bytes,
		PayloadEntries: entries,
		DocEntries:     m.docs.Len(),
	}
}

// Purge drops everything from both tiers.
func (m *Manager) Purge() {
	m.mu.Lock()
	m.store = newCostStore(m.store.maxBytes)
	m.mu.Unlock()
	m.docs.Purge()
}

// costStore is the payload tier: a score-ordered heap under a byte
// budget. An entry's base score is its compute cost per byte, so when
// space is needed the entries that are cheapest to regenerate relative to
// the room they occupy go first. Every hit adds the base score again,
// keeping hot entries resident. Callers hold the Manager lock.
type costStore struct {
	maxBytes int64
	curBytes int64
	items    map[string]*storeItem
	h        storeHeap
	seq      uint64
}

type storeItem struct {
	key   string
	entry *Entry
	score float64
	seq   uint64
	index int
}

func newCostStore(maxBytes int64) *costStore {
	return &costStore{
		maxBytes: maxBytes,
		items:    make(map[string]*storeItem),
	}
}

// baseScore relates regeneration cost to occupancy. The microsecond scale
// keeps typical render costs well above the float noise floor.
func baseScore(e *Entry) float64 {
	size := e.Size
	if size < 1 {
		size = 1
	}
	cost := float64(e.Cost.Microseconds())
	if cost < 1 {
		cost = 1
	}
	return cost / float64(size)
}

func (s *costStore) get(key string) (*Entry, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	it.score += baseScore(it.entry)
	heap.Fix(&s.h, it.index)
	return it.entry, true
}

func (s *costStore) put(key string, e *Entry) (evicted int) {
	if int64(e.Size) > s.maxBytes {
		return 0
	}
	if old, ok := s.items[key]; ok {
		s.curBytes += int64(e.Size) - int64(old.entry.Size)
		old.entry = e
		old.score = baseScore(e)
		heap.Fix(&s.h, old.index)
	} else {
		s.seq++
		it := &storeItem{key: key, entry: e, score: baseScore(e), seq: s.seq}
		s.items[key] = it
		heap.Push(&s.h, it)
		s.curBytes += int64(e.Size)
	}
	for s.curBytes > s.maxBytes && s.h.Len() > 0 {
		it := heap.Pop(&s.h).(*storeItem)
		delete(s.items, it.key)
		s.curBytes -= int64(it.entry.Size)
		evicted++
	}
	return evicted
}

// storeHeap orders items lowest score first; ties evict oldest first.
type storeHeap []*storeItem

func (h storeHeap) Len() int { return len(h) }

func (h storeHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h storeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *storeHeap) Push(x interface{}) {
	it := x.(*storeItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *storeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
