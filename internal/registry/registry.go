// Package registry is the authoritative in-memory map from hostname to its
// ranked host record, written through to the two-tier cache.
//
// Records stored in the registry are published: they are never mutated in
// place. Callers that want to change a record clone it and call Update with
// the clone.
package registry

import (
	"container/heap"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/lc/hostd/internal/cache"
	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/internal/record"
)

// Store is the persistence tier behind the registry.
type Store interface {
	Save(key, value string) error
	Load(key string) (string, bool)
	Remove(key string) error
	Clear() error
	Len() int
}

var _ Store = (*cache.Cache)(nil)

// Stats summarises the registry contents.
type Stats struct {
	Total   int   `json:"total"`
	Usable  int   `json:"usable"`
	Stale   int   `json:"stale"`
	Oldest  int64 `json:"oldest"` // epoch seconds, 0 when empty
	Newest  int64 `json:"newest"`
	Pending int   `json:"pending"` // persists not yet written
	Cached  int   `json:"cached"`  // entries in the store's memory tier
}

// Opt configures a Registry.
type Opt func(*Registry)

// WithClock sets the clock used to age records.
func WithClock(c clock.Clock) Opt {
	return func(r *Registry) {
		r.clock = c
	}
}

// Registry maps hostnames to published host records.
type Registry struct {
	store Store
	clock clock.Clock

	mu     sync.Mutex // protects fields below
	byName map[string]*entry
	ageH   ageHeap

	persistMu sync.Mutex // serialises writes to the store
	pending   sync.WaitGroup
	inflight  int
}

// New creates a registry persisting into store. A nil store keeps the
// registry memory-only.
func New(store Store, opts ...Opt) *Registry {
	r := &Registry{
		store:  store,
		clock:  clock.New(),
		byName: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func key(hostname string) string {
	return strings.ToLower(strings.TrimSuffix(hostname, "."))
}

// Get returns the record for hostname, loading it from the store on a
// memory miss.
func (r *Registry) Get(hostname string) (*record.Host, bool) {
	k := key(hostname)

	r.mu.Lock()
	if e, ok := r.byName[k]; ok {
		h := e.host
		r.mu.Unlock()
		return h, true
	}
	r.mu.Unlock()

	if r.store == nil {
		return nil, false
	}
	raw, ok := r.store.Load(k)
	if !ok {
		return nil, false
	}
	h, err := record.Unmarshal([]byte(raw))
	if err != nil {
		log.Warnf("registry: discarding unreadable record for %s: %v", k, err)
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A concurrent Update wins over the disk copy.
	if e, ok := r.byName[k]; ok {
		return e.host, true
	}
	r.insertLocked(k, h)
	return h, true
}

// Update publishes h as the record for its hostname and persists it in the
// background. It returns the record it replaced, if any.
func (r *Registry) Update(h *record.Host) *record.Host {
	if h == nil || h.Hostname == "" {
		return nil
	}
	k := key(h.Hostname)

	r.mu.Lock()
	var prev *record.Host
	if e, ok := r.byName[k]; ok {
		prev = e.host
		e.host = h
		heap.Fix(&r.ageH, e.heapIdx)
	} else {
		r.insertLocked(k, h)
	}
	r.inflight++
	r.mu.Unlock()

	if r.store == nil {
		r.done()
		return prev
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		defer r.done()
		if err := r.persist(k); err != nil {
			log.Warnf("registry: %v", err)
		}
	}()
	return prev
}

func (r *Registry) done() {
	r.mu.Lock()
	r.inflight--
	r.mu.Unlock()
}

// Persist synchronously writes the current record for hostname. It is a
// no-op for unknown hostnames and memory-only registries.
func (r *Registry) Persist(hostname string) error {
	if r.store == nil {
		return nil
	}
	return r.persist(key(hostname))
}

// persist writes the current record for k. A record removed in the
// meantime is not written back.
func (r *Registry) persist(k string) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	e, ok := r.byName[k]
	var h *record.Host
	if ok {
		h = e.host
	}
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	return r.save(k, h)
}

func (r *Registry) save(k string, h *record.Host) error {
	data, err := h.Marshal()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", k, err)
	}
	if err := r.store.Save(k, string(data)); err != nil {
		return fmt.Errorf("persisting %s: %w", k, err)
	}
	return nil
}

// Remove drops hostname from memory and the store.
func (r *Registry) Remove(hostname string) (*record.Host, bool) {
	k := key(hostname)

	r.mu.Lock()
	e, ok := r.byName[k]
	if ok {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Remove(k); err != nil {
			log.Warnf("registry: %v", err)
		}
	}
	if !ok {
		return nil, false
	}
	return e.host, true
}

// Clear drops every record from memory and the store.
func (r *Registry) Clear() error {
	r.mu.Lock()
	n := len(r.byName)
	r.byName = make(map[string]*entry)
	r.ageH = r.ageH[:0]
	r.mu.Unlock()

	log.Debugf("registry: cleared %d records", n)
	if r.store == nil {
		return nil
	}
	// Let queued writes land first so they cannot resurrect cleared files.
	r.Wait()
	return r.store.Clear()
}

// Expire removes every record whose age exceeds ttl from memory and the
// store, and returns the removed records.
func (r *Registry) Expire(ttl time.Duration) []*record.Host {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []*record.Host
	for r.ageH.Len() > 0 {
		if r.ageH[0].host.Age(now) <= ttl {
			break
		}
		e, ok := heap.Pop(&r.ageH).(*entry)
		if !ok {
			continue
		}
		delete(r.byName, e.key)
		expired = append(expired, e.host)
	}
	r.mu.Unlock()

	if r.store != nil {
		for _, h := range expired {
			if err := r.store.Remove(key(h.Hostname)); err != nil {
				log.Warnf("registry: %v", err)
			}
		}
	}
	if len(expired) > 0 {
		log.Debugf("registry: expired %d records older than %s", len(expired), ttl)
	}
	return expired
}

// Fresh reports whether h is younger than ttl. A non-positive ttl never
// expires.
func (r *Registry) Fresh(h *record.Host, ttl time.Duration) bool {
	if h == nil {
		return false
	}
	return ttl <= 0 || h.Age(r.clock.Now()) <= ttl
}

// Flush synchronously writes every record to the store.
func (r *Registry) Flush() error {
	if r.store == nil {
		return nil
	}
	r.Wait()

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	var errs error
	for k, h := range r.snapshot() {
		errs = multierr.Append(errs, r.save(k, h))
	}
	return errs
}

// All returns every record currently in memory.
func (r *Registry) All() []*record.Host {
	snap := r.snapshot()
	out := make([]*record.Host, 0, len(snap))
	for _, h := range snap {
		out = append(out, h)
	}
	return out
}

func (r *Registry) snapshot() map[string]*record.Host {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*record.Host, len(r.byName))
	for k, e := range r.byName {
		out[k] = e.host
	}
	return out
}

// Len returns the number of records in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// Stats reports counts over the in-memory records. Records older than ttl
// count as stale.
func (r *Registry) Stats(ttl time.Duration) Stats {
	now := r.clock.Now()
	cached := 0
	if r.store != nil {
		cached = r.store.Len()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Total: len(r.byName), Pending: r.inflight, Cached: cached}
	for _, e := range r.byName {
		h := e.host
		if h.HasUsableAddress() {
			st.Usable++
		}
		if ttl > 0 && h.Age(now) > ttl {
			st.Stale++
		}
		if st.Oldest == 0 || h.UpdateTime < st.Oldest {
			st.Oldest = h.UpdateTime
		}
		if h.UpdateTime > st.Newest {
			st.Newest = h.UpdateTime
		}
	}
	return st
}

// Wait blocks until every background persist has finished.
func (r *Registry) Wait() {
	r.pending.Wait()
}

// Close waits for pending writes.
func (r *Registry) Close() error {
	r.Wait()
	return nil
}

func (r *Registry) insertLocked(k string, h *record.Host) {
	e := &entry{key: k, host: h}
	r.byName[k] = e
	heap.Push(&r.ageH, e)
}

func (r *Registry) removeLocked(e *entry) {
	delete(r.byName, e.key)
	heap.Remove(&r.ageH, e.heapIdx)
}

type entry struct {
	key  string
	host *record.Host
	// index inside ageHeap for O(log n) removal/update.
	heapIdx int
}

// ageHeap is a min-heap ordered by the record update time, oldest first.
// It is not thread-safe; all access happens under Registry.mu.
type ageHeap []*entry

var _ heap.Interface = (*ageHeap)(nil)

func (h ageHeap) Len() int { return len(h) }

func (h ageHeap) Less(i, j int) bool {
	return h[i].host.UpdateTime < h[j].host.UpdateTime
}

func (h ageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}

func (h *ageHeap) Push(x any) {
	e, ok := x.(*entry)
	if !ok {
		return
	}
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *ageHeap) Pop() any {
	old := *h
	n := len(old)
	if n == 0 {
		return nil
	}
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}
