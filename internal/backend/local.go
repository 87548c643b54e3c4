package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lc/hostd/internal/record"
)

// DefaultLocalTTL is how long the local backend serves a learned record.
const DefaultLocalTTL = time.Hour

// Local answers from records it has learned. It never does I/O, so racing
// it alongside the network backends makes a warm entry win immediately.
type Local struct {
	clock clock.Clock

	mu      sync.RWMutex // protects fields below
	ttl     time.Duration
	entries map[string]*record.Host
}

// NewLocal returns an empty local backend. A nil clock uses the wall clock.
func NewLocal(ttl time.Duration, clk clock.Clock) *Local {
	if ttl <= 0 {
		ttl = DefaultLocalTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Local{clock: clk, ttl: ttl, entries: make(map[string]*record.Host)}
}

func localKey(hostname string) string {
	return strings.ToLower(strings.TrimSuffix(hostname, "."))
}

// Origin implements Backend.
func (l *Local) Origin() record.Origin { return record.OriginLocal }

// Resolve implements Backend. Entries older than the TTL are dropped.
func (l *Local) Resolve(_ context.Context, hostname string) *record.Host {
	k := localKey(hostname)

	l.mu.RLock()
	h, ok := l.entries[k]
	ttl := l.ttl
	l.mu.RUnlock()
	if !ok {
		return nil
	}

	if h.Age(l.clock.Now()) > ttl {
		l.mu.Lock()
		if cur, ok := l.entries[k]; ok && cur == h {
			delete(l.entries, k)
		}
		l.mu.Unlock()
		return nil
	}

	out := h.Clone()
	out.Origin = record.OriginLocal
	return usable(out)
}

// Learn implements Learner.
func (l *Local) Learn(h *record.Host) {
	if h == nil || h.Hostname == "" || len(h.Addresses) == 0 {
		return
	}
	l.mu.Lock()
	l.entries[localKey(h.Hostname)] = h
	l.mu.Unlock()
}

// Forget drops hostname.
func (l *Local) Forget(hostname string) {
	l.mu.Lock()
	delete(l.entries, localKey(hostname))
	l.mu.Unlock()
}

// Clear implements Clearer.
func (l *Local) Clear() {
	l.mu.Lock()
	l.entries = make(map[string]*record.Host)
	l.mu.Unlock()
}

// SetTTL changes the TTL applied from the next Resolve on.
func (l *Local) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultLocalTTL
	}
	l.mu.Lock()
	l.ttl = ttl
	l.mu.Unlock()
}

// TTL returns the current TTL.
func (l *Local) TTL() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ttl
}

// Len returns the number of learned records, stale ones included.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
