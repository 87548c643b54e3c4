package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lc/hostd/internal/backend"
	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/internal/record"
)

// outcome is what one resolution produced.
type outcome struct {
	host   *record.Host
	prev   *record.Host
	cached bool
}

// ResolveSync returns the ranked record for hostname, or nil when no
// backend found an address.
func (e *Engine) ResolveSync(ctx context.Context, hostname string) *record.Host {
	return e.resolveCounted(ctx, hostname).host
}

// ResolveAsync queues a resolve of hostname. cb is invoked exactly once, by
// a worker, or synchronously when the task cannot be queued, in which case
// the returned error says why.
func (e *Engine) ResolveAsync(hostname string, cb ResolveCallback) error {
	t := resolveTask{taskMeta: newMeta(KindResolveHost, hostname, e.clock.Now()), cb: cb}
	if err := e.submit(t); err != nil {
		e.countFailure()
		return err
	}
	return nil
}

// SpeedCheck queues a re-probe of the registry's record for hostname.
func (e *Engine) SpeedCheck(hostname string, cb SpeedCallback) error {
	return e.submit(speedCheckTask{taskMeta: newMeta(KindSpeedCheck, hostname, e.clock.Now()), cb: cb})
}

// Persist queues a write of the registry's record for hostname to disk.
func (e *Engine) Persist(hostname string, cb PersistCallback) error {
	return e.submit(cacheUpdateTask{taskMeta: newMeta(KindCacheUpdate, hostname, e.clock.Now()), cb: cb})
}

// submit queues t. A rejected task is failed after the submit lock is
// released, so its callback may call Start or Stop.
func (e *Engine) submit(t task) error {
	if err := e.enqueue(t); err != nil {
		t.fail(err)
		return err
	}
	return nil
}

func (e *Engine) enqueue(t task) error {
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()

	if !e.running.Load() {
		return ErrStopped
	}
	if !e.tasks.TryPut(t) {
		m := t.meta()
		log.Warnf("engine: queue full, rejecting %s task for %s", m.kind, m.hostname)
		return ErrQueueFull
	}
	return nil
}

// execute runs one task on a worker.
func (e *Engine) execute(ctx context.Context, t task) {
	m := t.meta()
	log.Debugf("engine: running %s task %s for %s (priority %d, queued %s)",
		m.kind, m.id, m.hostname, m.kind.Priority(), e.clock.Since(m.created))

	switch c := t.(type) {
	case resolveTask:
		out := e.resolveCounted(ctx, c.hostname)
		if c.cb != nil {
			c.cb(out.host, out.host != nil, out.prev)
		}
	case speedCheckTask:
		h, err := e.speedCheck(ctx, c.hostname)
		if err != nil {
			log.Debugf("engine: speed check for %s: %v", c.hostname, err)
		}
		if c.cb != nil {
			c.cb(h, err == nil)
		}
	case cacheUpdateTask:
		err := e.persist(c.hostname)
		if err != nil {
			log.Warnf("engine: persisting %s: %v", c.hostname, err)
		}
		if c.cb != nil {
			c.cb(err)
		}
	default:
		log.Warnf("engine: received unknown task type: %T", t)
	}
}

func (e *Engine) countFailure() {
	e.total.Inc()
	e.failed.Inc()
}

// resolveCounted resolves hostname and updates the request counters: total
// always, then exactly one of success or failed, plus cached on a hit.
func (e *Engine) resolveCounted(ctx context.Context, hostname string) outcome {
	e.total.Inc()
	out := e.resolve(ctx, hostname)
	if out.host == nil {
		e.failed.Inc()
		return out
	}
	e.success.Inc()
	if out.cached {
		e.cached.Inc()
	}
	return out
}

func (e *Engine) resolve(ctx context.Context, hostname string) outcome {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return outcome{}
	}

	if h, ok := e.registry.Get(hostname); ok && h.HasUsableAddress() && e.registry.Fresh(h, e.TTL()) {
		log.Debugf("engine: registry hit for %s", hostname)
		return outcome{host: h, cached: true}
	}

	// Concurrent misses for one hostname share a single race. The race
	// outlives any one caller so its answer is always published; each
	// caller only waits as long as its own context allows.
	shared := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(strings.ToLower(hostname), func() (any, error) {
		return e.raceAndPublish(shared, hostname), nil
	})
	select {
	case res := <-ch:
		out, _ := res.Val.(outcome)
		return out
	case <-ctx.Done():
		log.Debugf("engine: gave up waiting for %s: %v", hostname, ctx.Err())
		return outcome{}
	}
}

// raceAndPublish races the backends, ranks the winner and publishes it.
func (e *Engine) raceAndPublish(ctx context.Context, hostname string) outcome {
	winner := e.race(ctx, hostname)
	if winner == nil {
		log.Debugf("engine: no backend resolved %s", hostname)
		return outcome{}
	}

	var ranked *record.Host
	if e.prober != nil {
		ranked = e.prober.CheckAll(ctx, winner)
	} else {
		ranked = winner.Clone()
		ranked.Sort()
	}
	if ranked.Origin != record.OriginLocal {
		ranked.UpdateTime = e.clock.Now().Unix()
	}

	prev := e.registry.Update(ranked)
	if ranked.Origin != record.OriginLocal {
		for _, b := range e.Backends() {
			if l, ok := b.(backend.Learner); ok {
				l.Learn(ranked)
			}
		}
	}
	log.Debugf("engine: resolved %s via %s (%d addresses)", hostname, ranked.Origin, len(ranked.Addresses))
	return outcome{host: ranked, prev: prev}
}

// race calls every backend concurrently and returns the first record with
// at least one address. Losing calls are left to finish on their own and
// their results are discarded.
func (e *Engine) race(ctx context.Context, hostname string) *record.Host {
	backends := e.Backends()
	if len(backends) == 0 {
		return nil
	}

	// Losers must not be cancelled when the caller returns.
	callCtx := context.WithoutCancel(ctx)
	results := make(chan *record.Host, len(backends))
	for _, b := range backends {
		go func() {
			if err := e.sem.Acquire(callCtx, 1); err != nil {
				results <- nil
				return
			}
			defer e.sem.Release(1)
			results <- e.call(callCtx, b, hostname)
		}()
	}

	for range backends {
		select {
		case h := <-results:
			if h != nil && len(h.Addresses) > 0 {
				return h
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// call isolates one backend: a panic is logged and treated as no answer.
func (e *Engine) call(ctx context.Context, b backend.Backend, hostname string) (h *record.Host) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("engine: %s backend panicked resolving %s: %v", b.Origin(), hostname, r)
			h = nil
		}
	}()
	start := time.Now()
	h = b.Resolve(ctx, hostname)
	log.Debugf("engine: %s backend answered %s in %s", b.Origin(), hostname, time.Since(start))
	return h
}

// speedCheck re-probes the registry's record and publishes the re-ranked copy.
func (e *Engine) speedCheck(ctx context.Context, hostname string) (*record.Host, error) {
	h, ok := e.registry.Get(hostname)
	if !ok {
		return nil, fmt.Errorf("%s: %w", hostname, ErrNotFound)
	}
	var ranked *record.Host
	if e.prober != nil {
		ranked = e.prober.CheckAll(ctx, h)
	} else {
		ranked = h.Clone()
		ranked.Sort()
	}
	e.registry.Update(ranked)
	return ranked, nil
}

func (e *Engine) persist(hostname string) error {
	if _, ok := e.registry.Get(hostname); !ok {
		return fmt.Errorf("%s: %w", hostname, ErrNotFound)
	}
	return e.registry.Persist(hostname)
}
