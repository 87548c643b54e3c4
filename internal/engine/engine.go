// Package engine orchestrates hostname resolution for hostd.
//
// A resolve first consults the host registry. On a miss every registered
// backend is raced and the first non-empty answer wins; its addresses are
// probed, ranked, published to the registry and taught to backends that
// keep their own copy. Asynchronous work goes through one bounded queue
// served by a fixed pool of workers.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/lc/hostd/internal/backend"
	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/internal/queue"
	"github.com/lc/hostd/internal/record"
	"github.com/lc/hostd/internal/registry"
	"github.com/lc/hostd/internal/transport"
)

const (
	// DefaultWorkers is the worker pool size.
	DefaultWorkers = 4
	// MaxWorkers caps the worker pool size.
	MaxWorkers = 16
	// DefaultMaxInFlight bounds concurrent backend calls across all races.
	DefaultMaxInFlight = 32
	// DefaultTTL is how long a registry record is served without re-resolving.
	DefaultTTL = time.Hour
	// DefaultSweepInterval spaces registry expiry and pool cleanup passes.
	DefaultSweepInterval = time.Minute

	// How long a worker waits on the queue before re-checking the running flag.
	_pollInterval = 250 * time.Millisecond
)

var (
	// ErrStopped is returned when work is submitted to a stopped engine.
	ErrStopped = errors.New("engine not running")
	// ErrQueueFull is returned when the task queue has no room.
	ErrQueueFull = errors.New("task queue full")
	// ErrNotFound is reported for tasks about hostnames the registry lacks.
	ErrNotFound = errors.New("hostname not in registry")
)

// Prober measures and ranks the addresses of a record, returning a copy.
type Prober interface {
	CheckAll(ctx context.Context, h *record.Host) *record.Host
}

// Stats is a snapshot of engine activity.
type Stats struct {
	Total      int64               `json:"total"`
	Success    int64               `json:"success"`
	Failed     int64               `json:"failed"`
	Cached     int64               `json:"cached"`
	QueueDepth int                 `json:"queue_depth"`
	Workers    int                 `json:"workers"`
	Running    bool                `json:"running"`
	Registry   registry.Stats      `json:"registry"`
	Pool       transport.PoolStats `json:"pool"`
}

// Opt configures an Engine.
type Opt func(*Engine)

// WithWorkers sets the worker pool size, clamped to 1..MaxWorkers.
func WithWorkers(n int) Opt {
	return func(e *Engine) { e.workerCount.Store(int32(clampWorkers(n))) }
}

// WithQueueSize sets the task queue capacity.
func WithQueueSize(n int) Opt {
	return func(e *Engine) { e.queueSize = n }
}

// WithMaxInFlight bounds concurrent backend calls.
func WithMaxInFlight(n int) Opt {
	return func(e *Engine) { e.maxInFlight = n }
}

// WithTTL sets the registry freshness window.
func WithTTL(d time.Duration) Opt {
	return func(e *Engine) { e.ttl.Store(d) }
}

// WithSweepInterval sets how often expired records and idle handles are dropped.
func WithSweepInterval(d time.Duration) Opt {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithClock sets the clock driving the sweeper.
func WithClock(c clock.Clock) Opt {
	return func(e *Engine) { e.clock = c }
}

// WithPool hands the engine the DoH connection pool to clean up.
func WithPool(p *transport.Pool) Opt {
	return func(e *Engine) { e.pool = p }
}

// WithBackends sets the initial backends, raced in registration order.
func WithBackends(bs ...backend.Backend) Opt {
	return func(e *Engine) { e.backends = bs }
}

// Engine resolves hostnames by racing backends.
type Engine struct {
	registry *registry.Registry
	prober   Prober
	pool     *transport.Pool
	clock    clock.Clock

	queueSize     int
	maxInFlight   int
	sweepInterval time.Duration
	ttl           atomic.Duration
	workerCount   atomic.Int32

	backendsMu sync.RWMutex
	backends   []backend.Backend

	sem    *semaphore.Weighted
	flight singleflight.Group
	tasks  *queue.Queue[task]

	lifecycle sync.Mutex   // serialises Start and Stop
	submitMu  sync.RWMutex // orders enqueues against the running flag
	running   atomic.Bool
	active    atomic.Int32 // workers of the current run
	wg        sync.WaitGroup
	cancelFn  context.CancelFunc

	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
	cached  atomic.Int64
}

// New creates a stopped engine over reg. A nil prober only sorts winners.
func New(reg *registry.Registry, prober Prober, opts ...Opt) *Engine {
	e := &Engine{
		registry:      reg,
		prober:        prober,
		clock:         clock.New(),
		queueSize:     queue.DefaultSize,
		maxInFlight:   DefaultMaxInFlight,
		sweepInterval: DefaultSweepInterval,
	}
	e.ttl.Store(DefaultTTL)
	e.workerCount.Store(DefaultWorkers)
	for _, o := range opts {
		o(e)
	}
	if e.maxInFlight <= 0 {
		e.maxInFlight = DefaultMaxInFlight
	}
	e.sem = semaphore.NewWeighted(int64(e.maxInFlight))
	e.tasks = queue.New[task](e.queueSize)
	return e
}

func clampWorkers(n int) int {
	switch {
	case n < 1:
		return DefaultWorkers
	case n > MaxWorkers:
		return MaxWorkers
	default:
		return n
	}
}

// Start spawns the workers and the sweeper. Calling Start on a running
// engine does nothing.
func (e *Engine) Start() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.running.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelFn = cancel
	e.submitMu.Lock()
	e.running.Store(true)
	e.submitMu.Unlock()

	n := int(e.workerCount.Load())
	e.active.Store(int32(n))
	e.wg.Add(n + 1)
	for i := 0; i < n; i++ {
		go e.runWorker(ctx, i)
	}
	go e.runTicker(ctx)

	log.Infof("engine: started with %d workers", n)
}

// Stop flips the running flag, wakes every worker with a sentinel, joins
// them and fails whatever is still queued. Calling Stop on a stopped engine
// does nothing.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if !e.running.Load() {
		return
	}
	// No task can be enqueued once the flag is down, so the drain below
	// sees everything that was accepted.
	e.submitMu.Lock()
	e.running.Store(false)
	e.submitMu.Unlock()
	e.cancelFn()

	for i := 0; i < int(e.active.Load()); i++ {
		// Workers also exit on their next poll, so a full queue is fine.
		e.tasks.TryPut(nil)
	}
	e.wg.Wait()
	e.active.Store(0)

	dropped := 0
	for _, t := range e.tasks.Drain() {
		if t == nil {
			continue
		}
		if _, ok := t.(resolveTask); ok {
			e.countFailure()
		}
		t.fail(ErrStopped)
		dropped++
	}
	log.Infof("engine: stopped, %d queued tasks failed", dropped)
}

// Running reports whether workers are active.
func (e *Engine) Running() bool { return e.running.Load() }

// Close stops the engine and waits for pending registry writes.
func (e *Engine) Close() error {
	e.Stop()
	return e.registry.Close()
}

// SetWorkers changes the worker count used by the next Start.
func (e *Engine) SetWorkers(n int) {
	e.workerCount.Store(int32(clampWorkers(n)))
}

// SetTTL changes the registry freshness window immediately.
func (e *Engine) SetTTL(d time.Duration) { e.ttl.Store(d) }

// TTL returns the registry freshness window.
func (e *Engine) TTL() time.Duration { return e.ttl.Load() }

// SetBackends replaces the raced backends. Races already running keep the
// set they started with.
func (e *Engine) SetBackends(bs ...backend.Backend) {
	cp := append([]backend.Backend(nil), bs...)
	e.backendsMu.Lock()
	e.backends = cp
	e.backendsMu.Unlock()
}

// Backends returns the raced backends in registration order.
func (e *Engine) Backends() []backend.Backend {
	e.backendsMu.RLock()
	defer e.backendsMu.RUnlock()
	return append([]backend.Backend(nil), e.backends...)
}

// Registry returns the host registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Clear drops every record from the registry and from backends holding
// their own copies.
func (e *Engine) Clear() error {
	for _, b := range e.Backends() {
		if c, ok := b.(backend.Clearer); ok {
			c.Clear()
		}
	}
	return e.registry.Clear()
}

// Stats returns a snapshot of the counters and queue.
func (e *Engine) Stats() Stats {
	st := Stats{
		Total:      e.total.Load(),
		Success:    e.success.Load(),
		Failed:     e.failed.Load(),
		Cached:     e.cached.Load(),
		QueueDepth: e.tasks.Len(),
		Workers:    int(e.active.Load()),
		Running:    e.running.Load(),
		Registry:   e.registry.Stats(e.TTL()),
	}
	if e.pool != nil {
		st.Pool = e.pool.Stats()
	}
	return st
}

// runWorker consumes tasks until the engine stops.
func (e *Engine) runWorker(ctx context.Context, id int) {
	defer e.wg.Done()
	log.Debugf("engine: worker %d starting", id)

	for e.running.Load() {
		t, ok := e.tasks.TakeTimeout(_pollInterval)
		if !ok {
			continue
		}
		if t == nil {
			break
		}
		e.execute(ctx, t)
	}
	log.Debugf("engine: worker %d stopping", id)
}

// runTicker periodically expires stale records and idle pool handles.
func (e *Engine) runTicker(ctx context.Context) {
	defer e.wg.Done()

	interval := e.sweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep expires registry records older than the TTL and cleans up the pool.
func (e *Engine) Sweep() {
	if ttl := e.TTL(); ttl > 0 {
		if expired := e.registry.Expire(ttl); len(expired) > 0 {
			log.Infof("engine: expired %d records", len(expired))
			for _, b := range e.Backends() {
				f, ok := b.(backend.Forgetter)
				if !ok {
					continue
				}
				for _, h := range expired {
					f.Forget(h.Hostname)
				}
			}
		}
	}
	if e.pool != nil {
		e.pool.Cleanup()
	}
}
