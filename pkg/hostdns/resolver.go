// Package hostdns is the embedding surface of hostd: a Resolver assembles
// the cache, registry, backends, prober and engine from a config.Config and
// exposes hostname resolution to the host application. A Registry keeps one
// Resolver per key.
package hostdns

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/lc/hostd/internal/backend"
	"github.com/lc/hostd/internal/cache"
	"github.com/lc/hostd/internal/config"
	"github.com/lc/hostd/internal/dnsresolver"
	"github.com/lc/hostd/internal/dualstack"
	"github.com/lc/hostd/internal/engine"
	"github.com/lc/hostd/internal/filesys"
	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/internal/probe"
	"github.com/lc/hostd/internal/record"
	"github.com/lc/hostd/internal/registry"
	"github.com/lc/hostd/internal/transport"
)

// ResolvConfPath is read when a configured nameserver is config.ResolvConf.
var ResolvConfPath = "/etc/resolv.conf"

// ErrNotInitialized is returned by operations that need Init first.
var ErrNotInitialized = errors.New("resolver not initialized")

// Stats is a snapshot of a Resolver.
type Stats struct {
	engine.Stats
	Network  NetworkState `json:"network"`
	Backends []string     `json:"backends"`
}

// Opt configures a Resolver.
type Opt func(*Resolver)

// WithClock sets the clock used by the registry, local backend and engine.
func WithClock(c clock.Clock) Opt {
	return func(r *Resolver) { r.clock = c }
}

// WithProber replaces the TCP/ICMP prober.
func WithProber(p engine.Prober) Opt {
	return func(r *Resolver) { r.prober = p }
}

// WithSelector replaces the dual-stack selector.
func WithSelector(s *dualstack.Selector) Opt {
	return func(r *Resolver) { r.selector = s }
}

// WithBackends adds backends raced after the configured ones.
func WithBackends(bs ...backend.Backend) Opt {
	return func(r *Resolver) { r.extra = append(r.extra, bs...) }
}

// Resolver is the facade over one resolution engine.
//
// Setters called before Init configure the first Init. After Init, backend
// toggles, the DoH URL and the TTL apply immediately, the cache capacity
// resizes the memory tier, the cache directory moves the disk tier, and the
// worker count applies on the next Init.
type Resolver struct {
	clock  clock.Clock
	prober engine.Prober
	extra  []backend.Backend

	mu       sync.Mutex // protects fields below
	cfg      config.Config
	state    NetworkState
	selector *dualstack.Selector
	eng      *engine.Engine
	cache    *cache.Cache
	pool     *transport.Pool
	local    *backend.Local
}

// New returns an uninitialised resolver for cfg. A nil cfg uses
// config.Default().
func New(cfg *config.Config, opts ...Opt) *Resolver {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Resolver{
		clock: clock.New(),
		cfg:   cloneConfig(cfg),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func cloneConfig(cfg *config.Config) config.Config {
	cp := *cfg
	cp.Resolver.DoHRecordTypes = slices.Clone(cfg.Resolver.DoHRecordTypes)
	cp.Resolver.Nameservers = slices.Clone(cfg.Resolver.Nameservers)
	return cp
}

// Init builds and starts the engine. Calling Init again replaces the
// running engine with one built from the current settings.
func (r *Resolver) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eng != nil {
		if err := r.shutdownLocked(); err != nil {
			log.Warnf("hostdns: closing previous engine: %v", err)
		}
	}

	cfg := r.cfg
	c, err := cache.New(cfg.Cache.Dir, cfg.Cache.Capacity, filesys.OS())
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}
	reg := registry.New(c, registry.WithClock(r.clock))

	pool := transport.NewPool(transport.PoolOptions{
		MaxPerHost:     cfg.Pool.MaxPerHost,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		Client: transport.Options{
			ConnectTimeout: cfg.Resolver.ConnectTimeout,
			Timeout:        cfg.Resolver.Timeout,
			UserAgent:      cfg.Resolver.UserAgent,
		},
	})

	prober := r.prober
	if prober == nil {
		prober = probe.New(
			probe.WithPort(cfg.Probe.Port),
			probe.WithTimeout(cfg.Probe.Timeout),
			probe.WithPingCount(cfg.Probe.PingCount),
			probe.WithConcurrency(cfg.Probe.Concurrency),
		)
	}

	r.cache, r.pool = c, pool
	r.local = backend.NewLocal(cfg.Cache.TTL, r.clock)
	backends, err := r.backendsLocked()
	if err != nil {
		pool.Clear()
		r.cache, r.pool, r.local = nil, nil, nil
		return err
	}

	r.eng = engine.New(reg, prober,
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithQueueSize(cfg.Engine.QueueSize),
		engine.WithMaxInFlight(cfg.Engine.MaxInFlight),
		engine.WithTTL(cfg.Cache.TTL),
		engine.WithSweepInterval(cfg.Cache.SweepInterval),
		engine.WithClock(r.clock),
		engine.WithPool(pool),
		engine.WithBackends(backends...),
	)
	r.eng.Start()

	if r.selector == nil {
		r.selector = dualstack.New(cfg.Resolver.PreferIPv6)
		r.selector.Port = cfg.Probe.Port
	}
	log.Infof("hostdns: initialised with %d backends, cache at %q", len(backends), cfg.Cache.Dir)
	return nil
}

// backendsLocked builds the enabled backends in race order.
func (r *Resolver) backendsLocked() ([]backend.Backend, error) {
	cfg := r.cfg.Resolver
	var bs []backend.Backend
	if cfg.Local && r.local != nil {
		bs = append(bs, r.local)
	}
	if cfg.System {
		client, err := r.systemClient()
		if err != nil {
			return nil, err
		}
		bs = append(bs, backend.NewSystem(client, r.cfg.Probe.Port))
	}
	if cfg.DoH {
		d, err := backend.NewDoH(cfg.DoHURL, r.pool, cfg.DoHRecordTypes, r.cfg.Probe.Port)
		if err != nil {
			return nil, err
		}
		bs = append(bs, d)
	}
	return append(bs, r.extra...), nil
}

func (r *Resolver) systemClient() (dnsresolver.Clienter, error) {
	cfg := r.cfg.Resolver
	if len(cfg.Nameservers) == 0 {
		return dnsresolver.System(cfg.Timeout), nil
	}
	var servers []string
	for _, ns := range cfg.Nameservers {
		if ns != config.ResolvConf {
			servers = append(servers, ns)
			continue
		}
		fromFile, err := dnsresolver.FromResolvConf(ResolvConfPath)
		if err != nil {
			return nil, err
		}
		servers = append(servers, fromFile...)
	}
	return dnsresolver.New(cfg.Timeout, dnsresolver.WithNameservers(servers)), nil
}

// rebuildLocked swaps the engine's backend set after a toggle.
func (r *Resolver) rebuildLocked() error {
	if r.eng == nil {
		return nil
	}
	bs, err := r.backendsLocked()
	if err != nil {
		return err
	}
	r.eng.SetBackends(bs...)
	return nil
}

func (r *Resolver) current() (*engine.Engine, *dualstack.Selector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eng, r.selector, r.cfg.Resolver.DualStack
}

// Lookup returns the ranked record for hostname, or nil.
func (r *Resolver) Lookup(ctx context.Context, hostname string) *record.Host {
	eng, _, _ := r.current()
	if eng == nil {
		log.Warnf("hostdns: lookup of %s before init", hostname)
		return nil
	}
	return eng.ResolveSync(ctx, hostname)
}

// Resolve returns the best address of hostname, or "" when it cannot be
// resolved. With dual-stack enabled and both families present, the heads
// of each family race to connect.
func (r *Resolver) Resolve(ctx context.Context, hostname string) string {
	eng, sel, dual := r.current()
	if eng == nil {
		log.Warnf("hostdns: resolve of %s before init", hostname)
		return ""
	}
	h := eng.ResolveSync(ctx, hostname)
	if h == nil {
		return ""
	}
	if dual && sel != nil {
		v4, v6 := h.Split()
		if len(v4) > 0 && len(v6) > 0 {
			if res, ok := sel.Select(ctx, v4, v6); ok {
				return res.Address.IP
			}
		}
	}
	best, ok := h.Best()
	if !ok {
		return ""
	}
	return best.IP
}

// ResolveAsync queues a resolve; cb is invoked exactly once.
func (r *Resolver) ResolveAsync(hostname string, cb engine.ResolveCallback) error {
	eng, _, _ := r.current()
	if eng == nil {
		if cb != nil {
			cb(nil, false, nil)
		}
		return ErrNotInitialized
	}
	return eng.ResolveAsync(hostname, cb)
}

// Addresses returns every valid address of hostname in ranked order.
func (r *Resolver) Addresses(ctx context.Context, hostname string) []string {
	return r.Lookup(ctx, hostname).IPs()
}

// SpeedCheck queues a re-probe of hostname's cached record.
func (r *Resolver) SpeedCheck(hostname string, cb engine.SpeedCallback) error {
	eng, _, _ := r.current()
	if eng == nil {
		return ErrNotInitialized
	}
	return eng.SpeedCheck(hostname, cb)
}

// Persist queues a write of hostname's record to disk and waits for it
// or for ctx.
func (r *Resolver) Persist(ctx context.Context, hostname string) error {
	eng, _, _ := r.current()
	if eng == nil {
		return ErrNotInitialized
	}
	done := make(chan error, 1)
	if err := eng.Persist(hostname, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetNetworkState records the connectivity. Losing the network flushes the
// registry to disk.
func (r *Resolver) SetNetworkState(state NetworkState) error {
	r.mu.Lock()
	prev := r.state
	r.state = state
	eng := r.eng
	r.mu.Unlock()

	log.Infof("hostdns: network state %s -> %s", prev, state)
	if state != NetworkNone || eng == nil {
		return nil
	}
	return eng.Registry().Flush()
}

// NetworkState returns the last reported connectivity.
func (r *Resolver) NetworkState() NetworkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// EnableBackend turns a backend on or off.
func (r *Resolver) EnableBackend(origin record.Origin, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch origin {
	case record.OriginSystem:
		r.cfg.Resolver.System = enabled
	case record.OriginDoH:
		r.cfg.Resolver.DoH = enabled
	case record.OriginLocal:
		r.cfg.Resolver.Local = enabled
	default:
		return fmt.Errorf("unknown backend %s", origin)
	}
	return r.rebuildLocked()
}

// SetDoHURL changes the DNS-over-HTTPS endpoint.
func (r *Resolver) SetDoHURL(rawURL string) error {
	if _, err := transport.HostKey(rawURL); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg.Resolver.DoHURL = rawURL
	if !r.cfg.Resolver.DoH {
		return nil
	}
	return r.rebuildLocked()
}

// SetCacheDir moves the disk cache to dir. After Init the live cache
// switches at once and every record held in memory is rewritten there.
func (r *Resolver) SetCacheDir(dir string) error {
	r.mu.Lock()
	r.cfg.Cache.Dir = dir
	c, eng := r.cache, r.eng
	r.mu.Unlock()

	if c == nil || eng == nil {
		return nil
	}
	c.SetDir(dir)
	return eng.Registry().Flush()
}

// SetCacheCapacity changes the memory tier capacity.
func (r *Resolver) SetCacheCapacity(n int) {
	if n < 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg.Cache.Capacity = n
	if r.cache != nil {
		if evicted := r.cache.SetCapacity(n); evicted > 0 {
			log.Debugf("hostdns: resize evicted %d cache entries", evicted)
		}
	}
}

// SetCacheTTL changes how long records are served without re-resolving.
func (r *Resolver) SetCacheTTL(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg.Cache.TTL = ttl
	if r.eng != nil {
		r.eng.SetTTL(ttl)
	}
	if r.local != nil {
		r.local.SetTTL(ttl)
	}
}

// SetWorkers changes the worker count used by the next Init.
func (r *Resolver) SetWorkers(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Engine.Workers = n
	if r.eng != nil {
		r.eng.SetWorkers(n)
	}
}

// Stats returns a snapshot of the engine and facade state.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	eng, state := r.eng, r.state
	r.mu.Unlock()

	st := Stats{Network: state}
	if eng == nil {
		return st
	}
	st.Stats = eng.Stats()
	for _, b := range eng.Backends() {
		st.Backends = append(st.Backends, b.Origin().String())
	}
	return st
}

// Clear drops every cached record and idle connection.
func (r *Resolver) Clear() error {
	r.mu.Lock()
	eng, pool := r.eng, r.pool
	r.mu.Unlock()

	if eng == nil {
		return ErrNotInitialized
	}
	pool.Clear()
	return eng.Clear()
}

// Close stops the engine and waits for pending cache writes. The resolver
// can be initialised again afterwards.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownLocked()
}

func (r *Resolver) shutdownLocked() error {
	if r.eng == nil {
		return nil
	}
	var errs error
	errs = multierr.Append(errs, r.eng.Registry().Flush())
	errs = multierr.Append(errs, r.eng.Close())
	r.pool.Clear()
	r.eng, r.cache, r.pool, r.local = nil, nil, nil, nil
	return errs
}
