package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/lc/hostd/internal/log"
)

const (
	// DefaultMaxPerHost bounds the handles held for one host.
	DefaultMaxPerHost = 4
	// DefaultIdleTimeout is how long an idle handle may be reused.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultAcquireTimeout bounds how long Acquire waits for a busy host.
	DefaultAcquireTimeout = 100 * time.Millisecond
)

// ErrExhausted is returned when every handle for a host is in use.
var ErrExhausted = errors.New("connection pool exhausted")

// PoolOptions configures a Pool.
type PoolOptions struct {
	MaxPerHost     int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	Client         Options
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Hosts  int `json:"hosts"`
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

type bucket struct {
	pool  *puddle.Pool[*Client]
	users int // acquirers between lookup and return, guarded by Pool.mu
}

// Pool keeps a bounded set of reusable clients per host.
type Pool struct {
	opts PoolOptions

	mu      sync.Mutex // protects buckets
	buckets map[string]*bucket
}

// Handle is a client checked out of a Pool.
type Handle struct {
	host string
	res  *puddle.Resource[*Client]
}

// Client returns the client held by the handle, or nil once the handle has
// been released or discarded.
func (h *Handle) Client() *Client {
	if h == nil || h.res == nil {
		return nil
	}
	return h.res.Value()
}

// Host returns the pool key the handle belongs to.
func (h *Handle) Host() string { return h.host }

// NewPool creates an empty pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.MaxPerHost <= 0 {
		opts.MaxPerHost = DefaultMaxPerHost
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	return &Pool{opts: opts, buckets: make(map[string]*bucket)}
}

// HostKey returns the pool key of a URL: scheme://host[:port].
func HostKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parsing %q: missing host", rawURL)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

func (p *Pool) checkout(host string) (*bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[host]
	if !ok {
		opts := p.opts.Client
		pool, err := puddle.NewPool(&puddle.Config[*Client]{
			Constructor: func(context.Context) (*Client, error) {
				return NewClient(opts), nil
			},
			Destructor: func(c *Client) { c.Close() },
			MaxSize:    int32(p.opts.MaxPerHost),
		})
		if err != nil {
			return nil, fmt.Errorf("creating pool for %s: %w", host, err)
		}
		b = &bucket{pool: pool}
		p.buckets[host] = b
	}
	b.users++
	return b, nil
}

func (p *Pool) checkin(b *bucket) {
	p.mu.Lock()
	b.users--
	p.mu.Unlock()
}

// Acquire returns a handle for the host of rawURL. An idle handle is reused
// unless it has been idle past the idle timeout, in which case it is
// destroyed. If the host is at its limit Acquire waits at most the acquire
// timeout and then returns ErrExhausted.
func (p *Pool) Acquire(ctx context.Context, rawURL string) (*Handle, error) {
	host, err := HostKey(rawURL)
	if err != nil {
		return nil, err
	}
	b, err := p.checkout(host)
	if err != nil {
		return nil, err
	}
	defer p.checkin(b)

	ctx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	for {
		res, err := b.pool.Acquire(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Debugf("transport: no handle for %s within %s", host, p.opts.AcquireTimeout)
				return nil, fmt.Errorf("%s: %w", host, ErrExhausted)
			}
			return nil, err
		}
		if res.IdleDuration() > p.opts.IdleTimeout {
			res.Destroy()
			continue
		}
		return &Handle{host: host, res: res}, nil
	}
}

// Release returns h to its pool, marking it idle as of now.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.res == nil {
		return
	}
	h.res.Release()
	h.res = nil
}

// Discard destroys h instead of returning it, e.g. after a transport error.
func (p *Pool) Discard(h *Handle) {
	if h == nil || h.res == nil {
		return
	}
	h.res.Destroy()
	h.res = nil
}

// Cleanup destroys handles idle past the idle timeout and drops host
// buckets left empty. It returns the number of destroyed handles.
func (p *Pool) Cleanup() int {
	p.mu.Lock()
	pools := make(map[string]*puddle.Pool[*Client], len(p.buckets))
	for host, b := range p.buckets {
		pools[host] = b.pool
	}
	p.mu.Unlock()

	evicted := 0
	for _, pool := range pools {
		for _, res := range pool.AcquireAllIdle() {
			if res.IdleDuration() > p.opts.IdleTimeout {
				res.Destroy()
				evicted++
				continue
			}
			res.ReleaseUnused()
		}
	}

	p.mu.Lock()
	for host, b := range p.buckets {
		if b.users == 0 && b.pool.Stat().TotalResources() == 0 {
			b.pool.Close()
			delete(p.buckets, host)
		}
	}
	p.mu.Unlock()

	if evicted > 0 {
		log.Debugf("transport: evicted %d idle handles", evicted)
	}
	return evicted
}

// Clear closes every bucket. Handles still checked out are destroyed when
// they are released.
func (p *Pool) Clear() {
	p.mu.Lock()
	old := p.buckets
	p.buckets = make(map[string]*bucket)
	p.mu.Unlock()

	for _, b := range old {
		// Close blocks until checked-out handles come back.
		go b.pool.Close()
	}
}

// Stats returns pool occupancy across all hosts.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	pools := make([]*puddle.Pool[*Client], 0, len(p.buckets))
	for _, b := range p.buckets {
		pools = append(pools, b.pool)
	}
	p.mu.Unlock()

	st := PoolStats{Hosts: len(pools)}
	for _, pool := range pools {
		s := pool.Stat()
		st.Total += int(s.TotalResources())
		st.Active += int(s.AcquiredResources())
		st.Idle += int(s.IdleResources())
	}
	return st
}
