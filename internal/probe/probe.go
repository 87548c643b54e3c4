// Package probe measures the latency of resolved addresses and ranks them.
package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/internal/ping"
	"github.com/lc/hostd/internal/record"
)

const (
	// DefaultPort is dialled for addresses that carry no port.
	DefaultPort = 443
	// DefaultTimeout bounds one TCP connect and each ping reply.
	DefaultTimeout = 2 * time.Second
	// DefaultConcurrency bounds the probes in flight for one host.
	DefaultConcurrency = 8
)

// DialFunc opens a connection, as net.Dialer.DialContext does.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Pinger is the ICMP fallback used when a TCP connect fails.
type Pinger interface {
	Ping(ctx context.Context, ip string, count int, timeout time.Duration) (*ping.Result, error)
}

var _ Pinger = (*ping.Pinger)(nil)

// Prober times TCP connects, falling back to ICMP echo.
type Prober struct {
	Port        int
	Timeout     time.Duration
	PingCount   int
	Concurrency int
	Dial        DialFunc
	Pinger      Pinger

	unprivileged sync.Once
}

// Opt configures a Prober.
type Opt func(*Prober)

// WithPort sets the port dialled for addresses without one.
func WithPort(port int) Opt {
	return func(p *Prober) { p.Port = port }
}

// WithTimeout sets the connect and ping timeout.
func WithTimeout(d time.Duration) Opt {
	return func(p *Prober) { p.Timeout = d }
}

// WithPingCount sets how many echoes the fallback sends.
func WithPingCount(n int) Opt {
	return func(p *Prober) { p.PingCount = n }
}

// WithConcurrency bounds concurrent probes per CheckAll.
func WithConcurrency(n int) Opt {
	return func(p *Prober) { p.Concurrency = n }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Opt {
	return func(p *Prober) { p.Dial = d }
}

// WithPinger replaces the ICMP fallback. A nil pinger disables it.
func WithPinger(pg Pinger) Opt {
	return func(p *Prober) { p.Pinger = pg }
}

// New returns a prober with defaults applied.
func New(opts ...Opt) *Prober {
	p := &Prober{
		Port:        DefaultPort,
		Timeout:     DefaultTimeout,
		PingCount:   ping.DefaultCount,
		Concurrency: DefaultConcurrency,
		Pinger:      ping.New(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.Dial == nil {
		d := &net.Dialer{}
		p.Dial = d.DialContext
	}
	if p.Concurrency <= 0 {
		p.Concurrency = DefaultConcurrency
	}
	return p
}

// Probe returns the latency to ip in milliseconds, or record.Unmeasured.
// port <= 0 selects the prober's default port.
func (p *Prober) Probe(ctx context.Context, ip string, port int) int {
	if port <= 0 {
		port = p.Port
	}
	if ms, ok := p.connect(ctx, ip, port); ok {
		return ms
	}
	if ms, ok := p.ping(ctx, ip); ok {
		return ms
	}
	return record.Unmeasured
}

func (p *Prober) connect(ctx context.Context, ip string, port int) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.Dial(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		log.Debugf("probe: connect %s:%d: %v", ip, port, err)
		return 0, false
	}
	elapsed := time.Since(start)
	if err := conn.Close(); err != nil {
		log.Debugf("probe: closing %s: %v", ip, err)
	}
	return int(elapsed.Milliseconds()), true
}

func (p *Prober) ping(ctx context.Context, ip string) (int, bool) {
	if p.Pinger == nil {
		return 0, false
	}
	res, err := p.Pinger.Ping(ctx, ip, p.PingCount, p.Timeout)
	if err != nil {
		if errors.Is(err, ping.ErrUnprivileged) {
			p.unprivileged.Do(func() {
				log.Debugf("probe: ping disabled: %v", err)
			})
		} else {
			log.Debugf("probe: ping %s: %v", ip, err)
		}
		return 0, false
	}
	if !res.Ok() {
		return 0, false
	}
	return int(res.Avg.Milliseconds()), true
}

// Measure probes a and returns it with Speed and Timestamp updated.
func (p *Prober) Measure(ctx context.Context, a record.Address) record.Address {
	a.Speed = p.Probe(ctx, a.IP, a.Port)
	a.Timestamp = time.Now().Unix()
	return a
}

// CheckAll probes every address of h concurrently and returns a ranked
// copy. h itself is not modified.
func (p *Prober) CheckAll(ctx context.Context, h *record.Host) *record.Host {
	if h == nil {
		return nil
	}
	out := h.Clone()

	var grp errgroup.Group
	grp.SetLimit(p.Concurrency)
	for i := range out.Addresses {
		if !out.Addresses[i].Valid {
			continue
		}
		grp.Go(func() error {
			// Each goroutine owns exactly one slot of the cloned slice.
			out.Addresses[i] = p.Measure(ctx, out.Addresses[i])
			return nil
		})
	}
	_ = grp.Wait()

	out.Sort()
	return out
}
