// Package dualstack picks between IPv4 and IPv6 candidates: the preferred
// family gets a head start, the other family is tried after a fixed delay,
// and the faster connect wins.
package dualstack

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/internal/record"
)

const (
	// DefaultDelay is the connection attempt delay recommended by RFC 8305.
	DefaultDelay = 250 * time.Millisecond
	// DefaultTimeout bounds each connectivity probe.
	DefaultTimeout = 2 * time.Second
	// DefaultPort is dialled for candidates without a port.
	DefaultPort = 443
)

// DialFunc opens a connection, as net.Dialer.DialContext does.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Result is the outcome of probing one candidate.
type Result struct {
	Address record.Address
	RTT     time.Duration
	OK      bool
}

// Selector chooses one address out of two family lists.
type Selector struct {
	Delay      time.Duration
	Timeout    time.Duration
	PreferIPv6 bool
	Port       int
	Dial       DialFunc
}

// New returns a selector preferring IPv4 unless preferIPv6 is set.
func New(preferIPv6 bool) *Selector {
	d := &net.Dialer{}
	return &Selector{
		Delay:      DefaultDelay,
		Timeout:    DefaultTimeout,
		PreferIPv6: preferIPv6,
		Port:       DefaultPort,
		Dial:       d.DialContext,
	}
}

// Select returns the chosen address. ok is false only when both lists are
// empty. A single non-empty list yields its head without any probing.
// Otherwise the preferred family's head is probed, the other family's head
// is probed after the delay, and the reachable one with the lower RTT wins.
// When both probes fail the head of the preferred family is returned.
func (s *Selector) Select(ctx context.Context, v4, v6 []record.Address) (Result, bool) {
	switch {
	case len(v4) == 0 && len(v6) == 0:
		return Result{}, false
	case len(v6) == 0:
		return Result{Address: v4[0]}, true
	case len(v4) == 0:
		return Result{Address: v6[0]}, true
	}

	first, second := v4[0], v6[0]
	if s.PreferIPv6 {
		first, second = second, first
	}

	results := make(chan Result, 2)
	go func() { results <- s.probe(ctx, first) }()

	delay := time.NewTimer(s.delay())
	defer delay.Stop()
	select {
	case <-delay.C:
	case <-ctx.Done():
		return Result{Address: first}, true
	}
	go func() { results <- s.probe(ctx, second) }()

	var best Result
collect:
	for pending := 2; pending > 0; pending-- {
		select {
		case r := <-results:
			if better(r, best) {
				best = r
			}
		case <-ctx.Done():
			break collect
		}
	}
	if best.OK {
		return best, true
	}
	log.Debugf("dualstack: no candidate reachable, falling back to %s", first.IP)
	return Result{Address: first}, true
}

// better reports whether r beats best: reachable first, then lower RTT.
func better(r, best Result) bool {
	if !r.OK {
		return false
	}
	return !best.OK || r.RTT < best.RTT
}

func (s *Selector) probe(ctx context.Context, a record.Address) Result {
	port := a.Port
	if port <= 0 {
		port = s.Port
	}
	if port <= 0 {
		port = DefaultPort
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := s.Dial(ctx, "tcp", net.JoinHostPort(a.IP, strconv.Itoa(port)))
	if err != nil {
		return Result{Address: a}
	}
	rtt := time.Since(start)
	_ = conn.Close()
	return Result{Address: a, RTT: rtt, OK: true}
}

func (s *Selector) delay() time.Duration {
	if s.Delay <= 0 {
		return DefaultDelay
	}
	return s.Delay
}
