package dnsresolver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoRecords is returned when an answer carries no A or AAAA records.
	ErrNoRecords = errors.New("no records found")
	// ErrEmptyMsg is returned when the exchange yields no message.
	ErrEmptyMsg = errors.New("empty message")
	// ErrEmptyHostname is returned for a blank hostname.
	ErrEmptyHostname = errors.New("empty hostname")
	// ErrNXDomain is returned when the nameserver reports the name does not exist.
	ErrNXDomain = errors.New("no such host")
)

// DefaultNameserver is queried when no nameservers are configured.
const DefaultNameserver = "1.1.1.1:53"

var (
	_ Clienter = (*Client)(nil)
	_ Clienter = (*OSResolver)(nil)
)

// Clienter resolves a hostname to its IPv4 and IPv6 addresses.
type Clienter interface {
	LookupHost(ctx context.Context, hostname string) ([]net.IPAddr, error)
}

// Exchanger sends one DNS message to a nameserver.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, a string) (r *dns.Msg, rtt time.Duration, err error)
}

// Client queries configured nameservers directly.
type Client struct {
	Client      Exchanger
	Timeout     time.Duration
	Nameservers []string
	Retries     uint
	QueryTypes  []uint16

	mu sync.Mutex
}

// Opt configures a Client.
type Opt func(r *Client)

// New creates a Client whose lookups are bounded by timeout.
func New(timeout time.Duration, opts ...Opt) *Client {
	c := &Client{
		Client:     &dns.Client{Timeout: timeout},
		Timeout:    timeout,
		QueryTypes: []uint16{dns.TypeA, dns.TypeAAAA},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithNameservers sets the nameservers to query. Entries without a port get :53.
func WithNameservers(servers []string) Opt {
	return func(c *Client) {
		c.Nameservers = normalize(servers)
	}
}

// WithTimeout overrides the lookup timeout given to New.
func WithTimeout(timeout time.Duration) Opt {
	return func(c *Client) {
		c.Timeout = timeout
	}
}

// WithRetries sets how many extra attempts each query gets.
func WithRetries(n uint) Opt {
	return func(c *Client) {
		c.Retries = n
	}
}

// WithQueryTypes restricts the record types queried, A and AAAA by default.
func WithQueryTypes(types ...uint16) Opt {
	return func(c *Client) {
		c.QueryTypes = types
	}
}

// FromResolvConf returns the nameservers listed in a resolv.conf file.
func FromResolvConf(path string) ([]string, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers, nil
}

func normalize(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), strconv.Itoa(53))
		}
		out = append(out, s)
	}
	return out
}

// LookupHost resolves hostname. An IP literal is returned as is.
func (c *Client) LookupHost(ctx context.Context, hostname string) ([]net.IPAddr, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return nil, ErrEmptyHostname
	}
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		return []net.IPAddr{{IP: ip}}, nil
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return c.lookupAll(ctx, hostname)
}

// lookupAll queries every configured type concurrently and returns the
// union of the answers, or the aggregated errors when all queries fail.
func (c *Client) lookupAll(ctx context.Context, host string) ([]net.IPAddr, error) {
	var (
		grp  errgroup.Group
		ips  []net.IPAddr
		errs error
	)

	for _, qt := range c.QueryTypes {
		grp.Go(func() error {
			addrs, err := c.lookup(ctx, host, qt)
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", dns.TypeToString[qt], err))
				return nil
			}
			ips = append(ips, addrs...)
			return nil
		})
	}
	_ = grp.Wait()

	if len(ips) == 0 {
		if errs == nil {
			errs = ErrNoRecords
		}
		return nil, fmt.Errorf("dns lookup for %q: %w", host, errs)
	}
	return dedupe(ips), nil
}

// lookup resolves one record type, retrying transport and empty-answer
// failures. NXDOMAIN is final.
func (c *Client) lookup(ctx context.Context, host string, qtype uint16) ([]net.IPAddr, error) {
	var lastErr error
	for attempt := uint(0); attempt <= c.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// ExchangeContext mutates the message, so build a new one per attempt.
		req := new(dns.Msg)
		req.SetQuestion(dns.Fqdn(host), qtype)
		req.RecursionDesired = true

		resp, _, err := c.Client.ExchangeContext(ctx, req, c.nameserver())
		if err != nil {
			lastErr = err
			continue
		}
		if resp == nil {
			return nil, ErrEmptyMsg
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, ErrNXDomain
		}

		ips, err := parseIPs(resp)
		if err != nil {
			lastErr = err
			continue
		}
		return ips, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dns lookup failed for %q", host)
	}
	return nil, lastErr
}

// parseIPs extracts the A and AAAA answers, skipping CNAMEs and anything else.
func parseIPs(resp *dns.Msg) ([]net.IPAddr, error) {
	if resp == nil {
		return nil, ErrEmptyMsg
	}

	var ips []net.IPAddr
	for _, rr := range resp.Answer {
		switch r := rr.(type) {
		case *dns.A:
			ips = append(ips, net.IPAddr{IP: r.A})
		case *dns.AAAA:
			ips = append(ips, net.IPAddr{IP: r.AAAA})
		}
	}
	if len(ips) == 0 {
		return nil, ErrNoRecords
	}
	return ips, nil
}

func dedupe(ips []net.IPAddr) []net.IPAddr {
	seen := make(map[string]struct{}, len(ips))
	out := ips[:0]
	for _, ip := range ips {
		k := ip.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ip)
	}
	return out
}

// nameserver picks one of the configured nameservers at random.
func (c *Client) nameserver() string {
	switch len(c.Nameservers) {
	case 0:
		return DefaultNameserver
	case 1:
		return c.Nameservers[0]
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(c.Nameservers))))
	if err != nil {
		return c.Nameservers[0]
	}
	return c.Nameservers[n.Int64()]
}

// OSResolver resolves through the operating system's resolver.
type OSResolver struct {
	Resolver *net.Resolver
	Timeout  time.Duration
}

// System returns a Clienter backed by the operating system resolver.
func System(timeout time.Duration) *OSResolver {
	return &OSResolver{Resolver: net.DefaultResolver, Timeout: timeout}
}

// LookupHost performs a family-agnostic system lookup.
func (o *OSResolver) LookupHost(ctx context.Context, hostname string) ([]net.IPAddr, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return nil, ErrEmptyHostname
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	addrs, err := o.Resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, fmt.Errorf("%s: %w", hostname, ErrNXDomain)
		}
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNoRecords
	}
	return addrs, nil
}
