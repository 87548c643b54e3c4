package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/miekg/dns"
	"github.com/tidwall/gjson"

	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/internal/record"
	"github.com/lc/hostd/internal/transport"
)

// DefaultDoHURL is Google's JSON DNS API.
const DefaultDoHURL = "https://dns.google/resolve"

var (
	// ErrMalformed is returned for a body that is not a DNS JSON answer.
	ErrMalformed = errors.New("malformed DoH response")
	// ErrRcode is returned for a response whose Status is not NOERROR.
	ErrRcode = errors.New("DoH query failed")
)

// DoH resolves over the JSON flavour of DNS-over-HTTPS.
type DoH struct {
	url   string
	pool  *transport.Pool
	types []uint16
	port  int
}

// NewDoH returns a DoH backend querying resolverURL for each record type
// name in types (A when empty). Unknown type names are an error.
func NewDoH(resolverURL string, pool *transport.Pool, types []string, port int) (*DoH, error) {
	if resolverURL == "" {
		resolverURL = DefaultDoHURL
	}
	if _, err := transport.HostKey(resolverURL); err != nil {
		return nil, err
	}
	if pool == nil {
		pool = transport.NewPool(transport.PoolOptions{})
	}
	if len(types) == 0 {
		types = []string{"A"}
	}

	qtypes := make([]uint16, 0, len(types))
	for _, t := range types {
		qt, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(t))]
		if !ok || (qt != dns.TypeA && qt != dns.TypeAAAA) {
			return nil, fmt.Errorf("unsupported DoH record type %q", t)
		}
		qtypes = append(qtypes, qt)
	}
	return &DoH{url: resolverURL, pool: pool, types: qtypes, port: port}, nil
}

// URL returns the resolver URL.
func (d *DoH) URL() string { return d.url }

// Origin implements Backend.
func (d *DoH) Origin() record.Origin { return record.OriginDoH }

// Resolve implements Backend.
func (d *DoH) Resolve(ctx context.Context, hostname string) *record.Host {
	h := record.NewHost(hostname, record.OriginDoH)
	for _, qt := range d.types {
		ips, err := d.query(ctx, hostname, qt)
		if err != nil {
			log.Debugf("backend: doh %s %s: %v", dns.TypeToString[qt], hostname, err)
			continue
		}
		h.AddIP(d.port, ips...)
	}
	return usable(h)
}

// QueryURL builds the GET URL for hostname and record type qtype.
func (d *DoH) QueryURL(hostname string, qtype uint16) string {
	q := url.Values{}
	q.Set("name", hostname)
	q.Set("type", dns.TypeToString[qtype])
	sep := "?"
	if strings.Contains(d.url, "?") {
		sep = "&"
	}
	return d.url + sep + q.Encode()
}

func (d *DoH) query(ctx context.Context, hostname string, qtype uint16) ([]string, error) {
	h, err := d.pool.Acquire(ctx, d.url)
	if err != nil {
		return nil, err
	}

	body, err := h.Client().Get(ctx, d.QueryURL(hostname, qtype), http.Header{
		"Accept": {"application/dns-json"},
	})
	if err != nil {
		d.pool.Discard(h)
		return nil, err
	}
	d.pool.Release(h)

	return ParseResponse(body)
}

// ParseResponse extracts the addresses from a DNS JSON answer. Only A and
// AAAA answers whose data is an IP literal are returned, so CNAME targets
// and TXT payloads are never mistaken for addresses.
func ParseResponse(body []byte) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrMalformed
	}
	status := gjson.GetBytes(body, "Status")
	if !status.Exists() || status.Type != gjson.Number {
		return nil, fmt.Errorf("%w: missing Status", ErrMalformed)
	}
	if rc := int(status.Int()); rc != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: %s", ErrRcode, dns.RcodeToString[rc])
	}

	var ips []string
	gjson.GetBytes(body, "Answer").ForEach(func(_, ans gjson.Result) bool {
		switch uint16(ans.Get("type").Int()) {
		case dns.TypeA, dns.TypeAAAA:
		default:
			return true
		}
		addr, err := netip.ParseAddr(ans.Get("data").String())
		if err != nil {
			return true
		}
		ips = append(ips, addr.String())
		return true
	})
	return ips, nil
}
