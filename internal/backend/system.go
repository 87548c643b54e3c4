package backend

import (
	"context"
	"time"

	"github.com/lc/hostd/internal/dnsresolver"
	"github.com/lc/hostd/internal/log"
	"github.com/lc/hostd/internal/record"
)

// System resolves through the platform resolver or, when nameservers are
// configured, through direct DNS queries.
type System struct {
	client dnsresolver.Clienter
	port   int
}

// NewSystem wraps client. A nil client uses the operating system resolver.
func NewSystem(client dnsresolver.Clienter, port int) *System {
	if client == nil {
		client = dnsresolver.System(5 * time.Second)
	}
	return &System{client: client, port: port}
}

// Origin implements Backend.
func (s *System) Origin() record.Origin { return record.OriginSystem }

// Resolve implements Backend.
func (s *System) Resolve(ctx context.Context, hostname string) *record.Host {
	addrs, err := s.client.LookupHost(ctx, hostname)
	if err != nil {
		log.Debugf("backend: system lookup %s: %v", hostname, err)
		return nil
	}

	h := record.NewHost(hostname, record.OriginSystem)
	for _, a := range addrs {
		if a.IP == nil {
			continue
		}
		ip := a.IP.String()
		if a.Zone != "" {
			ip += "%" + a.Zone
		}
		h.AddIP(s.port, ip)
	}
	return usable(h)
}
