// Package dnsresolver looks up the A and AAAA records of a hostname.
//
// Two Clienter implementations are provided. Client queries a set of
// nameservers directly with github.com/miekg/dns, issuing the A and AAAA
// questions concurrently, retrying failed attempts and picking a nameserver
// at random per attempt. OSResolver defers to the operating system resolver
// and is what the platform backend uses when no nameservers are configured.
//
//	c := dnsresolver.New(5*time.Second,
//		dnsresolver.WithNameservers([]string{"1.1.1.1", "8.8.8.8:53"}),
//		dnsresolver.WithRetries(1),
//	)
//	ips, err := c.LookupHost(ctx, "example.com")
//
// Lookups return every address that any query produced. When all queries
// fail the errors are aggregated with go.uber.org/multierr; ErrNXDomain and
// ErrNoRecords can be matched with errors.Is.
package dnsresolver
