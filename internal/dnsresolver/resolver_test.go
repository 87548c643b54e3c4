package dnsresolver

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockExchanger struct {
	mock.Mock
}

func (m *mockExchanger) ExchangeContext(ctx context.Context, msg *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	args := m.Called(ctx, msg, addr)
	if resp := args.Get(0); resp != nil {
		return resp.(*dns.Msg), args.Get(1).(time.Duration), args.Error(2)
	}
	return nil, args.Get(1).(time.Duration), args.Error(2)
}

func question(host string, qtype uint16) any {
	return mock.MatchedBy(func(msg *dns.Msg) bool {
		return len(msg.Question) > 0 &&
			msg.Question[0].Qtype == qtype &&
			msg.Question[0].Name == dns.Fqdn(host)
	})
}

func answer(rrs ...dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.Answer = rrs
	return m
}

func aRecord(host, ip string) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(host), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP(ip),
	}
}

func aaaaRecord(host, ip string) *dns.AAAA {
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: dns.Fqdn(host), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 300},
		AAAA: net.ParseIP(ip),
	}
}

type ResolverTestSuite struct {
	suite.Suite
	resolver *Client
	client   *mockExchanger
}

func (s *ResolverTestSuite) SetupTest() {
	s.client = new(mockExchanger)
	s.resolver = New(5 * time.Second)
	s.resolver.Client = s.client
}

func (s *ResolverTestSuite) TestNew() {
	testCases := []struct {
		name        string
		opts        []Opt
		timeout     time.Duration
		nameservers []string
		retries     uint
		types       []uint16
	}{
		{
			name:    "defaults",
			timeout: 5 * time.Second,
			types:   []uint16{dns.TypeA, dns.TypeAAAA},
		},
		{
			name:        "nameservers get a default port",
			opts:        []Opt{WithNameservers([]string{"8.8.8.8", " ", "1.1.1.1:5353", "2001:db8::1"})},
			timeout:     5 * time.Second,
			nameservers: []string{"8.8.8.8:53", "1.1.1.1:5353", "[2001:db8::1]:53"},
			types:       []uint16{dns.TypeA, dns.TypeAAAA},
		},
		{
			name:    "timeout, retries and query types",
			opts:    []Opt{WithTimeout(time.Second), WithRetries(2), WithQueryTypes(dns.TypeA)},
			timeout: time.Second,
			retries: 2,
			types:   []uint16{dns.TypeA},
		},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			c := New(5*time.Second, tc.opts...)
			s.Equal(tc.timeout, c.Timeout)
			s.Equal(tc.nameservers, c.Nameservers)
			s.Equal(tc.retries, c.Retries)
			s.Equal(tc.types, c.QueryTypes)
		})
	}
}

func (s *ResolverTestSuite) TestLookupHost() {
	testCases := []struct {
		name        string
		hostname    string
		setupMock   func(*mockExchanger)
		expected    []string
		expectedErr error
	}{
		{
			name:        "empty hostname",
			hostname:    "  ",
			expectedErr: ErrEmptyHostname,
		},
		{
			name:     "ip literal",
			hostname: "[2001:db8::1]",
			expected: []string{"2001:db8::1"},
		},
		{
			name:     "A and AAAA",
			hostname: "example.com",
			setupMock: func(m *mockExchanger) {
				m.On("ExchangeContext", mock.Anything, question("example.com", dns.TypeA), mock.Anything).
					Return(answer(aRecord("example.com", "93.184.216.34")), time.Duration(0), nil)
				m.On("ExchangeContext", mock.Anything, question("example.com", dns.TypeAAAA), mock.Anything).
					Return(answer(aaaaRecord("example.com", "2606:2800:220:1:248:1893:25c8:1946")), time.Duration(0), nil)
			},
			expected: []string{"2606:2800:220:1:248:1893:25c8:1946", "93.184.216.34"},
		},
		{
			name:     "AAAA fails",
			hostname: "example.com",
			setupMock: func(m *mockExchanger) {
				m.On("ExchangeContext", mock.Anything, question("example.com", dns.TypeA), mock.Anything).
					Return(answer(aRecord("example.com", "93.184.216.34"), aRecord("example.com", "93.184.216.34")), time.Duration(0), nil)
				m.On("ExchangeContext", mock.Anything, question("example.com", dns.TypeAAAA), mock.Anything).
					Return(nil, time.Duration(0), errors.New("i/o timeout"))
			},
			expected: []string{"93.184.216.34"},
		},
		{
			name:     "nxdomain",
			hostname: "nonexistent.example",
			setupMock: func(m *mockExchanger) {
				nx := new(dns.Msg)
				nx.Rcode = dns.RcodeNameError
				m.On("ExchangeContext", mock.Anything, mock.Anything, mock.Anything).
					Return(nx, time.Duration(0), nil)
			},
			expectedErr: ErrNXDomain,
		},
		{
			name:     "both fail",
			hostname: "nonexistent.example",
			setupMock: func(m *mockExchanger) {
				m.On("ExchangeContext", mock.Anything, mock.Anything, mock.Anything).
					Return(answer(), time.Duration(0), nil)
			},
			expectedErr: ErrNoRecords,
		},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			s.SetupTest()
			if tc.setupMock != nil {
				tc.setupMock(s.client)
			}

			addrs, err := s.resolver.LookupHost(context.Background(), tc.hostname)
			if tc.expectedErr != nil {
				s.ErrorIs(err, tc.expectedErr)
				return
			}
			s.Require().NoError(err)

			got := make([]string, len(addrs))
			for i, a := range addrs {
				got[i] = a.IP.String()
			}
			sort.Strings(got)
			s.Equal(tc.expected, got)
			s.client.AssertExpectations(s.T())
		})
	}
}

func (s *ResolverTestSuite) TestRetries() {
	s.resolver.Retries = 1
	s.resolver.QueryTypes = []uint16{dns.TypeA}

	s.client.On("ExchangeContext", mock.Anything, question("example.com", dns.TypeA), mock.Anything).
		Return(nil, time.Duration(0), errors.New("connection refused")).Once()
	s.client.On("ExchangeContext", mock.Anything, question("example.com", dns.TypeA), mock.Anything).
		Return(answer(aRecord("example.com", "192.0.2.1")), time.Duration(0), nil).Once()

	addrs, err := s.resolver.LookupHost(context.Background(), "example.com")
	s.Require().NoError(err)
	s.Len(addrs, 1)
	s.client.AssertNumberOfCalls(s.T(), "ExchangeContext", 2)
}

func (s *ResolverTestSuite) TestNameserver() {
	testCases := []struct {
		name    string
		servers []string
	}{
		{name: "none configured"},
		{name: "single", servers: []string{"8.8.8.8:53"}},
		{name: "multiple", servers: []string{"8.8.8.8:53", "8.8.4.4:53"}},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			s.resolver.Nameservers = tc.servers
			got := s.resolver.nameserver()
			if len(tc.servers) == 0 {
				s.Equal(DefaultNameserver, got)
				return
			}
			s.Contains(tc.servers, got)
		})
	}
}

func (s *ResolverTestSuite) TestParseIPs() {
	cname := &dns.CNAME{
		Hdr:    dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET},
		Target: "example.com.",
	}

	_, err := parseIPs(nil)
	s.ErrorIs(err, ErrEmptyMsg)

	_, err = parseIPs(answer(cname))
	s.ErrorIs(err, ErrNoRecords)

	ips, err := parseIPs(answer(cname, aRecord("example.com", "192.0.2.1"), aaaaRecord("example.com", "2001:db8::1")))
	s.Require().NoError(err)
	s.Equal("192.0.2.1", ips[0].IP.String())
	s.Equal("2001:db8::1", ips[1].IP.String())
}

func (s *ResolverTestSuite) TestFromResolvConf() {
	path := filepath.Join(s.T().TempDir(), "resolv.conf")
	s.Require().NoError(os.WriteFile(path, []byte("# test\nnameserver 9.9.9.9\nnameserver 2620:fe::fe\nsearch example.com\n"), 0o600))

	servers, err := FromResolvConf(path)
	s.Require().NoError(err)
	s.Equal([]string{"9.9.9.9:53", "[2620:fe::fe]:53"}, servers)

	_, err = FromResolvConf(filepath.Join(s.T().TempDir(), "missing"))
	s.Error(err)
}

func (s *ResolverTestSuite) TestSystemLiteral() {
	addrs, err := System(time.Second).LookupHost(context.Background(), "127.0.0.1")
	s.Require().NoError(err)
	s.Require().Len(addrs, 1)
	s.Equal("127.0.0.1", addrs[0].IP.String())

	_, err = System(time.Second).LookupHost(context.Background(), "")
	s.ErrorIs(err, ErrEmptyHostname)
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverTestSuite))
}
