package backend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/lc/hostd/internal/record"
	"github.com/lc/hostd/internal/transport"
)

type mockClienter struct {
	mock.Mock
}

func (m *mockClienter) LookupHost(ctx context.Context, hostname string) ([]net.IPAddr, error) {
	args := m.Called(ctx, hostname)
	var addrs []net.IPAddr
	if a := args.Get(0); a != nil {
		addrs = a.([]net.IPAddr)
	}
	return addrs, args.Error(1)
}

type BackendTestSuite struct {
	suite.Suite
}

func (s *BackendTestSuite) TestSystem() {
	m := new(mockClienter)
	m.On("LookupHost", mock.Anything, "example.com").Return([]net.IPAddr{
		{IP: net.ParseIP("192.0.2.1")},
		{IP: net.ParseIP("2001:db8::1")},
	}, nil)
	m.On("LookupHost", mock.Anything, "broken.example").Return(nil, errors.New("server misbehaving"))
	m.On("LookupHost", mock.Anything, "empty.example").Return([]net.IPAddr{}, nil)

	b := NewSystem(m, 443)
	s.Equal(record.OriginSystem, b.Origin())

	h := b.Resolve(context.Background(), "example.com")
	s.Require().NotNil(h)
	s.Equal(record.OriginSystem, h.Origin)
	s.Equal([]string{"192.0.2.1", "2001:db8::1"}, h.IPs())
	s.Equal(443, h.Addresses[0].Port)
	s.Equal(record.FamilyIPv6, h.Addresses[1].Family)

	s.Nil(b.Resolve(context.Background(), "broken.example"))
	s.Nil(b.Resolve(context.Background(), "empty.example"))
	m.AssertExpectations(s.T())
}

func (s *BackendTestSuite) TestParseResponse() {
	testCases := []struct {
		name     string
		body     string
		expected []string
		err      error
	}{
		{
			name:     "answers",
			body:     `{"Status":0,"Answer":[{"name":"example.com.","type":1,"TTL":60,"data":"93.184.216.34"},{"name":"example.com.","type":28,"data":"2606:2800:220:1:248:1893:25c8:1946"}]}`,
			expected: []string{"93.184.216.34", "2606:2800:220:1:248:1893:25c8:1946"},
		},
		{
			name:     "cname and txt data are ignored",
			body:     `{"Status":0,"Answer":[{"type":5,"data":"edge.example.net."},{"type":16,"data":"\"10.0.0.1\""},{"type":1,"data":"192.0.2.7"}]}`,
			expected: []string{"192.0.2.7"},
		},
		{
			name:     "address type with non ip data",
			body:     `{"Status":0,"Answer":[{"type":1,"data":"not-an-ip"}]}`,
			expected: nil,
		},
		{
			name:     "no answer section",
			body:     `{"Status":0,"Question":[{"name":"example.com.","type":1}]}`,
			expected: nil,
		},
		{name: "nxdomain", body: `{"Status":3}`, err: ErrRcode},
		{name: "missing status", body: `{"Answer":[]}`, err: ErrMalformed},
		{name: "string status", body: `{"Status":"0"}`, err: ErrMalformed},
		{name: "truncated", body: `{"Status":0,"Answer":[{"type":1,"data":"192.0`, err: ErrMalformed},
		{name: "html", body: `<html>502</html>`, err: ErrMalformed},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			ips, err := ParseResponse([]byte(tc.body))
			if tc.err != nil {
				s.ErrorIs(err, tc.err)
				return
			}
			s.NoError(err)
			s.Equal(tc.expected, ips)
		})
	}
}

func (s *BackendTestSuite) TestNewDoHValidation() {
	_, err := NewDoH("not a url", nil, nil, 0)
	s.Error(err)
	_, err = NewDoH(DefaultDoHURL, nil, []string{"MX"}, 0)
	s.Error(err)

	d, err := NewDoH("", nil, []string{"a", "AAAA"}, 0)
	s.Require().NoError(err)
	s.Equal(DefaultDoHURL, d.URL())
	s.Equal("https://dns.google/resolve?name=example.com&type=AAAA", d.QueryURL("example.com", 28))

	d, err = NewDoH("https://doh.example/query?ct=json", nil, nil, 0)
	s.Require().NoError(err)
	s.Equal("https://doh.example/query?ct=json&name=example.com&type=A", d.QueryURL("example.com", 1))
}

func (s *BackendTestSuite) TestDoHResolve() {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		s.Equal("application/dns-json", r.Header.Get("Accept"))
		switch r.URL.Query().Get("name") {
		case "example.com":
			if r.URL.Query().Get("type") == "AAAA" {
				_, _ = w.Write([]byte(`{"Status":0,"Answer":[{"type":28,"data":"2001:db8::1"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"Status":0,"Answer":[{"type":1,"data":"192.0.2.1"}]}`))
		case "down.example":
			http.Error(w, "bad gateway", http.StatusBadGateway)
		case "garbage.example":
			_, _ = w.Write([]byte(`{"Status":0,"Answer":[{"type":1,`))
		default:
			_, _ = w.Write([]byte(`{"Status":3}`))
		}
	}))
	defer srv.Close()

	pool := transport.NewPool(transport.PoolOptions{MaxPerHost: 2})
	defer pool.Clear()

	d, err := NewDoH(srv.URL+"/resolve", pool, []string{"A", "AAAA"}, 443)
	s.Require().NoError(err)

	h := d.Resolve(context.Background(), "example.com")
	s.Require().NotNil(h)
	s.Equal(record.OriginDoH, h.Origin)
	s.Equal([]string{"192.0.2.1", "2001:db8::1"}, h.IPs())
	s.Equal(int32(2), hits.Load())

	s.Nil(d.Resolve(context.Background(), "down.example"))
	s.Nil(d.Resolve(context.Background(), "garbage.example"))
	s.Nil(d.Resolve(context.Background(), "nxdomain.example"))

	// Handles go back to the pool after every query; failed ones are destroyed asynchronously.
	s.Eventually(func() bool {
		return pool.Stats().Active == 0
	}, time.Second, 10*time.Millisecond)
}

func (s *BackendTestSuite) TestDoHPoolExhausted() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Status":0,"Answer":[{"type":1,"data":"192.0.2.1"}]}`))
	}))
	defer srv.Close()

	pool := transport.NewPool(transport.PoolOptions{MaxPerHost: 1, AcquireTimeout: 10 * time.Millisecond})
	defer pool.Clear()
	held, err := pool.Acquire(context.Background(), srv.URL)
	s.Require().NoError(err)

	d, err := NewDoH(srv.URL, pool, nil, 0)
	s.Require().NoError(err)
	s.Nil(d.Resolve(context.Background(), "example.com"))

	pool.Release(held)
	s.NotNil(d.Resolve(context.Background(), "example.com"))
}

func (s *BackendTestSuite) TestLocal() {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	l := NewLocal(time.Hour, clk)
	s.Equal(record.OriginLocal, l.Origin())

	s.Nil(l.Resolve(context.Background(), "example.com"))

	learned := &record.Host{Hostname: "Example.com", UpdateTime: clk.Now().Unix(), Origin: record.OriginDoH}
	learned.AddIP(443, "192.0.2.1")
	l.Learn(learned)
	l.Learn(&record.Host{Hostname: "empty.example"})
	s.Equal(1, l.Len())

	h := l.Resolve(context.Background(), "example.com.")
	s.Require().NotNil(h)
	s.Equal(record.OriginLocal, h.Origin)
	s.Equal(record.OriginDoH, learned.Origin, "learned record must not be mutated")

	clk.Add(time.Hour)
	s.NotNil(l.Resolve(context.Background(), "example.com"))

	clk.Add(time.Second)
	s.Nil(l.Resolve(context.Background(), "example.com"))
	s.Equal(0, l.Len())
}

func (s *BackendTestSuite) TestLocalTTLAndClear() {
	clk := clock.NewMock()
	l := NewLocal(0, clk)
	s.Equal(DefaultLocalTTL, l.TTL())

	h := &record.Host{Hostname: "example.com", UpdateTime: clk.Now().Unix()}
	h.AddIP(0, "192.0.2.1")
	l.Learn(h)

	clk.Add(10 * time.Minute)
	l.SetTTL(5 * time.Minute)
	s.Nil(l.Resolve(context.Background(), "example.com"))

	l.Learn(h)
	l.SetTTL(time.Hour)
	l.Forget("example.com")
	s.Nil(l.Resolve(context.Background(), "example.com"))

	l.Learn(h)
	l.Clear()
	s.Equal(0, l.Len())
}

func TestBackendSuite(t *testing.T) {
	suite.Run(t, new(BackendTestSuite))
}
