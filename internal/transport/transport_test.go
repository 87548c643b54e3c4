package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ClientTestSuite struct {
	suite.Suite
	srv *httptest.Server
}

func (s *ClientTestSuite) SetupTest() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dns-json")
		fmt.Fprintf(w, `{"ua":%q,"accept":%q}`, r.UserAgent(), r.Header.Get("Accept"))
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	mux.HandleFunc("/hop/", func(w http.ResponseWriter, r *http.Request) {
		var n int
		_, _ = fmt.Sscanf(r.URL.Path, "/hop/%d", &n)
		if n == 0 {
			_, _ = w.Write([]byte("landed"))
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n-1), http.StatusFound)
	})
	s.srv = httptest.NewServer(mux)
}

func (s *ClientTestSuite) TearDownTest() {
	s.srv.Close()
}

func (s *ClientTestSuite) TestGet() {
	c := NewClient(Options{UserAgent: "hostd-test"})
	defer c.Close()

	body, err := c.Get(context.Background(), s.srv.URL+"/ok", http.Header{"Accept": {"application/dns-json"}})
	s.Require().NoError(err)
	s.JSONEq(`{"ua":"hostd-test","accept":"application/dns-json"}`, string(body))
}

func (s *ClientTestSuite) TestGetStatus() {
	c := NewClient(Options{})
	defer c.Close()

	_, err := c.Get(context.Background(), s.srv.URL+"/fail", nil)
	s.ErrorIs(err, ErrStatus)
}

func (s *ClientTestSuite) TestRedirects() {
	c := NewClient(Options{})
	defer c.Close()

	body, err := c.Get(context.Background(), s.srv.URL+"/hop/3", nil)
	s.Require().NoError(err)
	s.Equal("landed", string(body))

	_, err = c.Get(context.Background(), s.srv.URL+"/hop/5", nil)
	s.ErrorIs(err, ErrTooManyRedirects)
}

func (s *ClientTestSuite) TestTLSVerifiedByDefault() {
	tlsSrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer tlsSrv.Close()

	c := NewClient(Options{})
	defer c.Close()
	_, err := c.Get(context.Background(), tlsSrv.URL, nil)
	s.Error(err)

	insecure := NewClient(Options{InsecureSkipVerify: true})
	defer insecure.Close()
	body, err := insecure.Get(context.Background(), tlsSrv.URL, nil)
	s.Require().NoError(err)
	s.Equal("secret", string(body))
}

func (s *ClientTestSuite) TestDefaults() {
	o := Options{}.withDefaults()
	s.Equal(DefaultConnectTimeout, o.ConnectTimeout)
	s.Equal(DefaultTimeout, o.Timeout)
	s.Contains(o.UserAgent, "hostd/")
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

type PoolTestSuite struct {
	suite.Suite
	pool *Pool
}

func (s *PoolTestSuite) SetupTest() {
	s.pool = NewPool(PoolOptions{
		MaxPerHost:     2,
		IdleTimeout:    50 * time.Millisecond,
		AcquireTimeout: 20 * time.Millisecond,
	})
}

func (s *PoolTestSuite) TearDownTest() {
	s.pool.Clear()
}

func (s *PoolTestSuite) TestHostKey() {
	testCases := []struct {
		url      string
		expected string
		wantErr  bool
	}{
		{url: "https://dns.google/resolve", expected: "https://dns.google"},
		{url: "HTTPS://DNS.Google:443/resolve?name=x", expected: "https://dns.google:443"},
		{url: "/relative", wantErr: true},
		{url: "://bad", wantErr: true},
	}

	for _, tc := range testCases {
		s.Run(tc.url, func() {
			got, err := HostKey(tc.url)
			if tc.wantErr {
				s.Error(err)
				return
			}
			s.NoError(err)
			s.Equal(tc.expected, got)
		})
	}
}

func (s *PoolTestSuite) TestExhaustion() {
	ctx := context.Background()
	var held []*Handle
	for i := 0; i < 2; i++ {
		h, err := s.pool.Acquire(ctx, "https://dns.google/resolve")
		s.Require().NoError(err)
		held = append(held, h)
	}

	_, err := s.pool.Acquire(ctx, "https://dns.google/resolve")
	s.ErrorIs(err, ErrExhausted)

	// Another host has its own budget.
	other, err := s.pool.Acquire(ctx, "https://cloudflare-dns.com/dns-query")
	s.Require().NoError(err)
	s.pool.Release(other)

	reused := held[0].Client()
	s.pool.Release(held[0])
	s.Nil(held[0].Client())
	h, err := s.pool.Acquire(ctx, "https://dns.google/resolve")
	s.Require().NoError(err)
	s.Same(reused, h.Client())

	s.pool.Release(h)
	s.pool.Release(held[1])
}

func (s *PoolTestSuite) TestStats() {
	ctx := context.Background()
	a, err := s.pool.Acquire(ctx, "https://dns.google/resolve")
	s.Require().NoError(err)
	b, err := s.pool.Acquire(ctx, "https://dns.google/resolve")
	s.Require().NoError(err)
	c, err := s.pool.Acquire(ctx, "https://cloudflare-dns.com/dns-query")
	s.Require().NoError(err)
	s.pool.Release(b)

	st := s.pool.Stats()
	s.Equal(PoolStats{Hosts: 2, Total: 3, Active: 2, Idle: 1}, st)

	s.pool.Release(a)
	s.pool.Release(c)
}

func (s *PoolTestSuite) TestCleanupEvictsIdle() {
	ctx := context.Background()
	h, err := s.pool.Acquire(ctx, "https://dns.google/resolve")
	s.Require().NoError(err)
	s.pool.Release(h)

	s.Equal(0, s.pool.Cleanup())
	s.Equal(1, s.pool.Stats().Hosts)

	time.Sleep(80 * time.Millisecond)
	s.Equal(1, s.pool.Cleanup())
	// Destruction is asynchronous; the empty bucket goes on a later pass.
	s.Eventually(func() bool {
		s.pool.Cleanup()
		return s.pool.Stats() == PoolStats{}
	}, time.Second, 10*time.Millisecond)
}

func (s *PoolTestSuite) TestExpiredIdleHandleReplaced() {
	ctx := context.Background()
	h, err := s.pool.Acquire(ctx, "https://dns.google/resolve")
	s.Require().NoError(err)
	first := h.Client()
	s.pool.Release(h)

	time.Sleep(80 * time.Millisecond)
	h, err = s.pool.Acquire(ctx, "https://dns.google/resolve")
	s.Require().NoError(err)
	s.NotSame(first, h.Client())
	s.pool.Release(h)
}

func (s *PoolTestSuite) TestDiscard() {
	ctx := context.Background()
	h, err := s.pool.Acquire(ctx, "https://dns.google/resolve")
	s.Require().NoError(err)
	s.pool.Discard(h)
	s.pool.Discard(h)
	s.Eventually(func() bool {
		return s.pool.Stats().Total == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPoolSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}
