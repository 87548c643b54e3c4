// Package transport is the HTTP layer behind the DoH backend: a small GET
// client with TLS verification on by default, and a per-host pool of
// reusable clients.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/lc/hostd/internal/buildinfo"
	"github.com/lc/hostd/internal/log"
)

const (
	// DefaultConnectTimeout bounds dialing and the TLS handshake.
	DefaultConnectTimeout = 3 * time.Second
	// DefaultTimeout bounds a whole request.
	DefaultTimeout = 5 * time.Second

	maxRedirects = 3
	maxBodySize  = 1 << 20
)

var (
	// ErrStatus is returned for any response other than 200 OK.
	ErrStatus = errors.New("unexpected HTTP status")
	// ErrTooManyRedirects is returned after more than three redirects.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Options configures a Client.
type Options struct {
	ConnectTimeout     time.Duration
	Timeout            time.Duration
	UserAgent          string
	InsecureSkipVerify bool
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = buildinfo.UserAgent()
	}
	return o
}

// Client performs GET requests over its own connection-holding transport.
type Client struct {
	http      *http.Client
	transport *http.Transport
	userAgent string
}

// NewClient builds a client from opts.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for test resolvers
		},
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		log.Debugf("transport: http2 unavailable: %v", err)
	}

	return &Client{
		http: &http.Client{
			Transport: tr,
			Timeout:   opts.Timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		transport: tr,
		userAgent: opts.UserAgent,
	}
}

// Get fetches rawURL and returns the response body. Any status other than
// 200 is an error wrapping ErrStatus.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Debugf("transport: closing body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}

// Close drops the client's idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}
