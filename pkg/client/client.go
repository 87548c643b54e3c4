// Package client is a thin convenience wrapper for CLI tools to call the
// hostd daemon's JSON API over a Unix-domain socket. It reuses the DTOs
// from pkg/api so callers get strongly-typed results instead of generic maps.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/lc/hostd/internal/socket"
	"github.com/lc/hostd/pkg/api"
	"github.com/lc/hostd/pkg/hostdns"
)

// ErrNotFound is returned when the daemon has no address for a host.
var ErrNotFound = errors.New("host not found")

// Client holds an http.Client wired to a Unix socket.
type Client struct {
	hc   *http.Client
	base string // dummy scheme+host for Request.URL (http://unix)
}

// New returns a Client that dials the given Unix-domain socket path,
// waiting for a starting daemon as socket.Connect does.
func New(socketPath string) *Client {
	sock := socket.New(nil, nil)
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return sock.Connect(ctx, socketPath)
	}
	tr := &http.Transport{DialContext: dial}
	return &Client{hc: &http.Client{Transport: tr}, base: "http://unix"}
}

// Resolve asks the daemon for the best address of host.
func (c *Client) Resolve(ctx context.Context, host string) (api.ResolveResponse, error) {
	var out api.ResolveResponse
	err := c.get(ctx, "/v1/resolve?host="+url.QueryEscape(host), &out)
	return out, err
}

// Addresses asks the daemon for the ranked record of host.
func (c *Client) Addresses(ctx context.Context, host string) (api.AddressesResponse, error) {
	var out api.AddressesResponse
	err := c.get(ctx, "/v1/addresses?host="+url.QueryEscape(host), &out)
	return out, err
}

// Stats retrieves the resolver stats snapshot.
func (c *Client) Stats(ctx context.Context) (hostdns.Stats, error) {
	var out hostdns.Stats
	err := c.get(ctx, "/v1/stats", &out)
	return out, err
}

// Status retrieves the current status of the daemon.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.get(ctx, "/v1/status", &out)
	return out, err
}

// Clear drops every cached record in the daemon.
func (c *Client) Clear(ctx context.Context) error {
	return c.post(ctx, "/v1/clear", struct{}{})
}

// Persist asks the daemon to write host's record to disk.
func (c *Client) Persist(ctx context.Context, host string) error {
	return c.post(ctx, "/v1/persist?host="+url.QueryEscape(host), struct{}{})
}

// EnableBackend turns the named resolution backend on or off.
func (c *Client) EnableBackend(ctx context.Context, backend string, enabled bool) error {
	return c.post(ctx, "/v1/backend", api.BackendRequest{Backend: backend, Enabled: enabled})
}

// SetNetwork reports a connectivity change to the daemon.
func (c *Client) SetNetwork(ctx context.Context, state hostdns.NetworkState) error {
	return c.post(ctx, "/v1/network", api.NetworkRequest{State: state})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("daemon returned %s: %s", resp.Status, msg)
}
