// Package socket provides the Unix domain socket the hostd daemon serves
// its API on, and the dialer clients use to reach it.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lc/hostd/internal/log"
)

var (
	// ErrAddressInUse is returned when attempting to listen on a socket that is already in use.
	ErrAddressInUse = errors.New("address already in use")
	// ErrNotRunning is returned when the daemon process is not running.
	ErrNotRunning = errors.New("daemon not running")
)

// DefaultProcessName is the daemon executable looked for while waiting on
// the socket.
const DefaultProcessName = "hostd"

// Config holds socket configuration options for the Socket.
type Config struct {
	// StartupTimeout is the maximum time to wait for daemon startup
	StartupTimeout time.Duration
	// GracePeriod is how long after creation a missing daemon process is
	// not yet treated as fatal
	GracePeriod time.Duration
	// RetryInterval is the interval between connection attempts
	RetryInterval time.Duration
	// Permissions defines the socket file permissions
	Permissions os.FileMode
	// ProcessName is the name of the daemon process to look for
	ProcessName string
	// Clock drives retry timing; nil means the wall clock
	Clock clock.Clock
}

// DefaultConfig returns a 5s startup timeout, a 250ms retry interval,
// OS-appropriate socket permissions and "hostd" as the process name.
func DefaultConfig() *Config {
	return &Config{
		StartupTimeout: 5 * time.Second,
		GracePeriod:    2 * time.Second,
		RetryInterval:  250 * time.Millisecond,
		Permissions:    defaultPermissions(),
		ProcessName:    DefaultProcessName,
		Clock:          clock.New(),
	}
}

// Socket listens on and dials the daemon's Unix domain socket.
type Socket struct {
	config    *Config
	procCheck ProcessChecker
	clock     clock.Clock
	startTime time.Time
}

// New creates a Socket. If cfg is nil, DefaultConfig() is used.
func New(cfg *Config, checker ProcessChecker) *Socket {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if checker == nil {
		checker = &DefaultProcessChecker{}
	}
	return &Socket{
		config:    cfg,
		procCheck: checker,
		clock:     clk,
		startTime: clk.Now(),
	}
}

// ConnectContext dials the daemon socket with the default configuration.
func ConnectContext(ctx context.Context, path string) (net.Conn, error) {
	return New(nil, nil).Connect(ctx, path)
}

// Listen creates a listener at path with the default configuration.
func Listen(path string) (net.Listener, error) {
	return New(nil, nil).Listen(path)
}

// Connect dials the daemon socket, retrying until the context is done, the
// startup timeout passes, or the daemon process is found not to be running.
func (s *Socket) Connect(ctx context.Context, path string) (net.Conn, error) {
	deadline := s.clock.Now().Add(s.config.StartupTimeout)

	for {
		conn, err := s.tryConnect(ctx, path)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !s.shouldRetry(deadline) {
			return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
		log.Debugf("socket: %s not ready, retrying: %v", path, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.config.RetryInterval):
		}
	}
}

// Listen creates a Unix domain socket listener at path. It ensures the
// socket directory exists and removes a stale socket file. If another
// process is serving on path, ErrAddressInUse is returned.
func (s *Socket) Listen(path string) (net.Listener, error) {
	if err := s.ensureSocketDirectory(path); err != nil {
		return nil, err
	}

	if err := s.checkExistingSocket(path); err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("creating socket listener: %w", err)
	}

	if err := os.Chmod(path, s.config.Permissions); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}

	log.Infof("socket: listening on %s", path)
	return listener, nil
}

func (s *Socket) tryConnect(ctx context.Context, path string) (net.Conn, error) {
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, "unix", path)
}

func (s *Socket) shouldRetry(deadline time.Time) bool {
	if s.clock.Now().After(deadline) {
		return false
	}
	// The daemon may still be exec'ing.
	if s.clock.Since(s.startTime) < s.config.GracePeriod {
		return true
	}
	return s.procCheck.IsRunning(s.config.ProcessName)
}

func (s *Socket) ensureSocketDirectory(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	if s.config.Permissions == 0o666 {
		if fi, err := os.Stat(dir); err == nil && fi.Mode()&0o077 == 0 {
			if err := os.Chmod(dir, 0o755); err != nil {
				return fmt.Errorf("setting directory permissions: %w", err)
			}
		}
	}

	return nil
}

func (s *Socket) checkExistingSocket(path string) error {
	conn, err := net.Dial("unix", path)
	if err == nil {
		_ = conn.Close()
		return ErrAddressInUse
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	return nil
}

func defaultPermissions() os.FileMode {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd":
		return 0o666
	default:
		return 0o600
	}
}
