package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lc/hostd/internal/buildinfo"
	"github.com/lc/hostd/internal/filesys"
)

var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoConfig is returned when the configuration file is not found.
	ErrNoConfig = errors.New("configuration file not found")
)

const (
	// DefaultSocketPath is the default path for the Unix socket.
	DefaultSocketPath = "/var/run/hostd.socket"
	// DefaultConfigPath is the default path for the configuration file,
	// relative to the user's home directory.
	DefaultConfigPath = ".hostd/config.yaml"
	// DefaultCacheDir is the default disk cache directory, relative to the
	// user's home directory.
	DefaultCacheDir = ".hostd/cache"
	// DefaultDoHURL is the default DNS-over-HTTPS JSON endpoint.
	DefaultDoHURL = "https://dns.google/resolve"
	// ResolvConf as a nameserver entry means "read /etc/resolv.conf".
	ResolvConf = "resolv.conf"

	DefaultTimeout        = 5 * time.Second
	DefaultConnectTimeout = 3 * time.Second
	DefaultCacheCapacity  = 100
	DefaultCacheTTL       = time.Hour
	DefaultSweepInterval  = time.Minute
	DefaultWorkers        = 4
	MaxWorkers            = 16
	DefaultQueueSize      = 1000
	DefaultMaxInFlight    = 32
	DefaultProbePort      = 443
	DefaultProbeTimeout   = 2 * time.Second
	DefaultPingCount      = 3
	DefaultConcurrency    = 8
	DefaultMaxPerHost     = 4
	DefaultIdleTimeout    = 60 * time.Second
	DefaultAcquireTimeout = 100 * time.Millisecond
)

// Config holds the application configuration.
type Config struct {
	Socket   SocketConfig   `yaml:"socket"`
	Resolver ResolverConfig `yaml:"resolver"`
	Cache    CacheConfig    `yaml:"cache"`
	Engine   EngineConfig   `yaml:"engine"`
	Probe    ProbeConfig    `yaml:"probe"`
	Pool     PoolConfig     `yaml:"pool"`
}

// SocketConfig holds socket-related configuration.
type SocketConfig struct {
	Path string `yaml:"path"`
}

// ResolverConfig selects and tunes the resolution backends.
type ResolverConfig struct {
	System         bool          `yaml:"system"`
	DoH            bool          `yaml:"doh"`
	Local          bool          `yaml:"local"`
	DoHURL         string        `yaml:"doh_url"`
	DoHRecordTypes []string      `yaml:"doh_record_types"`
	Nameservers    []string      `yaml:"nameservers"`
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	UserAgent      string        `yaml:"user_agent"`
	DualStack      bool          `yaml:"dual_stack"`
	PreferIPv6     bool          `yaml:"prefer_ipv6"`
}

// CacheConfig holds the two-tier cache and registry settings.
type CacheConfig struct {
	Dir           string        `yaml:"dir"`
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EngineConfig holds worker pool settings.
type EngineConfig struct {
	Workers     int `yaml:"workers"`
	QueueSize   int `yaml:"queue_size"`
	MaxInFlight int `yaml:"max_inflight"`
}

// ProbeConfig holds latency probing settings.
type ProbeConfig struct {
	Port        int           `yaml:"port"`
	Timeout     time.Duration `yaml:"timeout"`
	PingCount   int           `yaml:"ping_count"`
	Concurrency int           `yaml:"concurrency"`
}

// PoolConfig holds DoH connection pool settings.
type PoolConfig struct {
	MaxPerHost     int           `yaml:"max_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Provider defines the interface for loading configuration.
type Provider interface {
	Load() (*Config, error)
}

// FSProvider implements Provider using the local filesystem.
type FSProvider struct {
	fs   filesys.ReadWriteFS
	path string
}

// Verify FSProvider implements Provider interface.
var _ Provider = (*FSProvider)(nil)

// New creates a provider reading ~/.hostd/config.yaml. If the home
// directory cannot be determined, it falls back to the current directory.
func New() Provider {
	return NewWithPath(filesys.OS(), filepath.Join(home(), DefaultConfigPath))
}

// NewWithPath creates a new provider with a specific config path.
func NewWithPath(fs filesys.ReadWriteFS, path string) Provider {
	return &FSProvider{
		fs:   fs,
		path: path,
	}
}

func home() string {
	h, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not determine home directory: %v\n", err)
		return ""
	}
	return h
}

// Default returns the configuration used when no file exists. Values in a
// config file override these field by field.
func Default() *Config {
	return &Config{
		Socket: SocketConfig{
			Path: DefaultSocketPath,
		},
		Resolver: ResolverConfig{
			System:         true,
			DoH:            false,
			Local:          true,
			DoHURL:         DefaultDoHURL,
			DoHRecordTypes: []string{"A"},
			Timeout:        DefaultTimeout,
			ConnectTimeout: DefaultConnectTimeout,
			UserAgent:      buildinfo.UserAgent(),
		},
		Cache: CacheConfig{
			Dir:           filepath.Join(home(), DefaultCacheDir),
			Capacity:      DefaultCacheCapacity,
			TTL:           DefaultCacheTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Engine: EngineConfig{
			Workers:     DefaultWorkers,
			QueueSize:   DefaultQueueSize,
			MaxInFlight: DefaultMaxInFlight,
		},
		Probe: ProbeConfig{
			Port:        DefaultProbePort,
			Timeout:     DefaultProbeTimeout,
			PingCount:   DefaultPingCount,
			Concurrency: DefaultConcurrency,
		},
		Pool: PoolConfig{
			MaxPerHost:     DefaultMaxPerHost,
			IdleTimeout:    DefaultIdleTimeout,
			AcquireTimeout: DefaultAcquireTimeout,
		},
	}
}

// Load loads the configuration from the provider's path.
func (p *FSProvider) Load() (*Config, error) {
	_ = p.ensureConfigDir()

	cfg, err := p.loadAndParse()
	if err != nil {
		if errors.Is(err, ErrNoConfig) {
			return Default(), nil
		}
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return cfg, nil
}

// Validate checks the configuration to ensure all required fields are set.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Socket.Path) == "" {
		return errors.New("socket path cannot be empty")
	}
	if err := c.Resolver.validate(); err != nil {
		return err
	}
	if c.Cache.Capacity < 1 {
		return errors.New("cache capacity must be at least 1")
	}
	if c.Cache.TTL < 0 {
		return errors.New("cache ttl cannot be negative")
	}
	if c.Cache.SweepInterval < time.Second {
		return errors.New("sweep interval must be at least 1 second")
	}
	if c.Engine.Workers < 1 || c.Engine.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between 1 and %d", MaxWorkers)
	}
	if c.Engine.QueueSize < 1 {
		return errors.New("queue size must be at least 1")
	}
	if c.Engine.MaxInFlight < 1 {
		return errors.New("max inflight must be at least 1")
	}
	if c.Probe.Port < 1 || c.Probe.Port > 65535 {
		return errors.New("probe port must be between 1 and 65535")
	}
	if c.Probe.Timeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	if c.Pool.MaxPerHost < 1 {
		return errors.New("pool max per host must be at least 1")
	}
	return nil
}

func (r ResolverConfig) validate() error {
	if !r.System && !r.DoH && !r.Local {
		return errors.New("at least one resolver backend must be enabled")
	}
	if r.Timeout < time.Second {
		return errors.New("resolver timeout must be at least 1 second")
	}
	if r.DoH {
		u, err := url.Parse(r.DoHURL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("doh url %q is not an http(s) url", r.DoHURL)
		}
	}
	for _, t := range r.DoHRecordTypes {
		switch strings.ToUpper(t) {
		case "A", "AAAA":
		default:
			return fmt.Errorf("unsupported doh record type %q", t)
		}
	}
	return nil
}

func (p *FSProvider) ensureConfigDir() error {
	dir := filepath.Dir(p.path)
	if _, err := p.fs.Stat(dir); os.IsNotExist(err) {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	return nil
}

func (p *FSProvider) loadAndParse() (*Config, error) {
	f, err := p.fs.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	return cfg, nil
}
