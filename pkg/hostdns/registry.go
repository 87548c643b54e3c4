package hostdns

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/multierr"

	"github.com/lc/hostd/internal/config"
)

// DefaultKey names the instance used when callers do not pick one.
const DefaultKey = "default"

// plainKey matches keys usable verbatim as a directory name.
var plainKey = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// instanceDir returns the cache subdirectory for key. Keys that are not
// plain names are hashed so they can never leave the cache root.
func instanceDir(key string) string {
	if plainKey.MatchString(key) {
		return key
	}
	return "key-" + strconv.FormatUint(murmur3.Sum64([]byte(key)), 16)
}

// Registry hands out one Resolver per key. Instances get their own cache
// subdirectory so they never share files.
type Registry struct {
	cfg  *config.Config
	opts []Opt

	mu        sync.Mutex // protects instances
	instances map[string]*Resolver
}

// NewRegistry returns an empty registry whose resolvers are built from cfg
// and opts.
func NewRegistry(cfg *config.Config, opts ...Opt) *Registry {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Registry{cfg: cfg, opts: opts, instances: make(map[string]*Resolver)}
}

// Get returns the resolver for key, creating an uninitialised one on first
// use. The same key always yields the same instance until it is removed.
func (g *Registry) Get(key string) *Resolver {
	if key == "" {
		key = DefaultKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.instances[key]; ok {
		return r
	}
	cfg := cloneConfig(g.cfg)
	if cfg.Cache.Dir != "" {
		cfg.Cache.Dir = filepath.Join(cfg.Cache.Dir, instanceDir(key))
	}
	r := New(&cfg, g.opts...)
	g.instances[key] = r
	return r
}

// Remove closes and forgets the resolver for key.
func (g *Registry) Remove(key string) error {
	if key == "" {
		key = DefaultKey
	}
	g.mu.Lock()
	r, ok := g.instances[key]
	delete(g.instances, key)
	g.mu.Unlock()

	if !ok {
		return nil
	}
	return r.Close()
}

// Keys returns the keys of every live instance, sorted.
func (g *Registry) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := make([]string, 0, len(g.instances))
	for k := range g.instances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloseAll closes and forgets every instance.
func (g *Registry) CloseAll() error {
	g.mu.Lock()
	instances := g.instances
	g.instances = make(map[string]*Resolver)
	g.mu.Unlock()

	var errs error
	for _, r := range instances {
		errs = multierr.Append(errs, r.Close())
	}
	return errs
}
