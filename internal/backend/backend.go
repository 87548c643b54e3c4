// Package backend holds the resolution strategies raced by the engine.
//
// Every backend honours one contract: Resolve returns a host record with at
// least one address, or nil. Failures are logged and never returned, so a
// broken backend can neither abort nor delay the others in a race.
package backend

import (
	"context"

	"github.com/lc/hostd/internal/record"
)

// Backend resolves a hostname to a host record.
type Backend interface {
	// Resolve returns nil when nothing was found.
	Resolve(ctx context.Context, hostname string) *record.Host
	Origin() record.Origin
}

// Learner is implemented by backends that keep their own copy of winning
// records.
type Learner interface {
	Learn(h *record.Host)
}

// Clearer is implemented by backends holding state that Clear should drop.
type Clearer interface {
	Clear()
}

// Forgetter is implemented by backends that drop a hostname when the
// registry expires it.
type Forgetter interface {
	Forget(hostname string)
}

var (
	_ Backend   = (*System)(nil)
	_ Backend   = (*DoH)(nil)
	_ Backend   = (*Local)(nil)
	_ Learner   = (*Local)(nil)
	_ Clearer   = (*Local)(nil)
	_ Forgetter = (*Local)(nil)
)

func usable(h *record.Host) *record.Host {
	if h == nil || len(h.Addresses) == 0 {
		return nil
	}
	return h
}
