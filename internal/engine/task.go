package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/lc/hostd/internal/record"
)

// Kind identifies what a queued task does.
type Kind int

// Task kinds.
const (
	KindResolveHost Kind = iota
	KindSpeedCheck
	KindCacheUpdate
)

func (k Kind) String() string {
	switch k {
	case KindResolveHost:
		return "resolve-host"
	case KindSpeedCheck:
		return "speed-check"
	case KindCacheUpdate:
		return "cache-update"
	default:
		return "unknown"
	}
}

// Priority ranks kinds: resolves first, cache writes last. The queue itself
// is FIFO; the priority is carried for logging and callers.
func (k Kind) Priority() int {
	switch k {
	case KindResolveHost:
		return 10
	case KindSpeedCheck:
		return 5
	default:
		return 1
	}
}

// ResolveCallback receives the outcome of an asynchronous resolve: the
// record, whether resolution succeeded, and the record it replaced.
type ResolveCallback func(h *record.Host, ok bool, prev *record.Host)

// SpeedCallback receives the re-ranked record of a speed check.
type SpeedCallback func(h *record.Host, ok bool)

// PersistCallback receives the result of a cache write.
type PersistCallback func(err error)

// task is a unit of work consumed by exactly one worker. A nil task is the
// shutdown sentinel.
type task interface {
	meta() taskMeta
	// fail reports failure to the task's callback.
	fail(err error)
}

type taskMeta struct {
	id       string
	kind     Kind
	hostname string
	created  time.Time
}

func newMeta(kind Kind, hostname string, now time.Time) taskMeta {
	return taskMeta{
		id:       uuid.NewString(),
		kind:     kind,
		hostname: hostname,
		created:  now,
	}
}

func (m taskMeta) meta() taskMeta { return m }

type resolveTask struct {
	taskMeta
	cb ResolveCallback
}

func (t resolveTask) fail(error) {
	if t.cb != nil {
		t.cb(nil, false, nil)
	}
}

type speedCheckTask struct {
	taskMeta
	cb SpeedCallback
}

func (t speedCheckTask) fail(error) {
	if t.cb != nil {
		t.cb(nil, false)
	}
}

type cacheUpdateTask struct {
	taskMeta
	cb PersistCallback
}

func (t cacheUpdateTask) fail(err error) {
	if t.cb != nil {
		t.cb(err)
	}
}
