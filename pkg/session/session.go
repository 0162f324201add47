package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/config"
)

// Well-known counter names
const (
	CounterTasksSubmitted  = "tasks.submitted"
	CounterTasksSucceeded  = "tasks.succeeded"
	CounterTasksFailed     = "tasks.failed"
	CounterTasksDiscarded  = "tasks.discarded"
	CounterPagesValid      = "pages.valid"
	CounterPagesInvalid    = "pages.invalid"
	CounterLinksDiscovered = "links.discovered"
	CounterLinksQueued     = "links.queued"
	CounterLinksRejected   = "links.rejected"
	CounterLinksUnstored   = "links.unstored"
	CounterHandlerErrors   = "handler.errors"
	CounterRetries         = "fetch.retries"
	CounterExcessiveLinks  = "anomaly.excessive_links"
	FailedCounterPrefix    = "failed."
)

// Context is the state shared by every component of one crawl execution.
// It is safe for concurrent use.
type Context struct {
	JobID       string
	ExecutionID string
	Config      *config.JobConfig
	StartedAt   time.Time

	mu       sync.RWMutex
	counters map[string]*atomic.Int64

	stopOnce   sync.Once
	stopped    atomic.Bool
	stopReason atomic.Value // string
	done       chan struct{}

	log *logrus.Entry
}

// New creates a session for cfg with a fresh execution ID
func New(cfg *config.JobConfig, log *logrus.Entry) *Context {
	execID := uuid.NewString()
	return &Context{
		JobID:       cfg.JobID,
		ExecutionID: execID,
		Config:      cfg,
		StartedAt:   time.Now(),
		counters:    make(map[string]*atomic.Int64),
		done:        make(chan struct{}),
		log:         log.WithFields(logrus.Fields{"job_id": cfg.JobID, "execution_id": execID}),
	}
}

// Log returns the session logger carrying job_id and execution_id
func (s *Context) Log() *logrus.Entry {
	return s.log
}

func (s *Context) counter(name string) *atomic.Int64 {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[name]; !ok {
		c = &atomic.Int64{}
		s.counters[name] = c
	}
	return c
}

// Incr adds one to the named counter
func (s *Context) Incr(name string) int64 {
	return s.counter(name).Add(1)
}

// Add adds delta to the named counter and returns the new value
func (s *Context) Add(name string, delta int64) int64 {
	return s.counter(name).Add(delta)
}

// Counter returns the current value of name, 0 if never touched
func (s *Context) Counter(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Snapshot copies every counter
func (s *Context) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.counters))
	for name, c := range s.counters {
		out[name] = c.Load()
	}
	return out
}

// RequestStop asks the crawl to stop. Only the first call records its reason
// and returns true; later calls are no-ops.
func (s *Context) RequestStop(reason string) bool {
	first := false
	s.stopOnce.Do(func() {
		first = true
		s.stopReason.Store(reason)
		s.stopped.Store(true)
		close(s.done)
		s.log.WithField("reason", reason).Info("Stop requested")
	})
	return first
}

// StopRequested reports whether RequestStop has been called
func (s *Context) StopRequested() bool {
	return s.stopped.Load()
}

// StopReason returns the reason given to the first RequestStop, "" if none
func (s *Context) StopReason() string {
	if r, ok := s.stopReason.Load().(string); ok {
		return r
	}
	return ""
}

// Done is closed when a stop is requested
func (s *Context) Done() <-chan struct{} {
	return s.done
}

// Elapsed returns the time since the session started
func (s *Context) Elapsed() time.Duration {
	return time.Since(s.StartedAt)
}
