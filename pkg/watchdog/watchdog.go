package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/Sriram-PR/frontier-crawler/pkg/config"
	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
)

// Watchdog watches the result stream and the clock and requests a stop
// through the session when its condition is met. Observe and Tick are called
// from the scheduler's control loop.
type Watchdog interface {
	Name() string
	Init(sess *session.Context)
	Observe(result *models.CrawlResult, valid bool)
	Tick(now time.Time)
}

// FromConfig builds the watchdogs enabled in cfg
func FromConfig(cfg *config.JobConfig) []Watchdog {
	var dogs []Watchdog
	if cfg.Timeout > 0 {
		dogs = append(dogs, NewIdleTimeout(cfg.Timeout))
	}
	if cfg.MaxRejectedPageCount > 0 {
		dogs = append(dogs, NewRejectStreak(cfg.MaxRejectedPageCount))
	}
	if cfg.MaxDuration > 0 {
		dogs = append(dogs, NewDeadline(cfg.MaxDuration))
	}
	return dogs
}

// IdleTimeout stops the crawl when no valid result arrived for longer than Timeout
type IdleTimeout struct {
	Timeout time.Duration

	mu        sync.Mutex
	sess      *session.Context
	lastValid time.Time
	now       func() time.Time
}

// NewIdleTimeout creates an IdleTimeout watchdog
func NewIdleTimeout(d time.Duration) *IdleTimeout {
	return &IdleTimeout{Timeout: d, now: time.Now}
}

func (w *IdleTimeout) Name() string { return "idle_timeout" }

func (w *IdleTimeout) Init(sess *session.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sess = sess
	w.lastValid = w.now()
}

func (w *IdleTimeout) Observe(_ *models.CrawlResult, valid bool) {
	if !valid {
		return
	}
	w.mu.Lock()
	w.lastValid = w.now()
	w.mu.Unlock()
}

func (w *IdleTimeout) Tick(now time.Time) {
	w.mu.Lock()
	idle := now.Sub(w.lastValid)
	w.mu.Unlock()
	if idle > w.Timeout {
		w.sess.RequestStop(fmt.Sprintf("no valid page for %v", w.Timeout))
	}
}

// RejectStreak stops the crawl after Limit consecutive invalid results
type RejectStreak struct {
	Limit int

	mu     sync.Mutex
	sess   *session.Context
	streak int
}

// NewRejectStreak creates a RejectStreak watchdog
func NewRejectStreak(limit int) *RejectStreak {
	return &RejectStreak{Limit: limit}
}

func (w *RejectStreak) Name() string { return "reject_streak" }

func (w *RejectStreak) Init(sess *session.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sess = sess
	w.streak = 0
}

func (w *RejectStreak) Observe(_ *models.CrawlResult, valid bool) {
	w.mu.Lock()
	if valid {
		w.streak = 0
		w.mu.Unlock()
		return
	}
	w.streak++
	hit := w.streak >= w.Limit
	w.mu.Unlock()

	if hit {
		w.sess.RequestStop(fmt.Sprintf("%d consecutive invalid pages", w.Limit))
	}
}

func (w *RejectStreak) Tick(time.Time) {}

// Streak returns the current run of invalid results
func (w *RejectStreak) Streak() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.streak
}

// Deadline stops the crawl once MaxDuration has passed since the session started
type Deadline struct {
	MaxDuration time.Duration

	sess     *session.Context
	deadline time.Time
}

// NewDeadline creates a Deadline watchdog
func NewDeadline(d time.Duration) *Deadline {
	return &Deadline{MaxDuration: d}
}

func (w *Deadline) Name() string { return "deadline" }

func (w *Deadline) Init(sess *session.Context) {
	w.sess = sess
	w.deadline = sess.StartedAt.Add(w.MaxDuration)
}

func (w *Deadline) Observe(*models.CrawlResult, bool) {}

func (w *Deadline) Tick(now time.Time) {
	if !now.Before(w.deadline) {
		w.sess.RequestStop(fmt.Sprintf("max duration %v reached", w.MaxDuration))
	}
}
