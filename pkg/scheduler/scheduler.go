package scheduler

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/handler"
	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/queue"
	"github.com/Sriram-PR/frontier-crawler/pkg/report"
	"github.com/Sriram-PR/frontier-crawler/pkg/rules"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
	"github.com/Sriram-PR/frontier-crawler/pkg/watchdog"
)

// Stop reasons recorded by the scheduler itself
const (
	ReasonFrontierExhausted = "frontier exhausted"
	ReasonOperatorRequest   = "operator request"
	reasonPersistence       = "persistence failure: "
)

// State is the scheduler lifecycle phase
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// URLFrontier is the part of the frontier the scheduler drives
type URLFrontier interface {
	AddURLs(ctx context.Context, urls []string, applyFilter bool) (accepted, rejected int, err error)
	ClaimNext(ctx context.Context, count int) ([]models.URLRecord, error)
	MarkProcessed(ctx context.Context, hashes []string) error
	MarkFailed(ctx context.Context, hashes []string) error
	RecoverOrphans(ctx context.Context) (int, error)
	Status() models.FrontierStatus
}

// TaskRunner executes one crawl task and always returns a result
type TaskRunner interface {
	Execute(ctx context.Context, task models.CrawlTask, ev *rules.Evaluator) *models.CrawlResult
}

// Options controls pacing and pool size
type Options struct {
	PoolSize       int
	TickInterval   time.Duration
	StatusInterval time.Duration // 0 disables periodic reports
	TaskTimeout    time.Duration // 0 means no per-task limit
	Seeds          []string
	Tags           rules.TagRules
}

// Deps are the collaborators of a Scheduler. Handlers and watchdogs run in slice order.
type Deps struct {
	Frontier  URLFrontier
	Runner    TaskRunner
	Rules     *rules.Pool
	Handlers  []handler.ResultHandler
	Watchdogs []watchdog.Watchdog
	Validity  *watchdog.Validity
	Reporter  *report.Reporter
}

// Limits returns the queue bound and the pending threshold above which no new
// work is claimed: 2×pool and round(1.5×pool)
func Limits(poolSize int) (maxQueued, scheduleLimit int) {
	return 2 * poolSize, int(math.Round(1.5 * float64(poolSize)))
}

// Scheduler is the crawl control loop. It owns a fixed worker pool, claims work
// from the frontier under backpressure and routes results to handlers and watchdogs.
type Scheduler struct {
	sess *session.Context
	deps Deps
	opts Options
	log  *logrus.Entry

	maxQueued     int
	scheduleLimit int

	state   atomic.Int32
	queue   *queue.TaskQueue
	results chan *models.CrawlResult
	pending atomic.Int64 // Submitted and not yet harvested
	workers sync.WaitGroup

	ev         *rules.Evaluator // Control loop's own evaluator
	persistErr error
	lastStatus time.Time
}

// New creates a scheduler for sess
func New(sess *session.Context, deps Deps, opts Options, log *logrus.Entry) *Scheduler {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 3
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 200 * time.Millisecond
	}
	if deps.Rules == nil {
		deps.Rules = rules.NewPool(rules.Options{})
	}
	if deps.Validity == nil {
		deps.Validity = watchdog.NewValidity("", log)
	}
	if deps.Reporter == nil {
		deps.Reporter = report.NewReporter(log)
	}

	maxQueued, scheduleLimit := Limits(opts.PoolSize)
	s := &Scheduler{
		sess:          sess,
		deps:          deps,
		opts:          opts,
		log:           log.WithField("component", "scheduler"),
		maxQueued:     maxQueued,
		scheduleLimit: scheduleLimit,
		queue:         queue.NewTaskQueue(log.WithField("component", "task_queue")),
		// Large enough that a worker never blocks on delivery
		results: make(chan *models.CrawlResult, maxQueued+scheduleLimit),
	}
	s.state.Store(int32(StateInitializing))
	return s
}

// State returns the current lifecycle phase
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Pending returns the number of submitted tasks whose results were not yet harvested
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}

func (s *Scheduler) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	s.log.WithFields(logrus.Fields{"from": prev.String(), "to": st.String()}).Info("Scheduler state change")
}

// Stop requests a graceful stop. Safe to call any number of times from any goroutine.
func (s *Scheduler) Stop(reason string) {
	s.sess.RequestStop(reason)
}

// Run drives the crawl until a stop is requested and in-flight work has drained.
// Cancelling ctx is an operator stop: running tasks still finish. Returns the
// first persistence error, if any.
func (s *Scheduler) Run(ctx context.Context) error {
	// Work and bookkeeping must survive the operator stop so the drain can complete
	workCtx := context.WithoutCancel(ctx)

	s.ev = s.deps.Rules.Acquire()
	defer s.deps.Rules.Release(s.ev)

	for i := range s.opts.PoolSize {
		s.workers.Add(1)
		go s.worker(workCtx, i+1)
	}

	initialized, err := s.initialize(workCtx)
	if err == nil {
		s.setState(StateRunning)
		s.run(ctx, workCtx)
	} else {
		s.sess.RequestStop(fmt.Sprintf("initialization failed: %v", err))
	}

	s.setState(StateDraining)
	s.drain(workCtx)

	s.setState(StateStopped)
	for _, h := range initialized {
		if derr := h.Destroy(); derr != nil {
			s.log.Errorf("Handler %T destroy failed: %v", h, derr)
		}
	}
	s.report(workCtx, true)

	if err != nil {
		return err
	}
	return s.persistErr
}

// initialize recovers orphans, seeds the frontier and prepares handlers and watchdogs.
// Returns the handlers that were initialized.
func (s *Scheduler) initialize(ctx context.Context) ([]handler.ResultHandler, error) {
	if _, err := s.deps.Frontier.RecoverOrphans(ctx); err != nil {
		s.persistErr = err
		return nil, err
	}
	if len(s.opts.Seeds) > 0 {
		accepted, rejected, err := s.deps.Frontier.AddURLs(ctx, s.opts.Seeds, false)
		if err != nil {
			s.persistErr = err
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"seeds": len(s.opts.Seeds), "accepted": accepted, "rejected": rejected}).Info("Seeds added")
	}

	var initialized []handler.ResultHandler
	for _, h := range s.deps.Handlers {
		if err := h.Initialize(ctx, s.sess); err != nil {
			return initialized, fmt.Errorf("initializing handler %T: %w", h, err)
		}
		initialized = append(initialized, h)
	}
	for _, w := range s.deps.Watchdogs {
		w.Init(s.sess)
		s.log.Debugf("Watchdog %s armed", w.Name())
	}
	s.lastStatus = time.Now()
	return initialized, nil
}

// run is the RUNNING phase: harvest, watch, report, schedule, sleep
func (s *Scheduler) run(ctx, workCtx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for !s.sess.StopRequested() {
		if ctx.Err() != nil {
			s.sess.RequestStop(ReasonOperatorRequest)
			break
		}

		s.harvest(workCtx, false)
		now := time.Now()
		for _, w := range s.deps.Watchdogs {
			w.Tick(now)
		}
		s.maybeReport(workCtx, now)
		if s.sess.StopRequested() {
			break
		}

		s.schedule(workCtx)
		if s.sess.StopRequested() {
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
		case <-s.sess.Done():
		}
	}
}

// schedule claims new work unless too much is already pending
func (s *Scheduler) schedule(ctx context.Context) {
	pending := s.Pending()
	if pending >= s.scheduleLimit {
		return
	}
	budget := s.maxQueued - s.queue.Len()
	if budget <= 0 {
		return
	}

	claimed, err := s.deps.Frontier.ClaimNext(ctx, budget)
	if err != nil {
		s.fail(err)
		return
	}
	if len(claimed) == 0 {
		if pending == 0 {
			s.sess.RequestStop(ReasonFrontierExhausted)
		}
		return
	}

	for _, rec := range claimed {
		task := s.newTask(rec)
		s.pending.Add(1)
		if !s.queue.Add(task) {
			s.pending.Add(-1)
			continue
		}
		s.sess.Incr(session.CounterTasksSubmitted)
	}
	s.log.WithFields(logrus.Fields{"claimed": len(claimed), "pending": s.Pending()}).Debug("Submitted tasks")
}

func (s *Scheduler) newTask(rec models.URLRecord) *models.CrawlTask {
	task := &models.CrawlTask{
		TaskID:   uuid.NewString(),
		URLID:    rec.Hash,
		URL:      rec.URL,
		Priority: rec.Priority,
	}
	if len(s.opts.Tags) > 0 {
		if subject, err := rules.NewURLContext(rec.URL); err == nil {
			task.Tags = s.opts.Tags.Compute(s.ev, subject, s.log)
		}
	}
	return task
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.workers.Done()
	ev := s.deps.Rules.Acquire()
	defer s.deps.Rules.Release(ev)
	workerLog := s.log.WithField("worker_id", id)
	workerLog.Debug("Worker started")

	for {
		task, ok := s.queue.Pop()
		if !ok {
			workerLog.Debug("Worker exiting: queue closed")
			return
		}
		taskCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.opts.TaskTimeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, s.opts.TaskTimeout)
		}
		result := s.deps.Runner.Execute(taskCtx, *task, ev)
		cancel()
		s.results <- result
	}
}

// harvest collects finished results and routes them. With wait set it blocks
// for at least one result, waking up for status reports.
func (s *Scheduler) harvest(ctx context.Context, wait bool) {
	var batch []*models.CrawlResult
	if wait {
		ticker := time.NewTicker(s.opts.TickInterval)
		defer ticker.Stop()
		for len(batch) == 0 {
			select {
			case res := <-s.results:
				batch = append(batch, res)
			case now := <-ticker.C:
				s.maybeReport(ctx, now)
			}
		}
	}
collect:
	for {
		select {
		case res := <-s.results:
			batch = append(batch, res)
		default:
			break collect
		}
	}
	if len(batch) == 0 {
		return
	}
	s.pending.Add(-int64(len(batch)))
	s.process(ctx, batch)
}

// process routes a batch of results: handlers, counters, watchdogs, new links, then status updates
func (s *Scheduler) process(ctx context.Context, batch []*models.CrawlResult) {
	var processed, failed []string

	for _, res := range batch {
		for _, h := range s.deps.Handlers {
			if err := h.Handle(ctx, res); err != nil {
				s.sess.Incr(session.CounterHandlerErrors)
				s.log.WithField("url", res.Task.URL).Errorf("Handler %T failed: %v", h, err)
			}
		}

		valid := s.deps.Validity.IsValid(s.ev, res)
		if valid {
			s.sess.Incr(session.CounterPagesValid)
		} else {
			s.sess.Incr(session.CounterPagesInvalid)
		}
		for _, w := range s.deps.Watchdogs {
			w.Observe(res, valid)
		}

		if res.Failed() {
			s.sess.Incr(session.CounterTasksFailed)
			s.sess.Incr(session.FailedCounterPrefix + res.Error.Category)
			failed = append(failed, res.Task.URLID)
			continue
		}
		s.sess.Incr(session.CounterTasksSucceeded)

		// A page is only marked PROCESSED once its links are stored. Otherwise it
		// stays PROCESSING and is re-queued by orphan recovery on the next run.
		if len(res.Links) > 0 {
			accepted, rejected, err := s.deps.Frontier.AddURLs(ctx, res.Links, true)
			if err != nil {
				s.sess.Add(session.CounterLinksUnstored, int64(len(res.Links)))
				s.fail(err)
				continue
			}
			s.sess.Add(session.CounterLinksQueued, int64(accepted))
			s.sess.Add(session.CounterLinksRejected, int64(rejected))
		}
		processed = append(processed, res.Task.URLID)
	}

	if err := s.deps.Frontier.MarkProcessed(ctx, processed); err != nil {
		s.fail(err)
	}
	if err := s.deps.Frontier.MarkFailed(ctx, failed); err != nil {
		s.fail(err)
	}
}

// drain discards unstarted tasks and waits for running ones. Discarded tasks
// stay PROCESSING in the frontier and are recovered as orphans on the next run.
func (s *Scheduler) drain(ctx context.Context) {
	discarded := s.queue.Drain()
	if n := len(discarded); n > 0 {
		s.pending.Add(-int64(n))
		s.sess.Add(session.CounterTasksDiscarded, int64(n))
		s.log.Infof("Discarded %d queued tasks; they will be recovered on the next run", n)
	}
	s.queue.Close()

	for s.Pending() > 0 {
		s.log.Debugf("Draining: waiting for %d in-flight tasks", s.Pending())
		s.harvest(ctx, true)
	}
	s.workers.Wait()
	// Anything delivered after the last harvest
	s.harvest(ctx, false)
}

func (s *Scheduler) fail(err error) {
	if s.persistErr == nil {
		s.persistErr = err
	}
	s.log.Errorf("Frontier operation failed: %v", err)
	s.sess.RequestStop(reasonPersistence + err.Error())
}

func (s *Scheduler) maybeReport(ctx context.Context, now time.Time) {
	if s.opts.StatusInterval <= 0 || now.Sub(s.lastStatus) < s.opts.StatusInterval {
		return
	}
	s.lastStatus = now
	s.report(ctx, false)
}

func (s *Scheduler) report(ctx context.Context, final bool) {
	snap := report.Capture(s.sess, s.State().String(), s.deps.Frontier.Status(), s.Pending(), s.queue.Len())
	snap.Final = final
	s.deps.Reporter.Report(ctx, snap)
}

// IsPersistenceFailure reports whether reason was recorded for a frontier error
func IsPersistenceFailure(reason string) bool {
	return strings.HasPrefix(reason, reasonPersistence)
}
