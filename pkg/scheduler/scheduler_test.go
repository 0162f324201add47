package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/frontier-crawler/pkg/config"
	"github.com/Sriram-PR/frontier-crawler/pkg/crawler"
	"github.com/Sriram-PR/frontier-crawler/pkg/fetch"
	"github.com/Sriram-PR/frontier-crawler/pkg/frontier"
	"github.com/Sriram-PR/frontier-crawler/pkg/handler"
	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/rules"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
	"github.com/Sriram-PR/frontier-crawler/pkg/storage"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
	"github.com/Sriram-PR/frontier-crawler/pkg/watchdog"
)

const tick = 5 * time.Millisecond

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testSession(jobID string) *session.Context {
	return session.New(&config.JobConfig{JobID: jobID}, testLogger())
}

// memFrontier hands out an endless or finite supply of URLs and records every call
type memFrontier struct {
	mu        sync.Mutex
	remaining int // -1 means unlimited
	next      int
	claims    []int
	processed []string
	failed    []string
	added     []string
	markErr   error
	// The first addFailures AddURLs calls fail with addErr and store nothing
	addFailures int
	addErr      error
	unstored    []string
}

func (f *memFrontier) AddURLs(_ context.Context, urls []string, _ bool) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addFailures > 0 {
		f.addFailures--
		f.unstored = append(f.unstored, urls...)
		return 0, 0, f.addErr
	}
	f.added = append(f.added, urls...)
	return len(urls), 0, nil
}

func (f *memFrontier) ClaimNext(_ context.Context, count int) ([]models.URLRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, count)
	if f.remaining >= 0 {
		count = min(count, f.remaining)
		f.remaining -= count
	}
	recs := make([]models.URLRecord, 0, count)
	for range count {
		f.next++
		recs = append(recs, models.URLRecord{
			Hash: fmt.Sprintf("h%03d", f.next),
			URL:  fmt.Sprintf("https://example.test/p%d", f.next),
		})
	}
	return recs, nil
}

func (f *memFrontier) MarkProcessed(_ context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil && len(hashes) > 0 {
		return f.markErr
	}
	f.processed = append(f.processed, hashes...)
	return nil
}

func (f *memFrontier) MarkFailed(_ context.Context, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, hashes...)
	return nil
}

func (f *memFrontier) RecoverOrphans(context.Context) (int, error) { return 0, nil }

func (f *memFrontier) Status() models.FrontierStatus { return models.FrontierStatus{} }

func (f *memFrontier) claimSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.claims...)
}

// runnerFunc adapts a function to TaskRunner
type runnerFunc func(ctx context.Context, task models.CrawlTask) *models.CrawlResult

func (f runnerFunc) Execute(ctx context.Context, task models.CrawlTask, _ *rules.Evaluator) *models.CrawlResult {
	return f(ctx, task)
}

func okRunner(ctx context.Context, task models.CrawlTask) *models.CrawlResult {
	return &models.CrawlResult{Task: task, StatusCode: 200, Attempts: 1, Validation: models.ValidationResult{Valid: true}}
}

// recordingHandler counts lifecycle calls
type recordingHandler struct {
	mu        sync.Mutex
	initErr   error
	inits     int
	handled   []string
	destroyed int
	handleErr error
}

func (h *recordingHandler) Initialize(context.Context, *session.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inits++
	return h.initErr
}

func (h *recordingHandler) Handle(_ context.Context, res *models.CrawlResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, res.Task.URL)
	return h.handleErr
}

func (h *recordingHandler) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed++
	return nil
}

func runAsync(ctx context.Context, s *Scheduler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
		return nil
	}
}

func TestLimits(t *testing.T) {
	tests := []struct {
		pool              int
		wantQueued, limit int
	}{
		{1, 2, 2},
		{2, 4, 3},
		{3, 6, 5},
		{4, 8, 6},
		{10, 20, 15},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("pool_%d", tt.pool), func(t *testing.T) {
			q, l := Limits(tt.pool)
			assert.Equal(t, tt.wantQueued, q)
			assert.Equal(t, tt.limit, l)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "INITIALIZING", StateInitializing.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestRun_FrontierExhausted(t *testing.T) {
	sess := testSession("exhausted")
	front := &memFrontier{remaining: 7}
	h := &recordingHandler{}
	s := New(sess, Deps{Frontier: front, Runner: runnerFunc(okRunner), Handlers: []handler.ResultHandler{h}},
		Options{PoolSize: 2, TickInterval: tick}, testLogger())

	require.NoError(t, waitRun(t, runAsync(context.Background(), s)))

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, ReasonFrontierExhausted, sess.StopReason())
	assert.Len(t, front.processed, 7)
	assert.Equal(t, int64(7), sess.Counter(session.CounterTasksSubmitted))
	assert.Equal(t, int64(7), sess.Counter(session.CounterTasksSucceeded))
	assert.Equal(t, int64(7), sess.Counter(session.CounterPagesValid))
	assert.Equal(t, 1, h.inits)
	assert.Len(t, h.handled, 7)
	assert.Equal(t, 1, h.destroyed)
	assert.Zero(t, s.Pending())
}

func TestRun_Backpressure(t *testing.T) {
	sess := testSession("backpressure")
	front := &memFrontier{remaining: -1}
	release := make(chan struct{})
	started := make(chan string, 16)
	runner := runnerFunc(func(ctx context.Context, task models.CrawlTask) *models.CrawlResult {
		started <- task.URLID
		<-release
		return okRunner(ctx, task)
	})
	s := New(sess, Deps{Frontier: front, Runner: runner}, Options{PoolSize: 3, TickInterval: tick}, testLogger())
	done := runAsync(context.Background(), s)

	for range 3 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not start")
		}
	}
	// Let several ticks pass with six pending and five as the limit
	time.Sleep(20 * tick)
	assert.Equal(t, []int{6}, front.claimSizes())
	assert.Equal(t, 6, s.Pending())
	assert.Equal(t, StateRunning, s.State())

	s.Stop("test over")
	require.Eventually(t, func() bool {
		return sess.Counter(session.CounterTasksDiscarded) == 3
	}, 5*time.Second, tick)
	close(release)

	require.NoError(t, waitRun(t, done))
	assert.Equal(t, "test over", sess.StopReason())
	assert.Equal(t, int64(3), sess.Counter(session.CounterTasksSucceeded))
	assert.Len(t, front.processed, 3)
	// Discarded tasks are never marked and stay PROCESSING for orphan recovery
	assert.Empty(t, front.failed)
}

func TestRun_FailedResults(t *testing.T) {
	sess := testSession("failures")
	front := &memFrontier{remaining: 4}
	runner := runnerFunc(func(ctx context.Context, task models.CrawlTask) *models.CrawlResult {
		if task.URLID == "h002" || task.URLID == "h004" {
			return &models.CrawlResult{Task: task, StatusCode: 404, Error: &models.ErrorInfo{Category: "HTTP_404", Message: "status 404"}}
		}
		return okRunner(ctx, task)
	})
	s := New(sess, Deps{Frontier: front, Runner: runner}, Options{PoolSize: 1, TickInterval: tick}, testLogger())
	require.NoError(t, waitRun(t, runAsync(context.Background(), s)))

	sort.Strings(front.failed)
	assert.Equal(t, []string{"h002", "h004"}, front.failed)
	assert.Len(t, front.processed, 2)
	assert.Equal(t, int64(2), sess.Counter(session.CounterTasksFailed))
	assert.Equal(t, int64(2), sess.Counter(session.FailedCounterPrefix+"HTTP_404"))
	assert.Equal(t, int64(2), sess.Counter(session.CounterPagesInvalid))
}

func TestRun_PersistenceFailureStops(t *testing.T) {
	sess := testSession("persistence")
	markErr := fmt.Errorf("%w: disk full", utils.ErrPersistence)
	front := &memFrontier{remaining: -1, markErr: markErr}
	s := New(sess, Deps{Frontier: front, Runner: runnerFunc(okRunner)}, Options{PoolSize: 2, TickInterval: tick}, testLogger())

	err := waitRun(t, runAsync(context.Background(), s))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrPersistence)
	assert.True(t, IsPersistenceFailure(sess.StopReason()), sess.StopReason())
	assert.Equal(t, StateStopped, s.State())
}

func TestRun_WatchdogStops(t *testing.T) {
	sess := testSession("watchdog")
	front := &memFrontier{remaining: 50}
	runner := runnerFunc(func(ctx context.Context, task models.CrawlTask) *models.CrawlResult {
		res := okRunner(ctx, task)
		res.Validation.Valid = false
		return res
	})
	s := New(sess, Deps{
		Frontier:  front,
		Runner:    runner,
		Watchdogs: []watchdog.Watchdog{watchdog.NewRejectStreak(3)},
	}, Options{PoolSize: 1, TickInterval: tick}, testLogger())

	require.NoError(t, waitRun(t, runAsync(context.Background(), s)))
	assert.Equal(t, "3 consecutive invalid pages", sess.StopReason())
	assert.Less(t, len(front.processed), 50)
}

func TestRun_OperatorCancel(t *testing.T) {
	sess := testSession("cancel")
	front := &memFrontier{remaining: -1}
	runner := runnerFunc(func(ctx context.Context, task models.CrawlTask) *models.CrawlResult {
		time.Sleep(tick)
		// In-flight tasks keep a live context through the drain
		if ctx.Err() != nil {
			return &models.CrawlResult{Task: task, Error: &models.ErrorInfo{Category: "Cancelled"}}
		}
		return okRunner(ctx, task)
	})
	s := New(sess, Deps{Frontier: front, Runner: runner}, Options{PoolSize: 2, TickInterval: tick}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return sess.Counter(session.CounterTasksSucceeded) >= 2 }, 5*time.Second, tick)
	cancel()

	require.NoError(t, waitRun(t, done))
	assert.Equal(t, ReasonOperatorRequest, sess.StopReason())
	assert.Zero(t, sess.Counter(session.CounterTasksFailed))
	assert.Zero(t, s.Pending())
}

func TestStop_ConcurrentIsIdempotent(t *testing.T) {
	sess := testSession("stop")
	front := &memFrontier{remaining: -1}
	release := make(chan struct{})
	started := make(chan string, 16)
	runner := runnerFunc(func(ctx context.Context, task models.CrawlTask) *models.CrawlResult {
		started <- task.URLID
		<-release
		return okRunner(ctx, task)
	})
	logger, hook := logtest.NewNullLogger()
	s := New(sess, Deps{Frontier: front, Runner: runner}, Options{PoolSize: 3, TickInterval: tick}, logrus.NewEntry(logger))
	done := runAsync(context.Background(), s)

	for range 3 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not start")
		}
	}

	var wg sync.WaitGroup
	reasons := make(map[string]bool)
	for i := range 20 {
		reason := fmt.Sprintf("stopper-%d", i)
		reasons[reason] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(reason)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return s.State() == StateDraining }, 5*time.Second, tick)
	assert.Zero(t, sess.Counter(session.CounterTasksSucceeded))
	close(release)

	require.NoError(t, waitRun(t, done))
	assert.True(t, reasons[sess.StopReason()], sess.StopReason())
	assert.Equal(t, StateStopped, s.State())
	// The three running tasks finish and are recorded despite the racing stops
	assert.Equal(t, int64(3), sess.Counter(session.CounterTasksSucceeded))
	assert.Len(t, front.processed, 3)

	transitions := make(map[string]int)
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Scheduler state change" {
			transitions[fmt.Sprint(entry.Data["to"])]++
		}
	}
	assert.Equal(t, map[string]int{"RUNNING": 1, "DRAINING": 1, "STOPPED": 1}, transitions)
}

func TestRun_LinkStoreFailureLeavesPageProcessing(t *testing.T) {
	sess := testSession("links-lost")
	front := &memFrontier{
		remaining:   6,
		addFailures: 1,
		addErr:      fmt.Errorf("%w: write stalled", utils.ErrPersistence),
	}
	runner := runnerFunc(func(ctx context.Context, task models.CrawlTask) *models.CrawlResult {
		res := okRunner(ctx, task)
		res.Links = []string{"https://example.test/from/" + task.URLID}
		return res
	})
	s := New(sess, Deps{Frontier: front, Runner: runner}, Options{PoolSize: 3, TickInterval: tick}, testLogger())

	err := waitRun(t, runAsync(context.Background(), s))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrPersistence)
	assert.True(t, IsPersistenceFailure(sess.StopReason()), sess.StopReason())

	require.Len(t, front.unstored, 1)
	lost := strings.TrimPrefix(front.unstored[0], "https://example.test/from/")
	assert.NotContains(t, front.processed, lost)
	assert.NotContains(t, front.failed, lost)
	assert.Equal(t, int64(1), sess.Counter(session.CounterLinksUnstored))

	// Every page marked PROCESSED had its links stored first
	stored := make(map[string]bool)
	for _, link := range front.added {
		stored[strings.TrimPrefix(link, "https://example.test/from/")] = true
	}
	for _, hash := range front.processed {
		assert.True(t, stored[hash], "page %s processed without its links", hash)
	}
	assert.Len(t, front.processed, len(front.added))
}

func TestRun_HandlerInitFailure(t *testing.T) {
	sess := testSession("init")
	first := &recordingHandler{}
	broken := &recordingHandler{initErr: errors.New("cannot open output")}
	front := &memFrontier{remaining: 5}
	s := New(sess, Deps{Frontier: front, Runner: runnerFunc(okRunner), Handlers: []handler.ResultHandler{first, broken}},
		Options{PoolSize: 1, TickInterval: tick}, testLogger())

	err := waitRun(t, runAsync(context.Background(), s))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot open output")
	assert.Equal(t, 1, first.destroyed)
	assert.Zero(t, broken.destroyed)
	assert.Empty(t, front.claimSizes())
}

func TestRun_HandlerErrorsCounted(t *testing.T) {
	sess := testSession("handler-errors")
	bad := &recordingHandler{handleErr: errors.New("sink unavailable")}
	good := &recordingHandler{}
	front := &memFrontier{remaining: 3}
	s := New(sess, Deps{Frontier: front, Runner: runnerFunc(okRunner), Handlers: []handler.ResultHandler{bad, good}},
		Options{PoolSize: 1, TickInterval: tick}, testLogger())

	require.NoError(t, waitRun(t, runAsync(context.Background(), s)))
	assert.Equal(t, int64(3), sess.Counter(session.CounterHandlerErrors))
	assert.Len(t, good.handled, 3)
	assert.Len(t, front.processed, 3)
}

func TestRun_TagsAttached(t *testing.T) {
	sess := testSession("tags")
	front := &memFrontier{remaining: 2}
	var mu sync.Mutex
	var seen [][]string
	runner := runnerFunc(func(ctx context.Context, task models.CrawlTask) *models.CrawlResult {
		mu.Lock()
		seen = append(seen, task.Tags)
		mu.Unlock()
		return okRunner(ctx, task)
	})
	tags := rules.TagRules{
		{Tag: "test-host", Rule: `host == "example.test"`},
		{Tag: "never", Rule: `false`},
	}
	s := New(sess, Deps{Frontier: front, Runner: runner}, Options{PoolSize: 1, TickInterval: tick, Tags: tags}, testLogger())
	require.NoError(t, waitRun(t, runAsync(context.Background(), s)))

	require.Len(t, seen, 2)
	for _, got := range seen {
		assert.Equal(t, []string{"test-host"}, got)
	}
}

func TestRun_TaskTimeout(t *testing.T) {
	sess := testSession("timeout")
	front := &memFrontier{remaining: 1}
	runner := runnerFunc(func(ctx context.Context, task models.CrawlTask) *models.CrawlResult {
		<-ctx.Done()
		return &models.CrawlResult{Task: task, Error: &models.ErrorInfo{Category: "Timeout", Message: ctx.Err().Error()}}
	})
	s := New(sess, Deps{Frontier: front, Runner: runner},
		Options{PoolSize: 1, TickInterval: tick, TaskTimeout: 20 * time.Millisecond}, testLogger())

	require.NoError(t, waitRun(t, runAsync(context.Background(), s)))
	assert.Equal(t, []string{"h001"}, front.failed)
}

// siteFetcher serves a small in-memory site keyed by path
type siteFetcher map[string]string

func (s siteFetcher) Fetch(_ context.Context, rawURL string) (*fetch.FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	body, ok := s[path]
	if !ok {
		return &fetch.FetchResult{StatusCode: 404, FinalURL: rawURL},
			fmt.Errorf("%w: %w: status 404", utils.ErrPermanentFetch, utils.ErrClientHTTPError)
	}
	return &fetch.FetchResult{StatusCode: 200, ContentType: "text/html", Body: []byte(body), FinalURL: rawURL}, nil
}

func page(links ...string) string {
	body := "<html><body><p>page</p>"
	for _, l := range links {
		body += fmt.Sprintf(`<a href="%s">link</a>`, l)
	}
	return body + "</body></html>"
}

func TestRun_EndToEndWithBadgerFrontier(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, config.StorageConfig{Backend: config.BackendBadger, StateDir: t.TempDir()}, "e2e", false, testLogger())
	require.NoError(t, err)

	ingestion := rules.DeciderList{Deciders: []rules.Decider{
		{Field: "path", Action: rules.ActionReject, Operator: rules.OpStartsWith, Argument: "/private"},
	}}
	front, err := frontier.New(ctx, store, rules.NewPool(rules.Options{}), frontier.Options{IngestionFilter: ingestion}, testLogger())
	require.NoError(t, err)
	defer front.Close()

	site := siteFetcher{
		"/":  page("/a", "/b", "/private/x", "#top"),
		"/a": page("/c", "/"),
		"/b": page("/a", "/missing"),
		"/c": page(),
	}
	sess := testSession("e2e")
	exec := crawler.NewExecutor(site, nil, sess, crawler.Options{}, testLogger())
	h := &recordingHandler{}

	s := New(sess, Deps{Frontier: front, Runner: exec, Handlers: []handler.ResultHandler{h}},
		Options{PoolSize: 3, TickInterval: tick, Seeds: []string{"https://example.test/"}}, testLogger())
	require.NoError(t, waitRun(t, runAsync(ctx, s)))

	assert.Equal(t, ReasonFrontierExhausted, sess.StopReason())
	status := front.Status()
	// /, /a, /b and /c are processed; /missing failed
	assert.Equal(t, int64(0), status.Queued)
	assert.Equal(t, int64(0), status.Processing)
	assert.Equal(t, int64(4), status.Processed)
	assert.Equal(t, int64(1), status.Failed)
	assert.Len(t, h.handled, 5)
	assert.Equal(t, int64(1), sess.Counter(session.CounterLinksRejected))
	assert.Equal(t, int64(1), sess.Counter(session.FailedCounterPrefix+utils.CategorizeError(
		fmt.Errorf("%w: %w: status 404", utils.ErrPermanentFetch, utils.ErrClientHTTPError))))
}
