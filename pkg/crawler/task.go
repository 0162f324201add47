package crawler

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/fetch"
	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/rules"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// Options controls retries and link handling of an Executor
type Options struct {
	MaxRetryCount     int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	MaxLinksPerPage   int               // Pages above this are flagged, 0 disables the check
	LinkFilter        rules.DeciderList // Applied to every extracted link
}

// Executor runs crawl tasks: fetch with retries, link extraction, validation.
// One Executor is shared by all workers; per-worker state lives in the Evaluator.
type Executor struct {
	fetcher   fetch.Fetcher
	validator Validator
	sess      *session.Context
	opts      Options
	log       *logrus.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor. A nil validator accepts every page.
func NewExecutor(fetcher fetch.Fetcher, validator Validator, sess *session.Context, opts Options, log *logrus.Entry) *Executor {
	if validator == nil {
		validator = AcceptAll{}
	}
	return &Executor{
		fetcher:   fetcher,
		validator: validator,
		sess:      sess,
		opts:      opts,
		log:       log.WithField("component", "executor"),
		sleep:     sleepCtx,
	}
}

// Execute processes task and always returns a result. Failures are reported in
// CrawlResult.Error, never as a panic or a missing result. ev must be owned by the caller.
func (e *Executor) Execute(ctx context.Context, task models.CrawlTask, ev *rules.Evaluator) (result *models.CrawlResult) {
	taskLog := e.log.WithFields(logrus.Fields{"task_id": task.TaskID, "url": task.URL})
	result = &models.CrawlResult{Task: task, StartedAt: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in crawl task")
			result.Error = &models.ErrorInfo{Category: "Internal_Panic", Message: err.Error()}
		}
		result.EndedAt = time.Now()

		logFields := logrus.Fields{"duration": result.Duration().String(), "attempts": result.Attempts}
		if result.Error != nil {
			logFields["category"] = result.Error.Category
			taskLog.WithFields(logFields).Warnf("Task failed: %s", result.Error.Message)
		} else {
			logFields["links"] = len(result.Links)
			taskLog.WithFields(logFields).Debug("Task completed")
		}
	}()

	fetched, err := e.fetchWithRetry(ctx, task.URL, result, taskLog)
	if fetched != nil {
		result.StatusCode = fetched.StatusCode
		result.ContentType = fetched.ContentType
		result.FinalURL = fetched.FinalURL
	}
	if err != nil {
		result.Error = errorInfo(err)
		return result
	}

	content := string(fetched.Body)
	result.Content = &content

	var doc *goquery.Document
	if isHTML(fetched.ContentType) {
		doc, err = goquery.NewDocumentFromReader(bytes.NewReader(fetched.Body))
		if err != nil {
			result.Error = errorInfo(fmt.Errorf("%w: HTML from %q: %w", utils.ErrParsing, result.FinalURL, err))
			return result
		}
		result.Links = e.links(doc, fetched.FinalURL, ev, taskLog)
	}

	result.Validation = e.validator.Validate(result, doc)
	return result
}

// fetchWithRetry retries transient failures with exponential backoff and jitter.
// A transient error that survives every attempt is wrapped in ErrRetryFailed.
func (e *Executor) fetchWithRetry(ctx context.Context, rawURL string, result *models.CrawlResult, taskLog *logrus.Entry) (*fetch.FetchResult, error) {
	var lastErr error
	var lastResult *fetch.FetchResult

	for attempt := 0; attempt <= e.opts.MaxRetryCount; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, e.opts.InitialRetryDelay, e.opts.MaxRetryDelay)
			taskLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": e.opts.MaxRetryCount, "delay": delay}).
				Warnf("Retrying after transient failure: %v", lastErr)
			if e.sess != nil {
				e.sess.Incr(session.CounterRetries)
			}
			if err := e.sleep(ctx, delay); err != nil {
				return lastResult, fmt.Errorf("context cancelled during retry delay after error: %w: %w", lastErr, err)
			}
		}

		result.Attempts++
		res, err := e.fetcher.Fetch(ctx, rawURL)
		if err == nil {
			return res, nil
		}
		lastErr, lastResult = err, res
		if !utils.IsTransient(err) {
			return res, err
		}
	}
	return lastResult, fmt.Errorf("%w (%d attempts): %w", utils.ErrRetryFailed, result.Attempts, lastErr)
}

// backoffDelay is initial*2^(attempt-1) capped at maxDelay, with +/-10% jitter
func backoffDelay(attempt int, initial, maxDelay time.Duration) time.Duration {
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	delay := time.Duration(backoff)
	if delay <= 0 || (maxDelay > 0 && delay > maxDelay) {
		delay = maxDelay
	}
	if delay <= 0 {
		return 0
	}
	var jitter time.Duration
	if span := int64(delay) / 5; span > 0 {
		jitter = time.Duration(rand.Int63n(span)) - delay/10
	}
	if final := delay + jitter; final > 0 {
		return final
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorInfo(err error) *models.ErrorInfo {
	return &models.ErrorInfo{
		Category:  utils.CategorizeError(err),
		Message:   err.Error(),
		Transient: utils.IsTransient(err),
	}
}

func isHTML(contentType string) bool {
	return contentType == "text/html" || contentType == "application/xhtml+xml"
}

// links extracts the page's outbound links and applies the link filter
func (e *Executor) links(doc *goquery.Document, finalURL string, ev *rules.Evaluator, taskLog *logrus.Entry) []string {
	base, err := url.Parse(finalURL)
	if err != nil {
		taskLog.Warnf("Cannot parse final URL for link resolution: %v", err)
		return nil
	}

	found := ExtractLinks(doc, base, taskLog)
	if e.sess != nil {
		e.sess.Add(session.CounterLinksDiscovered, int64(len(found)))
	}
	if limit := e.opts.MaxLinksPerPage; limit > 0 && len(found) > limit {
		taskLog.WithField("links", len(found)).Warnf("Page has more than %d links", limit)
		if e.sess != nil {
			e.sess.Incr(session.CounterExcessiveLinks)
		}
	}
	if len(e.opts.LinkFilter.Deciders) == 0 {
		return found
	}

	kept := found[:0]
	for _, link := range found {
		subject, err := rules.NewURLContext(link)
		if err != nil {
			continue
		}
		if e.opts.LinkFilter.Accepts(ev, subject, taskLog) {
			kept = append(kept, link)
		} else if e.sess != nil {
			e.sess.Incr(session.CounterLinksRejected)
		}
	}
	return kept
}
