package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// FetchResult is the outcome of one HTTP exchange
type FetchResult struct {
	StatusCode  int
	ContentType string // Media type without parameters, lowercased
	Body        []byte
	FinalURL    string // After redirects
}

// Fetcher retrieves a single URL. Errors wrap utils.ErrTransientFetch when a
// retry may succeed and utils.ErrPermanentFetch otherwise. A non-nil result may
// accompany a permanent error (e.g. the status code of a 404).
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*FetchResult, error)
}

// Options configures HTTPFetcher
type Options struct {
	UserAgent               string
	MaxPageSizeBytes        int64    // 0 = unlimited
	AcceptedContentTypes    []string // Media types; empty accepts everything
	SemaphoreAcquireTimeout time.Duration
}

// HTTPFetcher is the default Fetcher: one attempt per call, politeness per host
type HTTPFetcher struct {
	client  *http.Client
	limiter *RateLimiter
	hosts   *HostSemaphorePool
	opts    Options
	log     *logrus.Entry
}

// NewHTTPFetcher creates an HTTPFetcher. limiter and hosts may be nil.
func NewHTTPFetcher(client *http.Client, limiter *RateLimiter, hosts *HostSemaphorePool, opts Options, log *logrus.Entry) *HTTPFetcher {
	return &HTTPFetcher{
		client:  client,
		limiter: limiter,
		hosts:   hosts,
		opts:    opts,
		log:     log.WithField("component", "fetcher"),
	}
}

func transient(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", utils.ErrTransientFetch, utils.WrapErrorf(err, format, args...))
}

func permanent(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", utils.ErrPermanentFetch, utils.WrapErrorf(err, format, args...))
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, permanent(fmt.Errorf("%w: URL %q: %w", utils.ErrParsing, rawURL, err), "parsing request URL")
	}
	host := parsed.Hostname()
	reqLog := f.log.WithField("url", rawURL)

	if f.hosts != nil {
		if err := f.hosts.AcquireTimeout(ctx, host, f.opts.SemaphoreAcquireTimeout); err != nil {
			return nil, err
		}
		defer f.hosts.Release(host)
	}
	if err := f.limiter.Wait(ctx, host); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, permanent(fmt.Errorf("%w: %w", utils.ErrRequestCreation, err), "GET %s", rawURL)
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		// Cancellation is not a property of the URL
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reqLog.Debugf("Network error: %v", err)
		return nil, transient(err, "GET %s", rawURL)
	}
	defer resp.Body.Close()

	result := &FetchResult{
		StatusCode:  resp.StatusCode,
		ContentType: mediaType(resp.Header.Get("Content-Type")),
		FinalURL:    resp.Request.URL.String(),
	}
	resLog := reqLog.WithFields(logrus.Fields{"status_code": resp.StatusCode, "final_url": result.FinalURL})

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
	case code >= 500:
		resLog.Debug("Server error")
		return result, fmt.Errorf("%w: %w: status %d %s", utils.ErrTransientFetch, utils.ErrServerHTTPError, code, resp.Status)
	case code == http.StatusTooManyRequests:
		resLog.Debug("Rate limited by server")
		return result, fmt.Errorf("%w: %w: status %d %s", utils.ErrTransientFetch, utils.ErrClientHTTPError, code, resp.Status)
	case code >= 400:
		return result, fmt.Errorf("%w: %w: status %d %s", utils.ErrPermanentFetch, utils.ErrClientHTTPError, code, resp.Status)
	default:
		return result, fmt.Errorf("%w: %w: status %d %s", utils.ErrPermanentFetch, utils.ErrOtherHTTPError, code, resp.Status)
	}

	if !f.accepts(result.ContentType) {
		return result, fmt.Errorf("%w: %w: %q", utils.ErrPermanentFetch, utils.ErrUnsupportedContentType, result.ContentType)
	}

	if limit := f.opts.MaxPageSizeBytes; limit > 0 && resp.ContentLength > limit {
		return result, fmt.Errorf("%w: %w: Content-Length %d > %d", utils.ErrPermanentFetch, utils.ErrPageTooLarge, resp.ContentLength, limit)
	}

	var reader io.Reader = resp.Body
	if limit := f.opts.MaxPageSizeBytes; limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w: %w", utils.ErrTransientFetch, utils.ErrResponseBodyRead, err)
	}
	if limit := f.opts.MaxPageSizeBytes; limit > 0 && int64(len(body)) > limit {
		return result, fmt.Errorf("%w: %w: body exceeds %d bytes", utils.ErrPermanentFetch, utils.ErrPageTooLarge, limit)
	}
	result.Body = body
	resLog.WithField("bytes", len(body)).Debug("Fetched")
	return result, nil
}

func (f *HTTPFetcher) accepts(contentType string) bool {
	if len(f.opts.AcceptedContentTypes) == 0 {
		return true
	}
	for _, accepted := range f.opts.AcceptedContentTypes {
		if strings.EqualFold(accepted, contentType) {
			return true
		}
	}
	return false
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	return mt
}

// IsContextError reports whether err is a cancellation or deadline rather than a fetch failure
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
