package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// Validate checks JobConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *JobConfig) Validate() (warnings []string, err error) {
	// Required: Seeds
	if len(c.Seeds) == 0 {
		return nil, fmt.Errorf("%w: job has no seeds", utils.ErrConfigValidation)
	}
	for i, s := range c.Seeds {
		u, perr := url.Parse(s)
		if perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: seed #%d (%q) is not an absolute http(s) URL", utils.ErrConfigValidation, i+1, s)
		}
	}

	for i, s := range c.Sitemaps {
		u, perr := url.Parse(s)
		if perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: sitemap #%d (%q) is not an absolute http(s) URL", utils.ErrConfigValidation, i+1, s)
		}
	}
	if len(c.Sitemaps) > 0 && c.MaxSitemaps <= 0 {
		c.MaxSitemaps = 50
	}

	if c.JobID == "" {
		warnings = append(warnings, "job_id is empty, defaulting to 'default'")
		c.JobID = "default"
	}

	// ThreadCount
	if c.ThreadCount <= 0 {
		warnings = append(warnings, "thread_count should be > 0, defaulting to 3")
		c.ThreadCount = 3
	}

	// MaxRetryCount
	if c.MaxRetryCount < 0 {
		warnings = append(warnings, "max_retry_count cannot be negative, setting to 0")
		c.MaxRetryCount = 0
	}
	if c.MaxRetryCount == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetryCount = 3
	}
	if c.MaxRetryCount > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.TaskTimeout < 0 {
		warnings = append(warnings, "task_timeout cannot be negative, disabling timeout")
		c.TaskTimeout = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 30 * time.Second
	}

	// Watchdogs: zero disables
	if c.Timeout < 0 {
		warnings = append(warnings, "timeout cannot be negative, disabling idle watchdog")
		c.Timeout = 0
	}
	if c.MaxRejectedPageCount < 0 {
		warnings = append(warnings, "max_rejected_page_count cannot be negative, disabling reject-streak watchdog")
		c.MaxRejectedPageCount = 0
	}
	if c.MaxDuration < 0 {
		warnings = append(warnings, "max_duration cannot be negative, disabling deadline")
		c.MaxDuration = 0
	}

	// Fetching
	if c.UserAgent == "" {
		c.UserAgent = "frontier-crawler/1.0"
	}
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		c.MaxRequestsPerHost = 2
	}
	if c.DelayPerHost < 0 {
		c.DelayPerHost = 0
	}
	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}
	if c.MaxPageSizeBytes < 0 {
		warnings = append(warnings, "max_page_size_bytes cannot be negative, setting to 0 (unlimited)")
		c.MaxPageSizeBytes = 0
	}
	if len(c.AcceptedContentTypes) == 0 {
		c.AcceptedContentTypes = []string{"text/html", "application/xhtml+xml", "text/plain"}
	}
	if c.MaxLinksPerPage <= 0 {
		c.MaxLinksPerPage = 300
	}

	if err := c.validateStorage(); err != nil {
		return warnings, err
	}
	c.validateHTTPClientSettings()

	if err := c.validateRules(); err != nil {
		return warnings, err
	}

	if c.Handlers.Kafka.Topic != "" && len(c.Handlers.Kafka.Brokers) == 0 {
		warnings = append(warnings, "handlers.kafka.topic is set but no brokers are configured, kafka handler disabled")
	}
	if c.Report.Redis.Addr != "" {
		if c.Report.Redis.KeyPrefix == "" {
			c.Report.Redis.KeyPrefix = "frontier-crawler:status:"
		}
		if c.Report.Redis.TTL <= 0 {
			c.Report.Redis.TTL = 24 * time.Hour
		}
	}

	return warnings, nil
}

func (c *JobConfig) validateStorage() error {
	s := &c.Storage
	switch s.Backend {
	case "":
		s.Backend = BackendBadger
	case BackendBadger, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown storage backend %q", utils.ErrConfigValidation, s.Backend)
	}
	if s.StateDir == "" {
		s.StateDir = "./crawler_state"
	}
	if s.GCInterval <= 0 {
		s.GCInterval = 10 * time.Minute
	}
	return nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *JobConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// validateRules checks rule structure. Expressions themselves are only compiled when first evaluated.
func (c *JobConfig) validateRules() error {
	r := &c.Rules
	ingestion := r.IngestionDeciders()
	if err := ingestion.Validate(); err != nil {
		return fmt.Errorf("rules.ingestion_filter: %w", err)
	}
	links := r.LinkDeciders()
	if err := links.Validate(); err != nil {
		return fmt.Errorf("rules.link_filter: %w", err)
	}
	if err := r.Tags.Validate(); err != nil {
		return fmt.Errorf("rules.tags: %w", err)
	}
	priority := r.PriorityRules()
	if err := priority.Validate(); err != nil {
		return fmt.Errorf("rules.priority: %w", err)
	}
	return nil
}
