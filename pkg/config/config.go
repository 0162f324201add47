package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/frontier-crawler/pkg/rules"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// Storage backends
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// JobConfig holds the configuration of one crawl job
type JobConfig struct {
	JobID string   `yaml:"job_id"`
	Seeds []string `yaml:"seeds"`

	// Sitemaps are expanded before the crawl; listed pages pass the ingestion filter
	Sitemaps    []string `yaml:"sitemaps,omitempty"`
	MaxSitemaps int      `yaml:"max_sitemaps,omitempty"`

	ThreadCount       int           `yaml:"thread_count"`
	MaxRetryCount     int           `yaml:"max_retry_count"`
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay,omitempty"`
	TaskTimeout       time.Duration `yaml:"task_timeout,omitempty"` // Hard limit for a single task (0 = none)
	TickInterval      time.Duration `yaml:"tick_interval,omitempty"`
	StatusInterval    time.Duration `yaml:"status_interval,omitempty"`

	// Watchdogs
	Timeout              time.Duration `yaml:"timeout,omitempty"`                 // Stop when no valid page was seen for this long
	MaxRejectedPageCount int           `yaml:"max_rejected_page_count,omitempty"` // Stop after this many consecutive invalid pages
	MaxDuration          time.Duration `yaml:"max_duration,omitempty"`            // Hard deadline from crawl start
	ValidPageRule        string        `yaml:"valid_page_rule,omitempty"`         // Boolean expression a valid page must satisfy

	// Fetching
	UserAgent               string        `yaml:"user_agent,omitempty"`
	DelayPerHost            time.Duration `yaml:"delay_per_host,omitempty"`
	MaxRequestsPerHost      int           `yaml:"max_requests_per_host,omitempty"`
	SemaphoreAcquireTimeout time.Duration `yaml:"semaphore_acquire_timeout,omitempty"`
	MaxPageSizeBytes        int64         `yaml:"max_page_size_bytes,omitempty"`
	AcceptedContentTypes    []string      `yaml:"accepted_content_types,omitempty"`
	ResourceExtensions      []string      `yaml:"resource_extensions,omitempty"`
	MaxLinksPerPage         int           `yaml:"max_links_per_page,omitempty"` // Above this a page is flagged as anomalous

	Storage            StorageConfig    `yaml:"storage"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Rules              RulesConfig      `yaml:"rules,omitempty"`
	Handlers           HandlersConfig   `yaml:"handlers,omitempty"`
	Report             ReportConfig     `yaml:"report,omitempty"`
}

// StorageConfig selects and locates the frontier's persistent store
type StorageConfig struct {
	Backend    string        `yaml:"backend,omitempty"` // "badger" (default) or "sqlite"
	StateDir   string        `yaml:"state_dir,omitempty"`
	GCInterval time.Duration `yaml:"gc_interval,omitempty"` // Badger value log GC
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// RulesConfig is the raw, data-driven rule definitions of a job
type RulesConfig struct {
	IngestionFilter []rules.Decider      `yaml:"ingestion_filter,omitempty"`
	LinkFilter      []rules.Decider      `yaml:"link_filter,omitempty"`
	Tags            rules.TagRules       `yaml:"tags,omitempty"`
	Priority        []rules.PriorityRule `yaml:"priority,omitempty"`
	PriorityMatch   rules.MatchMode      `yaml:"priority_match,omitempty"` // default "first"
	DeciderMatch    rules.MatchMode      `yaml:"decider_match,omitempty"`  // default "last"
}

// IngestionDeciders returns the filter applied to URLs entering the frontier
func (r RulesConfig) IngestionDeciders() rules.DeciderList {
	return rules.DeciderList{Deciders: r.IngestionFilter, Mode: r.DeciderMatch}
}

// LinkDeciders returns the filter applied to links extracted from a page
func (r RulesConfig) LinkDeciders() rules.DeciderList {
	return rules.DeciderList{Deciders: r.LinkFilter, Mode: r.DeciderMatch}
}

// PriorityRules returns the ordered priority rules
func (r RulesConfig) PriorityRules() rules.PriorityRules {
	return rules.PriorityRules{Rules: r.Priority, Mode: r.PriorityMatch}
}

// HandlersConfig selects the result handlers registered with the scheduler, in this order:
// log, jsonl, markdown, kafka
type HandlersConfig struct {
	Log      *bool                 `yaml:"log,omitempty"` // nil means enabled
	JSONL    JSONLHandlerConfig    `yaml:"jsonl,omitempty"`
	Markdown MarkdownHandlerConfig `yaml:"markdown,omitempty"`
	Kafka    KafkaHandlerConfig    `yaml:"kafka,omitempty"`
}

// JSONLHandlerConfig enables one JSON line per result
type JSONLHandlerConfig struct {
	Path string `yaml:"path,omitempty"`
}

// MarkdownHandlerConfig enables one markdown file per successful HTML page
type MarkdownHandlerConfig struct {
	Dir           string `yaml:"dir,omitempty"`
	TokenEncoding string `yaml:"token_encoding,omitempty"`
}

// KafkaHandlerConfig enables publishing results to a Kafka topic
type KafkaHandlerConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// Enabled reports whether both brokers and topic are set
func (k KafkaHandlerConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// ReportConfig configures status report sinks beyond the log
type ReportConfig struct {
	Redis RedisReportConfig `yaml:"redis,omitempty"`
}

// RedisReportConfig stores the latest status snapshot under KeyPrefix+execution ID
type RedisReportConfig struct {
	Addr      string        `yaml:"addr,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	DB        int           `yaml:"db,omitempty"`
	KeyPrefix string        `yaml:"key_prefix,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// GetEffectiveLogHandler determines whether the log handler is registered
func GetEffectiveLogHandler(cfg HandlersConfig) bool {
	if cfg.Log != nil {
		return *cfg.Log
	}
	return true
}

// Load reads and decodes a YAML job file. Defaults are not applied; call Validate.
func Load(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config file %s: %w", utils.ErrConfigValidation, path, err)
	}
	var cfg JobConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config file %s: %w", utils.ErrConfigValidation, path, err)
	}
	return &cfg, nil
}
