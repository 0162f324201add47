package models

import "time"

// URLRecord is the persisted frontier entry for one normalized URL
type URLRecord struct {
	Hash      string    `json:"hash"` // SHA-256 hex of the normalized URL
	URL       string    `json:"url"`  // Normalized URL
	Status    URLStatus `json:"status"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// CrawlTask is one unit of fetch work handed to a worker
type CrawlTask struct {
	TaskID   string   `json:"task_id"`
	URLID    string   `json:"url_id"` // URLRecord.Hash
	URL      string   `json:"url"`
	Tags     []string `json:"tags,omitempty"`
	Priority int      `json:"priority"`
}

// ErrorInfo describes why a task failed
type ErrorInfo struct {
	Category  string `json:"category"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

// ValidationResult is the outcome of post-fetch content validation.
// An invalid page is still a successful fetch.
type ValidationResult struct {
	Valid          bool     `json:"valid"`
	RenderingHints []string `json:"rendering_hints,omitempty"`
}

// CrawlResult is produced exactly once per CrawlTask
type CrawlResult struct {
	Task        CrawlTask        `json:"task"`
	FinalURL    string           `json:"final_url,omitempty"`
	StatusCode  int              `json:"status_code,omitempty"`
	ContentType string           `json:"content_type,omitempty"`
	Content     *string          `json:"content,omitempty"`
	Links       []string         `json:"links,omitempty"` // Unique, absolute
	Attempts    int              `json:"attempts"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
	Error       *ErrorInfo       `json:"error,omitempty"`
	Validation  ValidationResult `json:"validation"`
}

// Failed reports whether the task ended with an error
func (r *CrawlResult) Failed() bool {
	return r.Error != nil
}

// Duration returns the wall time spent on the task including retries
func (r *CrawlResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// FrontierStatus is a snapshot of record counts per status
type FrontierStatus struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}

// Total returns the number of known records
func (s FrontierStatus) Total() int64 {
	return s.Queued + s.Processing + s.Processed + s.Failed
}
