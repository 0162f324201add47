package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/config"
	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
)

// ResultHandler consumes crawl results. The scheduler calls Initialize once
// before the first result, Handle for every result in completion order and
// Destroy once after the last. Handle is never called concurrently.
type ResultHandler interface {
	Initialize(ctx context.Context, sess *session.Context) error
	Handle(ctx context.Context, result *models.CrawlResult) error
	Destroy() error
}

// Record is the serialized form of a result shared by the JSONL and Kafka handlers.
// Page content is left out.
type Record struct {
	ExecutionID    string   `json:"execution_id"`
	JobID          string   `json:"job_id"`
	TaskID         string   `json:"task_id"`
	URLID          string   `json:"url_id"`
	URL            string   `json:"url"`
	FinalURL       string   `json:"final_url,omitempty"`
	StatusCode     int      `json:"status_code,omitempty"`
	ContentType    string   `json:"content_type,omitempty"`
	ContentBytes   int      `json:"content_bytes"`
	Tags           []string `json:"tags,omitempty"`
	Priority       int      `json:"priority"`
	Links          int      `json:"links"`
	Attempts       int      `json:"attempts"`
	DurationMs     int64    `json:"duration_ms"`
	FetchedAt      string   `json:"fetched_at"`
	Valid          bool     `json:"valid"`
	RenderingHints []string `json:"rendering_hints,omitempty"`
	ErrorCategory  string   `json:"error_category,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
}

// NewRecord flattens result for output
func NewRecord(sess *session.Context, result *models.CrawlResult) Record {
	r := Record{
		TaskID:         result.Task.TaskID,
		URLID:          result.Task.URLID,
		URL:            result.Task.URL,
		FinalURL:       result.FinalURL,
		StatusCode:     result.StatusCode,
		ContentType:    result.ContentType,
		Tags:           result.Task.Tags,
		Priority:       result.Task.Priority,
		Links:          len(result.Links),
		Attempts:       result.Attempts,
		DurationMs:     result.Duration().Milliseconds(),
		FetchedAt:      result.EndedAt.UTC().Format(time.RFC3339),
		Valid:          result.Validation.Valid,
		RenderingHints: result.Validation.RenderingHints,
	}
	if sess != nil {
		r.ExecutionID = sess.ExecutionID
		r.JobID = sess.JobID
	}
	if result.Content != nil {
		r.ContentBytes = len(*result.Content)
	}
	if result.Error != nil {
		r.ErrorCategory = result.Error.Category
		r.ErrorMessage = result.Error.Message
	}
	return r
}

// FromConfig builds the configured handlers in registration order: log, jsonl, markdown, kafka.
// resume selects append over truncate for file outputs.
func FromConfig(cfg config.HandlersConfig, resume bool, log *logrus.Entry) ([]ResultHandler, error) {
	var handlers []ResultHandler
	if config.GetEffectiveLogHandler(cfg) {
		handlers = append(handlers, NewLogHandler(log))
	}
	if cfg.JSONL.Path != "" {
		handlers = append(handlers, NewJSONLWriter(cfg.JSONL.Path, resume, log))
	}
	if cfg.Markdown.Dir != "" {
		mw, err := NewMarkdownWriter(cfg.Markdown.Dir, cfg.Markdown.TokenEncoding, log)
		if err != nil {
			return nil, fmt.Errorf("markdown handler: %w", err)
		}
		handlers = append(handlers, mw)
	}
	if cfg.Kafka.Enabled() {
		handlers = append(handlers, NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log))
	}
	return handlers, nil
}
