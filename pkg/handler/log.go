package handler

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
)

// LogHandler writes one log line per result
type LogHandler struct {
	log *logrus.Entry
}

// NewLogHandler creates a LogHandler
func NewLogHandler(log *logrus.Entry) *LogHandler {
	return &LogHandler{log: log.WithField("component", "result_log")}
}

func (h *LogHandler) Initialize(_ context.Context, sess *session.Context) error {
	h.log = h.log.WithField("execution_id", sess.ExecutionID)
	return nil
}

func (h *LogHandler) Handle(_ context.Context, result *models.CrawlResult) error {
	fields := logrus.Fields{
		"url":      result.Task.URL,
		"attempts": result.Attempts,
		"duration": result.Duration().String(),
	}
	if result.StatusCode != 0 {
		fields["status_code"] = result.StatusCode
	}
	if result.Failed() {
		fields["category"] = result.Error.Category
		h.log.WithFields(fields).Warnf("Fetch failed: %s", result.Error.Message)
		return nil
	}

	fields["links"] = len(result.Links)
	fields["valid"] = result.Validation.Valid
	if len(result.Validation.RenderingHints) > 0 {
		fields["hints"] = result.Validation.RenderingHints
	}
	if len(result.Task.Tags) > 0 {
		fields["tags"] = result.Task.Tags
	}
	h.log.WithFields(fields).Info("Page crawled")
	return nil
}

func (h *LogHandler) Destroy() error { return nil }
