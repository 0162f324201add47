package report

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
)

// Snapshot is a point-in-time view of a crawl
type Snapshot struct {
	JobID          string                `json:"job_id"`
	ExecutionID    string                `json:"execution_id"`
	State          string                `json:"state"`
	Timestamp      time.Time             `json:"timestamp"`
	Elapsed        time.Duration         `json:"-"`
	ElapsedSeconds float64               `json:"elapsed_seconds"`
	Frontier       models.FrontierStatus `json:"frontier"`
	Pending        int                   `json:"pending"` // Submitted, not yet harvested
	Queued         int                   `json:"queued"`  // Submitted, not yet started
	Counters       map[string]int64      `json:"counters,omitempty"`
	HeapAlloc      uint64                `json:"heap_alloc_bytes"`
	Sys            uint64                `json:"sys_bytes"`
	Goroutines     int                   `json:"goroutines"`
	StopReason     string                `json:"stop_reason,omitempty"`
	Final          bool                  `json:"final"`
}

// Capture builds a snapshot from the session and the scheduler's view
func Capture(sess *session.Context, state string, frontier models.FrontierStatus, pending, queued int) Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	elapsed := sess.Elapsed()
	return Snapshot{
		JobID:          sess.JobID,
		ExecutionID:    sess.ExecutionID,
		State:          state,
		Timestamp:      time.Now().UTC(),
		Elapsed:        elapsed,
		ElapsedSeconds: elapsed.Seconds(),
		Frontier:       frontier,
		Pending:        pending,
		Queued:         queued,
		Counters:       sess.Snapshot(),
		HeapAlloc:      mem.HeapAlloc,
		Sys:            mem.Sys,
		Goroutines:     runtime.NumGoroutine(),
		StopReason:     sess.StopReason(),
	}
}

// Render formats s as a human-readable table
func Render(s Snapshot) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Crawl %s (%s)", s.JobID, s.State))
	t.AppendHeader(table.Row{"Metric", "Value"})

	if s.ExecutionID != "" {
		t.AppendRow(table.Row{"execution", s.ExecutionID})
		t.AppendRow(table.Row{"elapsed", s.Elapsed.Round(time.Second).String()})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"frontier.queued", humanize.Comma(s.Frontier.Queued)})
	t.AppendRow(table.Row{"frontier.processing", humanize.Comma(s.Frontier.Processing)})
	t.AppendRow(table.Row{"frontier.processed", humanize.Comma(s.Frontier.Processed)})
	t.AppendRow(table.Row{"frontier.failed", humanize.Comma(s.Frontier.Failed)})
	t.AppendRow(table.Row{"frontier.total", humanize.Comma(s.Frontier.Total())})

	if s.ExecutionID != "" {
		t.AppendSeparator()
		t.AppendRow(table.Row{"tasks.pending", s.Pending})
		t.AppendRow(table.Row{"tasks.queued", s.Queued})
		for _, name := range slices.Sorted(maps.Keys(s.Counters)) {
			t.AppendRow(table.Row{name, humanize.Comma(s.Counters[name])})
		}
		t.AppendSeparator()
		t.AppendRow(table.Row{"memory.heap", humanize.Bytes(s.HeapAlloc)})
		t.AppendRow(table.Row{"memory.sys", humanize.Bytes(s.Sys)})
		t.AppendRow(table.Row{"goroutines", s.Goroutines})
	}
	if s.StopReason != "" {
		t.AppendSeparator()
		t.AppendRow(table.Row{"stop reason", s.StopReason})
	}
	return t.Render()
}

// Sink receives status snapshots
type Sink interface {
	Report(ctx context.Context, s Snapshot) error
	Close() error
}

// LogSink writes snapshots to the log as a table
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink creates a LogSink
func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{log: log.WithField("component", "status")}
}

func (l *LogSink) Report(_ context.Context, s Snapshot) error {
	msg := "Crawl status"
	if s.Final {
		msg = "Final crawl report"
	}
	l.log.WithFields(logrus.Fields{
		"state":     s.State,
		"processed": s.Frontier.Processed,
		"failed":    s.Frontier.Failed,
		"queued":    s.Frontier.Queued,
	}).Infof("%s\n%s", msg, Render(s))
	return nil
}

func (l *LogSink) Close() error { return nil }

// Reporter fans snapshots out to every sink. Sink errors are logged and never returned.
type Reporter struct {
	sinks []Sink
	log   *logrus.Entry
}

// NewReporter creates a Reporter over sinks
func NewReporter(log *logrus.Entry, sinks ...Sink) *Reporter {
	return &Reporter{sinks: sinks, log: log.WithField("component", "reporter")}
}

// Report sends s to every sink
func (r *Reporter) Report(ctx context.Context, s Snapshot) {
	for _, sink := range r.sinks {
		if err := sink.Report(ctx, s); err != nil {
			r.log.Warnf("Status sink %T failed: %v", sink, err)
		}
	}
}

// Close closes every sink
func (r *Reporter) Close() error {
	var errs []string
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing status sinks: %s", strings.Join(errs, "; "))
	}
	return nil
}
