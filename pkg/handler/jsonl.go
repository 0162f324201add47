package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// JSONLWriter appends one JSON Record per result to a file
type JSONLWriter struct {
	path   string
	resume bool
	log    *logrus.Entry

	mu   sync.Mutex
	sess *session.Context
	file *os.File
	buf  *bufio.Writer
}

// NewJSONLWriter creates a writer for path. The file is opened by Initialize.
func NewJSONLWriter(path string, resume bool, log *logrus.Entry) *JSONLWriter {
	return &JSONLWriter{path: path, resume: resume, log: log.WithField("component", "jsonl")}
}

// Initialize opens the output file, appending on resume and truncating otherwise
func (w *JSONLWriter) Initialize(_ context.Context, sess *session.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: creating %s: %w", utils.ErrFilesystem, dir, err)
		}
	}
	flags := os.O_CREATE | os.O_WRONLY
	if w.resume {
		w.log.Infof("Resume mode: Appending to JSONL file: %s", w.path)
		flags |= os.O_APPEND
	} else {
		w.log.Infof("Non-resume mode: Truncating JSONL file: %s", w.path)
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(w.path, flags, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening JSONL file %s: %w", utils.ErrFilesystem, w.path, err)
	}
	w.sess = sess
	w.file = file
	w.buf = bufio.NewWriter(file)
	return nil
}

// Handle writes result as one line
func (w *JSONLWriter) Handle(_ context.Context, result *models.CrawlResult) error {
	line, err := json.Marshal(NewRecord(w.sess, result))
	if err != nil {
		return fmt.Errorf("%w: JSON encoding result for %s: %w", utils.ErrParsing, result.Task.URL, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return fmt.Errorf("%w: JSONL writer not initialized", utils.ErrFilesystem)
	}
	line = append(line, '\n')
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("%w: writing %s: %w", utils.ErrFilesystem, w.path, err)
	}
	return nil
}

// Destroy flushes, syncs and closes the file
func (w *JSONLWriter) Destroy() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	var firstErr error
	if err := w.buf.Flush(); err != nil {
		firstErr = err
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.file, w.buf = nil, nil
	if firstErr != nil {
		return fmt.Errorf("%w: closing %s: %w", utils.ErrFilesystem, w.path, firstErr)
	}
	return nil
}
