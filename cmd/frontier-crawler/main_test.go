package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func writeJob(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRun_Dispatch(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "frontier-crawler "+version)

	stdout.Reset()
	assert.Equal(t, 1, run([]string{"bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: bogus")

	stderr.Reset()
	assert.Equal(t, 1, run(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage:")
}

func TestPrintUsageTo(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)

	out := buf.String()
	for _, cmd := range []string{"crawl", "resume", "validate", "status", "export", "version"} {
		assert.Contains(t, out, cmd)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger("debug", "json", &buf)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	log.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	log = newLogger("loud", "xml", &buf)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.Contains(t, buf.String(), "Invalid log format")
	assert.Contains(t, buf.String(), "Invalid log level")
}

func TestDoValidate(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantCode int
		stdout   string
		stderr   string
	}{
		{
			name: "valid",
			content: `
job_id: docs
seeds: ["https://example.com/"]
thread_count: 4
rules:
  tags:
    - tag: guide
      rule: 'path startsWith "/guide"'
`,
			wantCode: 0,
			stdout:   "OK: [docs] 1 seeds, 4 threads, badger storage",
		},
		{
			name:     "defaults produce warnings",
			content:  `seeds: ["https://example.com/"]`,
			wantCode: 0,
			stdout:   "WARN: job_id is empty",
		},
		{
			name:     "no seeds",
			content:  `job_id: empty`,
			wantCode: 1,
			stderr:   "no seeds",
		},
		{
			name: "expression syntax error",
			content: `
job_id: broken
seeds: ["https://example.com/"]
valid_page_rule: 'statusCode == '
`,
			wantCode: 1,
			stderr:   "valid_page_rule",
		},
		{
			name: "evaluation-only errors are accepted",
			content: `
job_id: page-rule
seeds: ["https://example.com/"]
valid_page_rule: 'CONTAINSELEMENT(doc, "main")'
`,
			wantCode: 0,
			stdout:   "Configuration valid",
		},
		{
			name:     "invalid yaml",
			content:  "{{invalid yaml",
			wantCode: 1,
			stderr:   "parsing config file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := doValidate(writeJob(t, tt.content), &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code, "stderr: %s", stderr.String())
			if tt.stdout != "" {
				assert.Contains(t, stdout.String(), tt.stdout)
			}
			if tt.stderr != "" {
				assert.Contains(t, stderr.String(), tt.stderr)
			}
		})
	}
}

func TestDoValidate_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, doValidate("/nonexistent.yaml", &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Error")
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	page := func(links ...string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, "<html><head><title>t</title></head><body><p>content</p>")
			for _, l := range links {
				fmt.Fprintf(w, `<a href="%s">x</a>`, l)
			}
			fmt.Fprint(w, "</body></html>")
		}
	}
	mux.HandleFunc("/{$}", page("/a", "/b", "/skip/me"))
	mux.HandleFunc("/a", page("/"))
	mux.HandleFunc("/b", page("/a", "/missing"))
	mux.HandleFunc("/c", page())
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<urlset><url><loc>http://%s/c</loc></url><url><loc>http://%s/skip/sitemap</loc></url></urlset>`, r.Host, r.Host)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func crawlJob(t *testing.T, seed string) (jobPath, outPath string) {
	t.Helper()
	dir := t.TempDir()
	outPath = filepath.Join(dir, "results.jsonl")
	jobPath = writeJob(t, fmt.Sprintf(`
job_id: cli-e2e
seeds: [%q]
sitemaps: [%q]
thread_count: 2
tick_interval: 10ms
status_interval: 1h
max_retry_count: 1
initial_retry_delay: 10ms
storage:
  state_dir: %q
rules:
  ingestion_filter:
    - field: path
      action: REJECT
      operator: startsWith
      argument: /skip
  link_filter:
    - field: path
      action: REJECT
      operator: startsWith
      argument: /skip
handlers:
  log: false
  jsonl:
    path: %q
`, seed, strings.TrimSuffix(seed, "/")+"/sitemap.xml", filepath.Join(dir, "state"), outPath))
	return jobPath, outPath
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestExecuteCrawl_StatusAndExport(t *testing.T) {
	srv := newSite(t)
	jobPath, outPath := crawlJob(t, srv.URL+"/")

	cfg, err := loadJob(jobPath, testLogger())
	require.NoError(t, err)

	sess, err := executeCrawl(context.Background(), cfg, false, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "frontier exhausted", sess.StopReason())

	// /, /a, /b and /c from the sitemap are handled; /missing is a 404 and still produces a result
	assert.Len(t, readLines(t, outPath), 5)

	var stdout bytes.Buffer
	require.Equal(t, 0, doStatus(jobPath, &stdout, testLogger()))
	assert.Contains(t, stdout.String(), "cli-e2e")
	assert.Contains(t, stdout.String(), "frontier.processed")

	exportPath := filepath.Join(t.TempDir(), "frontier.tsv")
	require.Equal(t, 0, doExport(jobPath, exportPath, io.Discard, testLogger()))
	lines := readLines(t, exportPath)
	require.Len(t, lines, 5)

	statuses := map[string]int{}
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		require.Len(t, fields, 4, line)
		statuses[fields[1]]++
		assert.NotContains(t, fields[3], "/skip")
	}
	assert.Equal(t, map[string]int{"PROCESSED": 4, "FAILED": 1}, statuses)
}

func TestDoStatus_BadConfig(t *testing.T) {
	var stdout bytes.Buffer
	assert.Equal(t, 1, doStatus(writeJob(t, "job_id: x"), &stdout, testLogger()))
	assert.Equal(t, 1, doExport(writeJob(t, "job_id: x"), "", &stdout, testLogger()))
}
