package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrawlResult_FailedAndDuration(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ok := &CrawlResult{StartedAt: start, EndedAt: start.Add(1500 * time.Millisecond)}
	assert.False(t, ok.Failed())
	assert.Equal(t, 1500*time.Millisecond, ok.Duration())

	bad := &CrawlResult{Error: &ErrorInfo{Category: "HTTP_404", Message: "not found"}}
	assert.True(t, bad.Failed())
}

func TestCrawlResult_JSONOmitsEmptyContent(t *testing.T) {
	r := CrawlResult{Task: CrawlTask{TaskID: "t1", URL: "https://example.com/"}}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"content"`)
	assert.NotContains(t, string(data), `"error"`)

	body := "<html></html>"
	r.Content = &body
	data, err = json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content":"<html></html>"`)
}

func TestFrontierStatus_Total(t *testing.T) {
	s := FrontierStatus{Queued: 3, Processing: 2, Processed: 10, Failed: 1}
	assert.Equal(t, int64(16), s.Total())
}
