package parse

import (
	"errors"
	"net/url"
	"testing"

	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

func TestNormalizeURL_NilInput(t *testing.T) {
	result := NormalizeURL(nil)
	if result != "" {
		t.Errorf("NormalizeURL(nil) = %q, want empty string", result)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"UppercaseScheme", "HTTP://example.com/path", "http://example.com/path"},
		{"UppercaseHost", "http://EXAMPLE.COM/path", "http://example.com/path"},
		{"PathCasePreserved", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"HTTPPort80Removed", "http://example.com:80/path", "http://example.com/path"},
		{"HTTPSPort443Removed", "https://example.com:443/path", "https://example.com/path"},
		{"NonDefaultPortKept", "http://example.com:8080/path", "http://example.com:8080/path"},
		{"EmptyPathBecomesRoot", "https://example.com", "https://example.com/"},
		{"TrailingSlashRemoved", "https://example.com/docs/", "https://example.com/docs"},
		{"RootSlashKept", "https://example.com/", "https://example.com/"},
		{"FragmentRemoved", "https://example.com/a#section", "https://example.com/a"},
		{"QuerySorted", "https://example.com/s?b=2&a=1", "https://example.com/s?a=1&b=2"},
		{"TrackingStripped", "https://example.com/s?utm_source=x&id=7&fbclid=abc", "https://example.com/s?id=7"},
		{"OnlyTrackingDropsQuery", "https://example.com/s?gclid=1", "https://example.com/s"},
		{"RepeatedValuesSorted", "https://example.com/s?t=b&t=a", "https://example.com/s?t=a&t=b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := url.Parse(tt.input)
			if err != nil {
				t.Fatalf("url.Parse(%q) error = %v", tt.input, err)
			}
			result := NormalizeURL(parsed)
			if result != tt.expected {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeURL_DoesNotModifyInput(t *testing.T) {
	parsed, _ := url.Parse("HTTP://Example.com:80/a/?utm_source=x#frag")
	before := parsed.String()
	_ = NormalizeURL(parsed)
	if parsed.String() != before {
		t.Errorf("NormalizeURL modified input: %q -> %q", before, parsed.String())
	}
}

func TestParseAndNormalize(t *testing.T) {
	norm, parsed, err := ParseAndNormalize("  https://Example.com/a/  ")
	if err != nil {
		t.Fatalf("ParseAndNormalize() error = %v", err)
	}
	if norm != "https://example.com/a" {
		t.Errorf("normalized = %q", norm)
	}
	if parsed == nil || parsed.Host != "Example.com" {
		t.Errorf("parsed URL not returned as-is: %+v", parsed)
	}
}

func TestParseAndNormalize_Rejects(t *testing.T) {
	inputs := []string{
		"",
		"/relative/path",
		"mailto:someone@example.com",
		"ftp://example.com/file",
		"https://",
		"http://[::1",
	}
	for _, in := range inputs {
		_, _, err := ParseAndNormalize(in)
		if err == nil {
			t.Errorf("ParseAndNormalize(%q) error = nil, want error", in)
			continue
		}
		if !errors.Is(err, utils.ErrParsing) {
			t.Errorf("ParseAndNormalize(%q) error should wrap ErrParsing, got %v", in, err)
		}
	}
}

func TestURLHash_EquivalentURLsCollide(t *testing.T) {
	a, _, _ := ParseAndNormalize("https://example.com:443/page/?b=2&a=1#top")
	b, _, _ := ParseAndNormalize("HTTPS://EXAMPLE.com/page?a=1&b=2&utm_medium=mail")
	if URLHash(a) != URLHash(b) {
		t.Errorf("hashes differ for equivalent URLs: %q vs %q", a, b)
	}
	c, _, _ := ParseAndNormalize("https://example.com/other")
	if URLHash(a) == URLHash(c) {
		t.Error("different URLs produced the same hash")
	}
}
