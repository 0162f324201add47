package crawler

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
)

// Rendering hints attached to validation results
const (
	HintRenderJavaScript = "render:javascript"
	HintFrameworkPrefix  = "framework:"
)

// Validator inspects a fetched page. doc is nil for non-HTML content.
type Validator interface {
	Validate(result *models.CrawlResult, doc *goquery.Document) models.ValidationResult
}

// AcceptAll marks every page valid
type AcceptAll struct{}

// Validate implements Validator
func (AcceptAll) Validate(*models.CrawlResult, *goquery.Document) models.ValidationResult {
	return models.ValidationResult{Valid: true}
}

// frameworkSignature identifies a client-side rendering framework
type frameworkSignature struct {
	Name         string
	MountPoints  []string // CSS selectors for the framework's root element
	Attributes   []string // Attributes the framework leaves in server HTML
	Scripts      []string // Script src substrings
	HTMLPatterns []string // Lowercase substrings of the raw HTML
}

func (sig *frameworkSignature) matches(doc *goquery.Document, htmlLower string) bool {
	for _, sel := range sig.MountPoints {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	for _, attr := range sig.Attributes {
		if doc.Find("[" + attr + "]").Length() > 0 {
			return true
		}
	}
	for _, pattern := range sig.Scripts {
		found := false
		doc.Find("script[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found = strings.Contains(s.AttrOr("src", ""), pattern)
			return !found
		})
		if found {
			return true
		}
	}
	for _, pattern := range sig.HTMLPatterns {
		if strings.Contains(htmlLower, pattern) {
			return true
		}
	}
	return false
}

// Order matters: meta-frameworks come before the libraries they build on
var frameworkSignatures = []frameworkSignature{
	{
		Name:         "nextjs",
		MountPoints:  []string{"#__next"},
		Scripts:      []string{"/_next/"},
		HTMLPatterns: []string{"__next_data__"},
	},
	{
		Name:         "nuxt",
		MountPoints:  []string{"#__nuxt"},
		Scripts:      []string{"/_nuxt/"},
		HTMLPatterns: []string{"window.__nuxt__"},
	},
	{
		Name:        "react",
		MountPoints: []string{"#root:empty", "[data-reactroot]"},
		Scripts:     []string{"react.production", "react-dom"},
	},
	{
		Name:        "vue",
		MountPoints: []string{"#app:empty"},
		Attributes:  []string{"data-v-app", "data-server-rendered"},
		Scripts:     []string{"vue.global", "vue.runtime"},
	},
	{
		Name:        "angular",
		MountPoints: []string{"app-root"},
		Attributes:  []string{"ng-version", "ng-app"},
	},
	{
		Name:         "svelte",
		MountPoints:  []string{"#svelte"},
		HTMLPatterns: []string{"__sveltekit"},
	},
	{
		Name:        "ember",
		Attributes:  []string{"data-ember-extension"},
		Scripts:     []string{"ember.min.js", "ember.prod"},
		MountPoints: []string{".ember-application"},
	},
}

// ShellDetector flags HTML pages that are application shells: the real content
// is rendered client-side, so the fetched HTML carries little visible text.
type ShellDetector struct {
	MinTextLength  int // Visible text below this counts as thin
	MaxScriptCount int // More scripts than this on a thin page means a shell
}

// NewShellDetector returns a detector with the default thresholds
func NewShellDetector() *ShellDetector {
	return &ShellDetector{MinTextLength: 200, MaxScriptCount: 2}
}

// Validate implements Validator. Non-HTML content is always valid.
func (d *ShellDetector) Validate(_ *models.CrawlResult, doc *goquery.Document) models.ValidationResult {
	if doc == nil {
		return models.ValidationResult{Valid: true}
	}

	html, _ := doc.Html()
	htmlLower := strings.ToLower(html)

	var hints []string
	for i := range frameworkSignatures {
		if frameworkSignatures[i].matches(doc, htmlLower) {
			hints = append(hints, HintFrameworkPrefix+frameworkSignatures[i].Name)
		}
	}

	scripts := doc.Find("script").Length()
	textLen := visibleTextLength(doc)
	thin := textLen < d.MinTextLength
	noscript := strings.Contains(strings.ToLower(doc.Find("noscript").Text()), "javascript")

	shell := thin && (len(hints) > 0 || scripts > d.MaxScriptCount || noscript)
	if shell {
		hints = append([]string{HintRenderJavaScript}, hints...)
	}
	return models.ValidationResult{Valid: !shell, RenderingHints: hints}
}

// visibleTextLength counts body text outside script, style, template and noscript
func visibleTextLength(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, template, noscript").Remove()
	return len(strings.Join(strings.Fields(body.Text()), " "))
}
