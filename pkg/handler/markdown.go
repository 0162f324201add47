package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// frontMatter is the YAML header of every markdown file
type frontMatter struct {
	URL            string   `yaml:"url"`
	FinalURL       string   `yaml:"final_url,omitempty"`
	Title          string   `yaml:"title,omitempty"`
	FetchedAt      string   `yaml:"fetched_at"`
	Tokens         int      `yaml:"tokens"`
	Tags           []string `yaml:"tags,omitempty"`
	Valid          bool     `yaml:"valid"`
	RenderingHints []string `yaml:"rendering_hints,omitempty"`
}

// MarkdownWriter converts every successfully fetched HTML page to a markdown
// file with a YAML front matter carrying the page's token count
type MarkdownWriter struct {
	dir       string
	converter *md.Converter
	codec     tokenizer.Codec
	log       *logrus.Entry
	written   int
}

// NewMarkdownWriter creates a writer into dir. encoding names a tiktoken
// encoding, default cl100k_base.
func NewMarkdownWriter(dir, encoding string, log *logrus.Entry) (*MarkdownWriter, error) {
	codec, err := tokenizer.Get(tokenEncoding(encoding))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer %q: %w", encoding, err)
	}
	return &MarkdownWriter{
		dir:       dir,
		converter: md.NewConverter("", true, nil),
		codec:     codec,
		log:       log.WithField("component", "markdown"),
	}, nil
}

func tokenEncoding(name string) tokenizer.Encoding {
	switch name {
	case "p50k_base":
		return tokenizer.P50kBase
	case "p50k_edit":
		return tokenizer.P50kEdit
	case "r50k_base":
		return tokenizer.R50kBase
	case "o200k_base":
		return tokenizer.O200kBase
	}
	return tokenizer.Cl100kBase
}

func (w *MarkdownWriter) Initialize(context.Context, *session.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("%w: creating markdown dir %s: %w", utils.ErrFilesystem, w.dir, err)
	}
	return nil
}

// Handle writes the page when it is a successful HTML fetch; other results are ignored
func (w *MarkdownWriter) Handle(_ context.Context, result *models.CrawlResult) error {
	if result.Failed() || result.Content == nil {
		return nil
	}
	if result.ContentType != "text/html" && result.ContentType != "application/xhtml+xml" {
		return nil
	}

	markdown, err := w.converter.ConvertString(*result.Content)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", utils.ErrMarkdownConversion, result.Task.URL, err)
	}
	markdown = strings.TrimSpace(markdown)

	tokens := -1
	if ids, _, err := w.codec.Encode(markdown); err == nil {
		tokens = len(ids)
	}

	header, err := yaml.Marshal(frontMatter{
		URL:            result.Task.URL,
		FinalURL:       result.FinalURL,
		Title:          firstHeading(markdown),
		FetchedAt:      result.EndedAt.UTC().Format(time.RFC3339),
		Tokens:         tokens,
		Tags:           result.Task.Tags,
		Valid:          result.Validation.Valid,
		RenderingHints: result.Validation.RenderingHints,
	})
	if err != nil {
		return fmt.Errorf("%w: YAML front matter for %s: %w", utils.ErrParsing, result.Task.URL, err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	buf.WriteString(markdown)
	buf.WriteString("\n")

	path := filepath.Join(w.dir, MarkdownFilename(result))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("%w: writing %s: %w", utils.ErrFilesystem, path, err)
	}
	w.written++
	w.log.WithFields(logrus.Fields{"url": result.Task.URL, "path": path, "tokens": tokens}).Debug("Saved markdown")
	return nil
}

func (w *MarkdownWriter) Destroy() error {
	w.log.Infof("Wrote %d markdown files to %s", w.written, w.dir)
	return nil
}

// MarkdownFilename derives a stable, unique file name from the page URL and its frontier hash
func MarkdownFilename(result *models.CrawlResult) string {
	name := result.Task.URL
	if u, err := url.Parse(result.Task.URL); err == nil {
		name = u.Hostname() + strings.TrimSuffix(u.Path, "/")
	}
	id := result.Task.URLID
	if len(id) > 12 {
		id = id[:12]
	}
	if id == "" {
		id = utils.CalculateStringSHA256(result.Task.URL)[:12]
	}
	return utils.SanitizeFilename(name) + "_" + id + ".md"
}

func firstHeading(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}
