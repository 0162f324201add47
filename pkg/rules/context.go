package rules

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// URLContext is the variable environment rule expressions are evaluated against.
// The expr tags are the variable names visible to expressions.
type URLContext struct {
	URL         string    `expr:"url"`
	Protocol    string    `expr:"protocol"`
	Host        string    `expr:"host"`
	Path        string    `expr:"path"`
	Port        int       `expr:"port"`
	Query       string    `expr:"query"`
	Fragment    string    `expr:"fragment"`
	ContentType string    `expr:"contentType"`
	StatusCode  int       `expr:"statusCode"`
	Tags        []string  `expr:"tags"`
	Doc         *Document `expr:"doc"` // nil before fetch
}

// NewURLContext derives the expression variables from a URL string
func NewURLContext(rawURL string) (*URLContext, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: URL %q: %w", utils.ErrParsing, rawURL, err)
	}
	protocol := strings.ToLower(u.Scheme)
	port := 0
	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	} else {
		switch protocol {
		case "http":
			port = 80
		case "https":
			port = 443
		}
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return &URLContext{
		URL:      rawURL,
		Protocol: protocol,
		Host:     strings.ToLower(u.Hostname()),
		Path:     path,
		Port:     port,
		Query:    u.RawQuery,
		Fragment: u.Fragment,
	}, nil
}

// WithPage returns a copy of c carrying post-fetch data
func (c *URLContext) WithPage(contentType string, statusCode int, doc *Document) *URLContext {
	cp := *c
	cp.ContentType = contentType
	cp.StatusCode = statusCode
	cp.Doc = doc
	return &cp
}

// fieldValue returns the string form of a named variable, for decider comparisons
func fieldValue(c *URLContext, field string) (string, error) {
	switch field {
	case "", "url":
		return c.URL, nil
	case "protocol":
		return c.Protocol, nil
	case "host":
		return c.Host, nil
	case "path":
		return c.Path, nil
	case "port":
		return strconv.Itoa(c.Port), nil
	case "query":
		return c.Query, nil
	case "fragment":
		return c.Fragment, nil
	case "contentType":
		return c.ContentType, nil
	case "statusCode":
		return strconv.Itoa(c.StatusCode), nil
	}
	return "", fmt.Errorf("%w: unknown field %q", utils.ErrEvaluation, field)
}

// Document is a lazily parsed HTML page handle
type Document struct {
	body string
	once sync.Once
	doc  *goquery.Document
	err  error
}

// NewDocument wraps raw HTML; parsing happens on first Query
func NewDocument(body string) *Document {
	return &Document{body: body}
}

// NewParsedDocument wraps an already parsed document
func NewParsedDocument(doc *goquery.Document) *Document {
	d := &Document{doc: doc}
	d.once.Do(func() {})
	return d
}

// Query returns the parsed document
func (d *Document) Query() (*goquery.Document, error) {
	d.once.Do(func() {
		d.doc, d.err = goquery.NewDocumentFromReader(strings.NewReader(d.body))
		if d.err != nil {
			d.err = fmt.Errorf("%w: HTML: %w", utils.ErrParsing, d.err)
		}
	})
	return d.doc, d.err
}
