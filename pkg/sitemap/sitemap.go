package sitemap

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/fetch"
	"github.com/Sriram-PR/frontier-crawler/pkg/parse"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// urlSet is a <urlset> sitemap
type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	URLs    []urlEntry `xml:"url"`
}

type urlEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// index is a <sitemapindex> referencing further sitemaps
type index struct {
	XMLName  xml.Name   `xml:"sitemapindex"`
	Sitemaps []urlEntry `xml:"sitemap"`
}

// Expander resolves sitemap URLs into the page URLs they list.
// Sitemap indexes are followed breadth-first up to MaxSitemaps documents.
type Expander struct {
	fetcher     fetch.Fetcher
	maxSitemaps int
	log         *logrus.Entry
}

// NewExpander creates an Expander. maxSitemaps <= 0 means 50.
func NewExpander(fetcher fetch.Fetcher, maxSitemaps int, log *logrus.Entry) *Expander {
	if maxSitemaps <= 0 {
		maxSitemaps = 50
	}
	return &Expander{fetcher: fetcher, maxSitemaps: maxSitemaps, log: log.WithField("component", "sitemap")}
}

// Expand fetches every sitemap reachable from roots and returns the normalized,
// de-duplicated http(s) page URLs in discovery order. A sitemap that fails to
// fetch or parse is logged and skipped; only context cancellation is returned.
func (e *Expander) Expand(ctx context.Context, roots []string) ([]string, error) {
	pending := append([]string(nil), roots...)
	seenSitemaps := make(map[string]struct{}, len(roots))
	seenPages := make(map[string]struct{})
	var pages []string
	fetched := 0

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		smURL := pending[0]
		pending = pending[1:]
		if _, dup := seenSitemaps[smURL]; dup {
			continue
		}
		seenSitemaps[smURL] = struct{}{}
		if fetched >= e.maxSitemaps {
			e.log.Warnf("Sitemap limit of %d reached, skipping %d remaining", e.maxSitemaps, len(pending)+1)
			break
		}
		fetched++

		smLog := e.log.WithField("sitemap_url", smURL)
		nested, found, err := e.process(ctx, smURL)
		if err != nil {
			if fetch.IsContextError(err) && ctx.Err() != nil {
				return pages, ctx.Err()
			}
			smLog.Warnf("Skipping sitemap: %v", err)
			continue
		}
		pending = append(pending, nested...)

		added := 0
		for _, raw := range found {
			normalized, _, err := parse.ParseAndNormalize(raw)
			if err != nil {
				smLog.Debugf("Ignoring sitemap entry %q", raw)
				continue
			}
			if _, dup := seenPages[normalized]; dup {
				continue
			}
			seenPages[normalized] = struct{}{}
			pages = append(pages, normalized)
			added++
		}
		smLog.WithFields(logrus.Fields{"nested": len(nested), "pages": added}).Info("Processed sitemap")
	}
	return pages, nil
}

// process fetches one sitemap and returns its nested sitemaps and page URLs
func (e *Expander) process(ctx context.Context, smURL string) (nested, pages []string, err error) {
	if _, err := url.ParseRequestURI(smURL); err != nil {
		return nil, nil, fmt.Errorf("%w: sitemap URL %q: %w", utils.ErrParsing, smURL, err)
	}
	res, err := e.fetcher.Fetch(ctx, smURL)
	if err != nil {
		return nil, nil, err
	}

	var idx index
	errIndex := xml.Unmarshal(res.Body, &idx)
	if errIndex == nil && len(idx.Sitemaps) > 0 {
		for _, s := range idx.Sitemaps {
			nested = append(nested, s.Loc)
		}
		return nested, nil, nil
	}

	var set urlSet
	if errSet := xml.Unmarshal(res.Body, &set); errSet != nil {
		return nil, nil, fmt.Errorf("%w: sitemap XML (index err=%v; urlset err=%w)", utils.ErrParsing, errIndex, errSet)
	}
	for _, u := range set.URLs {
		pages = append(pages, u.Loc)
	}
	return nil, pages, nil
}
