package crawler

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/parse"
)

// ExtractLinks returns the unique, normalized http(s) targets of the page's
// a[href] elements, resolved against base, in document order. Links marked
// rel="nofollow" are skipped.
func ExtractLinks(doc *goquery.Document, base *url.URL, log *logrus.Entry) []string {
	var links []string
	seen := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if rel, _ := a.Attr("rel"); hasToken(rel, "nofollow") {
			return
		}

		linkURL, err := base.Parse(href)
		if err != nil {
			log.Debugf("Skipping invalid link href '%s': %v", href, err)
			return
		}
		if linkURL.Scheme != "http" && linkURL.Scheme != "https" {
			return
		}

		normalized, _, err := parse.ParseAndNormalize(linkURL.String())
		if err != nil {
			log.Debugf("Cannot normalize extracted link '%s': %v", linkURL, err)
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})
	return links
}

func hasToken(attr, token string) bool {
	for _, f := range strings.Fields(strings.ToLower(attr)) {
		if f == token {
			return true
		}
	}
	return false
}
